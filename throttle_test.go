// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestLimit(c *check.C) {
	thr := throttle{Max: 3}
	var running, peak int64
	for i := 0; i < 20; i++ {
		thr.Go(func() error {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt64(&running, -1)
			return nil
		})
	}
	c.Check(thr.Wait(), check.IsNil)
	c.Check(peak <= 3, check.Equals, true)
	c.Check(peak > 0, check.Equals, true)
}

func (s *throttleSuite) TestFirstError(c *check.C) {
	thr := throttle{Max: 1}
	errFirst := errors.New("first")
	ran := 0
	thr.Go(func() error { ran++; return errFirst })
	thr.Go(func() error { ran++; return errors.New("second") })
	c.Check(thr.Wait(), check.Equals, errFirst)
	c.Check(ran, check.Equals, 1)
}

type arvadosSuite struct{}

var _ = check.Suite(&arvadosSuite{})

func (s *arvadosSuite) TestTranslatePaths(c *check.C) {
	runner := arvadosContainerRunner{}
	input := "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/outs/filtered_feature_bc_matrix"
	meta := "d41d8cd98f00b204e9800998ecf8427e+0/cells.tsv"
	unset := ""
	c.Assert(runner.TranslatePaths(&input, &meta, &unset), check.IsNil)
	c.Check(input, check.Equals, "/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa/outs/filtered_feature_bc_matrix")
	c.Check(meta, check.Equals, "/mnt/d41d8cd98f00b204e9800998ecf8427e+0/cells.tsv")
	c.Check(unset, check.Equals, "")
	c.Check(runner.Mounts["/mnt/zzzzz-4zz18-aaaaaaaaaaaaaaa"]["uuid"], check.Equals, "zzzzz-4zz18-aaaaaaaaaaaaaaa")
	c.Check(runner.Mounts["/mnt/d41d8cd98f00b204e9800998ecf8427e+0"]["portable_data_hash"], check.Equals, "d41d8cd98f00b204e9800998ecf8427e+0")

	local := "/home/user/cells.tsv"
	c.Check(runner.TranslatePaths(&local), check.ErrorMatches, `cannot find uuid in path: .*`)
}
