// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"flag"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type downsampleArgs struct {
	Enabled bool  `yaml:"enabled"`
	Seed    int64 `yaml:"seed"` // negative: generate one
}

func (d *downsampleArgs) Flags(flags *flag.FlagSet) {
	flags.BoolVar(&d.Enabled, "downsample", d.Enabled, "randomly drop cells so every group has as many cells as the smallest group")
	flags.Int64Var(&d.Seed, "downsample-seed", d.Seed, "PRNG `seed` for downsampling (negative = choose one and log it)")
}

func (d *downsampleArgs) Args() []string {
	return []string{
		fmt.Sprintf("-downsample=%v", d.Enabled),
		fmt.Sprintf("-downsample-seed=%d", d.Seed),
	}
}

// resolveSeed returns the configured seed, or a new one if none was
// configured.
func (d *downsampleArgs) resolveSeed() uint64 {
	if d.Seed >= 0 {
		return uint64(d.Seed)
	}
	seed := uint64(time.Now().UnixNano()) & (1<<63 - 1)
	log.Infof("downsampling: no seed given, using -downsample-seed=%d", seed)
	return seed
}

// groupMembers returns the cell indices of each group, and the group
// names in sorted order.
func groupMembers(s *pipelineState, group metadataColumn) (map[string][]int, []string) {
	members := map[string][]int{}
	for j := range s.cellIDs() {
		g := s.meta.value(group, j)
		members[g] = append(members[g], j)
	}
	names := make([]string, 0, len(members))
	for g := range members {
		names = append(names, g)
	}
	sort.Strings(names)
	return members, names
}

// downsample keeps an equal number of randomly chosen cells from each
// group: as many as the smallest group has. Groups are visited in
// sorted order and all draws come from one source seeded with seed,
// so the result depends only on the input and the seed.
func downsample(s *pipelineState, group metadataColumn, seed uint64) (*pipelineState, int, error) {
	members, names := groupMembers(s, group)
	target := -1
	for _, g := range names {
		if n := len(members[g]); target < 0 || n < target {
			target = n
		}
	}
	if target <= 0 {
		return nil, 0, fmt.Errorf("%w: downsampling by %s: no cells to sample from", ErrEmptySubset, group)
	}
	src := rand.NewSource(seed)
	retain := make(map[string]bool, target*len(names))
	idxs := make([]int, target)
	for _, g := range names {
		cells := members[g]
		sampleuv.WithoutReplacement(idxs, len(cells), src)
		for _, k := range idxs {
			retain[s.cellIDs()[cells[k]]] = true
		}
		log.WithFields(log.Fields{
			"group":  g,
			"before": len(cells),
			"after":  target,
		}).Info("downsampled group")
	}
	out, err := restrict(s, retain)
	if err != nil {
		return nil, 0, err
	}
	return out, target, nil
}
