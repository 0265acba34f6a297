// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type metadataSuite struct{}

var _ = check.Suite(&metadataSuite{})

func (s *metadataSuite) TestJoinReorders(c *check.C) {
	mt, err := parseMetadata("meta.tsv", []byte("sample\tbarcode\tbatch\nB\tc2\t1\nA\tc1\t2\nA\tc3\t1\n"))
	c.Assert(err, check.IsNil)
	c.Check(mt.columns, check.DeepEquals, []string{"sample", "batch"})
	cm, err := mt.join([]string{"c1", "c2", "c3"})
	c.Assert(err, check.IsNil)
	c.Check(cm.names, check.DeepEquals, []string{"sample", "batch"})
	c.Check(cm.values, check.DeepEquals, [][]string{{"A", "B", "A"}, {"2", "1", "1"}})
	col, ok := cm.column("sample")
	c.Assert(ok, check.Equals, true)
	c.Check(cm.groupCounts(col), check.DeepEquals, map[string]int{"A": 2, "B": 1})
}

func (s *metadataSuite) TestJoinMismatch(c *check.C) {
	mt, err := parseMetadata("meta.tsv", []byte("barcode\tsample\nc1\tA\nc2\tA\n"))
	c.Assert(err, check.IsNil)
	for _, cells := range [][]string{
		{"c1"},
		{"c1", "c2", "c3"},
		{"c1", "c4"},
	} {
		_, err = mt.join(cells)
		c.Check(errors.Is(err, ErrIdentifierMismatch), check.Equals, true, check.Commentf("%v", cells))
	}
	_, err = mt.join([]string{"c1", "c4"})
	var mismatch *identifierMismatchError
	c.Assert(errors.As(err, &mismatch), check.Equals, true)
	c.Check(mismatch.onlyInMatrix, check.Equals, 1)
	c.Check(mismatch.onlyInMeta, check.Equals, 1)
	diag := mismatch.Diagnostics()
	c.Check(diag, check.Matches, `(?s).*- matrix   c4\n.*`)
	c.Check(diag, check.Matches, `(?s).*\+ metadata c2\n.*`)

	dup, err := parseMetadata("meta.tsv", []byte("barcode\tsample\nc1\tA\nc1\tB\n"))
	c.Assert(err, check.IsNil)
	_, err = dup.join([]string{"c1", "c2"})
	c.Check(err, check.ErrorMatches, `.*duplicate barcode "c1".*`)
}

func (s *metadataSuite) TestJoinDuplicateMatrixID(c *check.C) {
	mt, err := parseMetadata("meta.tsv", []byte("barcode\tsample\na\tA\nb\tB\nc\tC\n"))
	c.Assert(err, check.IsNil)
	cm, err := mt.join([]string{"a", "a", "b"})
	c.Check(cm, check.IsNil)
	c.Check(errors.Is(err, ErrIdentifierMismatch), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*duplicate cell id "a" in matrix.*`)
}

func (s *metadataSuite) TestParseErrors(c *check.C) {
	for _, trial := range []struct {
		input string
		err   string
	}{
		{"sample\tbatch\nA\t1\n", `.*no "barcode" column.*`},
		{"barcode\tsample\nc1\tA\textra\n", `.*line 2: 3 fields, header has 2`},
		// comma-separated: rejected either by delimiter detection or for
		// lack of a barcode column
		{"barcode,sample,batch\nc1,A,1\nc2,B,2\n", `.*meta.tsv.*`},
		{"", `.*missing header row`},
	} {
		_, err := parseMetadata("meta.tsv", []byte(trial.input))
		c.Check(errors.Is(err, ErrConfiguration), check.Equals, true, check.Commentf("%q", trial.input))
		c.Check(err, check.ErrorMatches, trial.err)
	}
}

func (s *metadataSuite) TestLoadMissing(c *check.C) {
	_, err := loadMetadata("")
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
	_, err = loadMetadata(c.MkDir() + "/nonexistent.tsv")
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)

	fnm := c.MkDir() + "/meta.tsv"
	c.Assert(os.WriteFile(fnm, []byte("barcode\tsample\r\nc1\tA\r\n"), 0666), check.IsNil)
	mt, err := loadMetadata(fnm)
	c.Assert(err, check.IsNil)
	c.Check(mt.barcodes, check.DeepEquals, []string{"c1"})
	c.Check(mt.rows, check.DeepEquals, [][]string{{"A"}})
}

func (s *metadataSuite) TestWithAndSubset(c *check.C) {
	cm := &cellMetadata{names: []string{"sample"}, values: [][]string{{"A", "B", "C"}}}
	added := cm.withFloats("score", []float64{0.5, 1, -2})
	c.Check(cm.names, check.HasLen, 1)
	c.Check(added.names, check.DeepEquals, []string{"sample", "score"})
	col, _ := added.column("score")
	vals, err := added.floats(col)
	c.Assert(err, check.IsNil)
	c.Check(vals, check.DeepEquals, []float64{0.5, 1, -2})

	replaced := added.with("sample", []string{"x", "y", "z"})
	c.Check(replaced.values[0], check.DeepEquals, []string{"x", "y", "z"})
	c.Check(added.values[0], check.DeepEquals, []string{"A", "B", "C"})

	sub := added.subset([]int{2, 0})
	c.Check(sub.values, check.DeepEquals, [][]string{{"C", "A"}, {"-2", "0.5"}})

	_, err = cm.floats(metadataColumn{name: "sample", index: 0})
	c.Check(err, check.ErrorMatches, `metadata column "sample" is not numeric.*`)
}

func (s *metadataSuite) TestLineDiff(c *check.C) {
	out := lineDiff([]string{"a", "b", "c"}, []string{"a", "x", "c"})
	c.Check(strings.Split(strings.TrimSpace(out), "\n"), check.DeepEquals, []string{"- matrix   b", "+ metadata x"})
	c.Check(lineDiff([]string{"a"}, []string{"a"}), check.Equals, "")
}
