// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bytes"
	"math"
	"os"

	"gopkg.in/check.v1"
)

type cellCountsSuite struct{}

var _ = check.Suite(&cellCountsSuite{})

func (s *cellCountsSuite) TestRecord(c *check.C) {
	st := testState(c, testGroups(map[string]int{"B": 4, "A": 3, "C": 2}, nil, "B", "A", "C"))
	group := groupColumnOf(c, st)

	var t *cellCounts
	t, err := t.record(st, group, "input")
	c.Assert(err, check.IsNil)
	c.Check(t.Groups, check.DeepEquals, []string{"A", "B", "C"})

	noC, err := restrict(st, idSet(st.cellIDs()[:7]))
	c.Assert(err, check.IsNil)
	t2, err := t.record(noC, group, "after_qc_filters")
	c.Assert(err, check.IsNil)
	c.Check(t2.Stages, check.DeepEquals, []string{"input", "after_qc_filters"})
	c.Check(t2.Counts, check.DeepEquals, map[string][]int{
		"A": {3, 3},
		"B": {4, 4},
		"C": {2, 0},
	})
	c.Check(t2.totals(), check.DeepEquals, []int{9, 7})
	n, ok := t2.count("C", "after_qc_filters")
	c.Check(ok, check.Equals, true)
	c.Check(n, check.Equals, 0)
	_, ok = t2.count("D", "input")
	c.Check(ok, check.Equals, false)

	// Earlier tables are not modified.
	c.Check(t.Stages, check.DeepEquals, []string{"input"})
	c.Check(t.Counts["A"], check.DeepEquals, []int{3})

	_, err = t2.record(noC, group, "input")
	c.Check(err, check.ErrorMatches, `.*already has a "input" column`)
}

func (s *cellCountsSuite) TestNewGroupIgnored(c *check.C) {
	st := testState(c, testGroups(map[string]int{"A": 2}, nil, "A"))
	group := groupColumnOf(c, st)
	t, err := (*cellCounts)(nil).record(st, group, "input")
	c.Assert(err, check.IsNil)
	relabeled := &pipelineState{counts: st.counts, meta: st.meta.with("sample", []string{"A", "Z"})}
	t, err = t.record(relabeled, group, "later")
	c.Assert(err, check.IsNil)
	c.Check(t.Groups, check.DeepEquals, []string{"A"})
	c.Check(t.Counts["A"], check.DeepEquals, []int{2, 1})
}

func (s *cellCountsSuite) TestLatex(c *check.C) {
	t := &cellCounts{
		Stages: []string{"input", "after_qc_filters"},
		Groups: []string{"mouse_1", "mouse&2"},
		Counts: map[string][]int{"mouse_1": {10, 8}, "mouse&2": {5, 5}},
	}
	header, rows := t.table()
	c.Check(header, check.DeepEquals, []string{"group", "input", "after_qc_filters"})
	c.Check(rows[len(rows)-1], check.DeepEquals, []string{"total", "15", "13"})

	var buf bytes.Buffer
	c.Assert(writeTabular(&buf, header, rows), check.IsNil)
	c.Check(buf.String(), check.Equals, `\begin{tabular}{lrr}
\hline
group & input & after\_qc\_filters \\
\hline
mouse\_1 & 10 & 8 \\
mouse\&2 & 5 & 5 \\
total & 15 & 13 \\
\hline
\end{tabular}
`)

	fnm := c.MkDir() + "/cell_counts.tex"
	c.Assert(t.writeLatex(fnm), check.IsNil)
	written, err := os.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(string(written), check.Equals, buf.String())
}

func (s *cellCountsSuite) TestLatexEscape(c *check.C) {
	c.Check(latexEscape(`50% of $x_1 {a} #2 ~ ^ \`), check.Equals,
		`50\% of \$x\_1 \{a\} \#2 \textasciitilde{} \textasciicircum{} \textbackslash{}`)
}

type runStatsSuite struct{}

var _ = check.Suite(&runStatsSuite{})

func (s *runStatsSuite) TestRows(c *check.C) {
	rs := &runStatistics{
		InputGenes:         100,
		InputCells:         50,
		GenesAfterMinCells: 80,
		CellsBeforeQC:      50,
		CellsAfterQC:       40,
		MedianGenesPerCell: 21,
	}
	names := map[string]string{}
	for _, r := range rs.rows() {
		names[r.Name] = r.Value
	}
	c.Check(names["cells after QC"], check.Equals, "40")
	c.Check(names["median genes per cell"], check.Equals, "21.0")
	_, ok := names["downsampling seed"]
	c.Check(ok, check.Equals, false)

	rs.CellsAfterDownsampling = 30
	rs.DownsampleSeed = 99
	found := false
	for _, r := range rs.rows() {
		if r.Name == "downsampling seed" {
			found = true
			c.Check(r.Value, check.Equals, "99")
		}
	}
	c.Check(found, check.Equals, true)

	fnm := c.MkDir() + "/run_statistics.tex"
	c.Assert(rs.writeLatex(fnm), check.IsNil)
	buf, err := os.ReadFile(fnm)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?s)\\begin\{tabular\}\{lr\}.*cells after QC & 40 \\\\.*`)
}

func (s *runStatsSuite) TestMedian(c *check.C) {
	c.Check(median([]float64{3, 1, math.NaN(), 2}), check.Equals, 2.0)
	c.Check(median([]float64{4, 1, 2, 3}), check.Equals, 2.5)
	c.Check(math.IsNaN(median([]float64{math.NaN()})), check.Equals, true)
	c.Check(math.IsNaN(median(nil)), check.Equals, true)

	rs := &runStatistics{}
	meta := (&cellMetadata{}).withFloats(colNGene, []float64{10, 30, 20})
	c.Assert(rs.summarizeQC(meta), check.IsNil)
	c.Check(rs.MedianGenesPerCell, check.Equals, 20.0)
	c.Check(rs.MedianUMIsPerCell, check.Equals, 0.0)
}
