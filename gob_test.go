// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"

	"gopkg.in/check.v1"
)

type datasetSuite struct{}

var _ = check.Suite(&datasetSuite{})

func (s *datasetSuite) testDataset(c *check.C) *dataset {
	st := testState(c, testGroups(map[string]int{"A": 3, "B": 2}, nil, "A", "B"))
	st.meta = st.meta.withFloats(colNGene, []float64{21, 22, 23, 24, 25})
	ds := newDataset(st, "sample")
	ds.VariableGenes = []string{"Gene0", "Gene3"}
	ds.CellCounts = &cellCounts{
		Stages: []string{"input", "after_qc_filters"},
		Groups: []string{"A", "B"},
		Counts: map[string][]int{"A": {4, 3}, "B": {2, 2}},
	}
	ds.Stats = &runStatistics{InputCells: 6, CellsAfterQC: 5, Normalization: normLog}
	ds.PCA = &pcaResult{
		Components:    2,
		Cells:         5,
		Genes:         []string{"Gene0", "Gene3"},
		Embeddings:    []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
		Loadings:      []float64{0.1, 0.2, 0.3, 0.4},
		Stdev:         []float64{2, 1},
		VarianceRatio: []float64{0.8, 0.2},
	}
	return ds
}

func (s *datasetSuite) TestRoundTrip(c *check.C) {
	ds := s.testDataset(c)
	for _, fnm := range []string{"dataset.gob", "dataset.gob.gz"} {
		path := c.MkDir() + "/" + fnm
		c.Assert(writeDataset(path, ds), check.IsNil)
		got, err := readDataset(path)
		c.Assert(err, check.IsNil)
		c.Check(got, check.DeepEquals, ds)

		st, err := got.state()
		c.Assert(err, check.IsNil)
		c.Check(st.cellIDs(), check.DeepEquals, ds.Cells)
		c.Check(st.counts.dense([]int{0, 1}).RawMatrix().Data, check.DeepEquals,
			testState(c, testGroups(map[string]int{"A": 3, "B": 2}, nil, "A", "B")).counts.dense([]int{0, 1}).RawMatrix().Data)
	}
	_, err := readDataset(c.MkDir() + "/missing.gob")
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
}

func (s *datasetSuite) TestStateValidates(c *check.C) {
	ds := s.testDataset(c)
	ds.MetaValues[0] = ds.MetaValues[0][:2]
	_, err := ds.state()
	c.Check(err, check.ErrorMatches, `dataset: metadata column "sample" has 2 values for 5 cells`)

	ds = s.testDataset(c)
	ds.Indptr = ds.Indptr[:3]
	_, err = ds.state()
	c.Check(err, check.ErrorMatches, `dataset: bad column pointer array.*`)
}

func (s *datasetSuite) TestStats(c *check.C) {
	ds := s.testDataset(c)
	var buf bytes.Buffer
	c.Assert(doStats(ds, &buf), check.IsNil)
	var got datasetStats
	c.Assert(json.Unmarshal(buf.Bytes(), &got), check.IsNil)
	c.Check(got.Cells, check.Equals, 5)
	c.Check(got.Genes, check.Equals, testGenes+1)
	c.Check(got.CellsPerGroup, check.DeepEquals, map[string]int{"A": 3, "B": 2})
	c.Check(got.MetadataFields, check.DeepEquals, []string{"sample", colNGene})
	c.Check(got.VariableGenes, check.Equals, 2)
	c.Check(got.Stages, check.DeepEquals, []string{"input", "after_qc_filters"})
	c.Check(got.PCA.VarianceRatio, check.DeepEquals, []float64{0.8, 0.2})
	c.Check(*got.QCMedians[colNGene], check.Equals, 23.0)
	c.Check(got.Statistics[1], check.Equals, statRow{Name: "input cells", Value: "6"})
}

func (s *datasetSuite) TestStatsCommand(c *check.C) {
	ds := s.testDataset(c)
	fnm := c.MkDir() + "/dataset.gob.gz"
	c.Assert(writeDataset(fnm, ds), check.IsNil)

	var stdout bytes.Buffer
	code := (&statscmd{}).RunCommand("scprep stats", []string{"-local", "-i", fnm}, bytes.NewReader(nil), &stdout, os.Stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?s)\{"Genes":41,"Cells":5,.*`)

	// stdin is read as uncompressed gob
	plain := c.MkDir() + "/dataset.gob"
	c.Assert(writeDataset(plain, ds), check.IsNil)
	f, err := os.Open(plain)
	c.Assert(err, check.IsNil)
	defer f.Close()
	out := c.MkDir() + "/stats.json"
	code = (&statscmd{}).RunCommand("scprep stats", []string{"-local", "-o", out}, f, &bytes.Buffer{}, os.Stderr)
	c.Check(code, check.Equals, 0)
	buf, err := os.ReadFile(out)
	c.Assert(err, check.IsNil)
	var got datasetStats
	c.Assert(json.Unmarshal(buf, &got), check.IsNil)
	c.Check(got.Cells, check.Equals, 5)
}
