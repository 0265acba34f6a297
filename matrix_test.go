// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type matrixSuite struct{}

var _ = check.Suite(&matrixSuite{})

func (s *matrixSuite) TestNewCountMatrixValidates(c *check.C) {
	genes := []geneInfo{{Name: "a"}, {Name: "b"}}
	_, err := newCountMatrix(genes, []string{"c1", "c2"}, []int{0, 1}, []int{0}, []float64{1})
	c.Check(err, check.ErrorMatches, `bad column pointer array.*`)
	_, err = newCountMatrix(genes, []string{"c1"}, []int{0, 2}, []int{0}, []float64{1})
	c.Check(err, check.ErrorMatches, `bad sparse arrays.*`)
	_, err = newCountMatrix(genes, []string{"c1"}, []int{0, 1}, []int{2}, []float64{1})
	c.Check(err, check.ErrorMatches, `gene index 2 out of range.*`)
	_, err = newCountMatrix(genes, []string{"c1", "c2", "c1"}, []int{0, 0, 0, 0}, nil, nil)
	c.Check(errors.Is(err, ErrIdentifierMismatch), check.Equals, true)
	c.Check(err, check.ErrorMatches, `.*duplicate cell id "c1".*`)
	m, err := newCountMatrix(genes, []string{"c1"}, []int{0, 2}, []int{0, 1}, []float64{3, 4})
	c.Assert(err, check.IsNil)
	c.Check(m.nGenes(), check.Equals, 2)
	c.Check(m.nCells(), check.Equals, 1)
}

func (s *matrixSuite) TestSubsets(c *check.C) {
	st := testState(c, []testCell{
		{id: "x", genes: 2},
		{id: "y", genes: 3, mito: 5},
		{id: "z", genes: 1},
	})
	sub := st.counts.subsetCells([]int{2, 0})
	c.Check(sub.cells, check.DeepEquals, []string{"z", "x"})
	indptr, ind, _ := sub.raw()
	c.Check(indptr, check.DeepEquals, []int{0, 1, 3})
	c.Check(ind, check.DeepEquals, []int{0, 0, 1})

	byGene := st.counts.subsetGenes([]int{testMitoGene, 2})
	c.Check(geneNames(byGene.genes), check.DeepEquals, []string{"mt-Co1", "Gene2"})
	dense := byGene.dense([]int{0, 1})
	c.Check(dense.At(0, 1), check.Equals, 5.0)
	c.Check(dense.At(1, 1) > 0, check.Equals, true)
	c.Check(dense.At(0, 0), check.Equals, 0.0)
	c.Check(dense.At(1, 0), check.Equals, 0.0)

	// Gene0 is in 3 cells, Gene1 in 2, Gene2 and mt-Co1 in 1.
	filtered := st.counts.filterGenesByCells(2)
	c.Check(geneNames(filtered.genes), check.DeepEquals, []string{"Gene0", "Gene1"})
	c.Check(filtered.nCells(), check.Equals, 3)
}

func (s *matrixSuite) TestMakeUnique(c *check.C) {
	c.Check(makeUnique([]string{"A", "B", "A", "A.1", "A"}), check.DeepEquals,
		[]string{"A", "B", "A.2", "A.1", "A.3"})
	c.Check(makeUnique(nil), check.HasLen, 0)
}

func (s *matrixSuite) TestGeneIndexByName(c *check.C) {
	idx := geneIndexByName([]geneInfo{
		{Name: "Actb", ID: "E1", Symbol: "Actb"},
		{Name: "Actb.1", ID: "E2", Symbol: "Actb"},
	})
	c.Check(idx["Actb"], check.Equals, 0)
	c.Check(idx["Actb.1"], check.Equals, 1)
	c.Check(idx["E2"], check.Equals, 1)
}

type tenxSuite struct{}

var _ = check.Suite(&tenxSuite{})

func (s *tenxSuite) TestReadPlain(c *check.C) {
	st := testState(c, []testCell{{id: "AAAC-1", genes: 3}, {id: "AAAG-1", genes: 1, mito: 2}})
	dir, _ := writeTestInput(c, st)
	m, err := readTenx(dir + "/")
	c.Assert(err, check.IsNil)
	c.Check(m.cells, check.DeepEquals, []string{"AAAC-1", "AAAG-1"})
	c.Check(m.nGenes(), check.Equals, testGenes+1)
	c.Check(m.genes[testMitoGene], check.Equals, geneInfo{Name: "mt-Co1", ID: "ENSMUSG99999", Symbol: "mt-Co1"})
	want := st.counts.dense([]int{0, 1, 2, testMitoGene})
	got := m.dense([]int{0, 1, 2, testMitoGene})
	c.Check(got.RawMatrix().Data, check.DeepEquals, want.RawMatrix().Data)
}

func (s *tenxSuite) TestReadGzipV3(c *check.C) {
	dir := c.MkDir()
	writeGz := func(name, content string) {
		f, err := os.Create(dir + "/" + name)
		c.Assert(err, check.IsNil)
		zw := pgzip.NewWriter(f)
		_, err = zw.Write([]byte(content))
		c.Assert(err, check.IsNil)
		c.Assert(zw.Close(), check.IsNil)
		c.Assert(f.Close(), check.IsNil)
	}
	writeGz("features.tsv.gz", "E1\tActb\tGene Expression\nE2\tActb\tGene Expression\nE3\tmt-Nd1\tGene Expression\n")
	writeGz("barcodes.tsv.gz", "C1\nC2\n")
	// entries deliberately not in column order
	writeGz("matrix.mtx.gz", "%%MatrixMarket matrix coordinate integer general\n3 2 3\n2 2 4\n1 1 7\n3 1 1\n")
	m, err := readTenx(dir)
	c.Assert(err, check.IsNil)
	c.Check(geneNames(m.genes), check.DeepEquals, []string{"Actb", "Actb.1", "mt-Nd1"})
	c.Check(m.genes[1].Symbol, check.Equals, "Actb")
	d := m.dense([]int{0, 1, 2})
	c.Check(d.At(0, 0), check.Equals, 7.0)
	c.Check(d.At(2, 0), check.Equals, 1.0)
	c.Check(d.At(1, 1), check.Equals, 4.0)
	c.Check(d.At(0, 1), check.Equals, 0.0)
}

func (s *tenxSuite) TestMatrixMarketErrors(c *check.C) {
	for _, trial := range []struct {
		input string
		err   string
	}{
		{"3 2 0\n", `line 1: missing .*`},
		{"%%MatrixMarket matrix array real general\n3 2\n", `line 1: only coordinate.*`},
		{"%%MatrixMarket matrix coordinate integer general\n4 2 0\n", `matrix is 4x2 but .*`},
		{"%%MatrixMarket matrix coordinate integer general\n3 2 1\n4 1 1\n", `line 3: entry \(4,1\) out of range`},
		{"%%MatrixMarket matrix coordinate integer general\n3 2 1\n1 x 1\n", `line 3: cannot parse.*`},
		{"%%MatrixMarket matrix coordinate integer general\n%comment only\n", `no size line`},
	} {
		_, _, _, err := readMatrixMarket(strings.NewReader(trial.input), 3, 2)
		c.Check(err, check.ErrorMatches, trial.err, check.Commentf("%q", trial.input))
	}
}

func (s *tenxSuite) TestMissingFiles(c *check.C) {
	_, err := readTenx(c.MkDir())
	c.Check(err, check.ErrorMatches, `none of \[features.tsv.gz .*\] found in .*`)
}

func (s *tenxSuite) TestReadIDList(c *check.C) {
	ids, err := readIDList(strings.NewReader("  a-1 \n\nb-1\r\nc-1"))
	c.Assert(err, check.IsNil)
	c.Check(ids, check.DeepEquals, []string{"a-1", "b-1", "c-1"})
}
