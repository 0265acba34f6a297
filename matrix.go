// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"fmt"
	"strings"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"
)

type geneInfo struct {
	Name   string // unique internal name, derived from Symbol
	ID     string // feature id as given in the input (e.g., Ensembl id)
	Symbol string // gene name as given in the input
}

// countMatrix holds UMI counts, genes x cells, in compressed sparse
// column form.
type countMatrix struct {
	genes  []geneInfo
	cells  []string
	counts *sparse.CSC
}

func newCountMatrix(genes []geneInfo, cells []string, indptr, ind []int, data []float64) (*countMatrix, error) {
	if len(indptr) != len(cells)+1 {
		return nil, fmt.Errorf("bad column pointer array: %d entries for %d cells", len(indptr), len(cells))
	}
	if len(ind) != len(data) || indptr[len(cells)] != len(data) {
		return nil, fmt.Errorf("bad sparse arrays: %d indices, %d values, last pointer %d", len(ind), len(data), indptr[len(cells)])
	}
	for _, i := range ind {
		if i < 0 || i >= len(genes) {
			return nil, fmt.Errorf("gene index %d out of range [0,%d)", i, len(genes))
		}
	}
	seen := make(map[string]bool, len(cells))
	for _, id := range cells {
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate cell id %q in count matrix", ErrIdentifierMismatch, id)
		}
		seen[id] = true
	}
	return &countMatrix{
		genes:  genes,
		cells:  cells,
		counts: sparse.NewCSC(len(genes), len(cells), indptr, ind, data),
	}, nil
}

func (m *countMatrix) nGenes() int { return len(m.genes) }
func (m *countMatrix) nCells() int { return len(m.cells) }

// eachNonZero calls fn for every nonzero count in the given cell.
func (m *countMatrix) eachNonZero(cell int, fn func(gene int, v float64)) {
	m.counts.DoColNonZero(cell, func(i, _ int, v float64) {
		fn(i, v)
	})
}

func (m *countMatrix) cellIndex() map[string]int {
	idx := make(map[string]int, len(m.cells))
	for i, id := range m.cells {
		idx[id] = i
	}
	return idx
}

// raw returns a copy of the underlying sparse arrays.
func (m *countMatrix) raw() (indptr, ind []int, data []float64) {
	indptr = make([]int, 1, len(m.cells)+1)
	for j := range m.cells {
		m.eachNonZero(j, func(i int, v float64) {
			ind = append(ind, i)
			data = append(data, v)
		})
		indptr = append(indptr, len(data))
	}
	return
}

// subsetCells returns a new matrix with the given columns, in the
// given order.
func (m *countMatrix) subsetCells(keep []int) *countMatrix {
	cells := make([]string, len(keep))
	indptr := make([]int, 1, len(keep)+1)
	var ind []int
	var data []float64
	for k, j := range keep {
		cells[k] = m.cells[j]
		m.eachNonZero(j, func(i int, v float64) {
			ind = append(ind, i)
			data = append(data, v)
		})
		indptr = append(indptr, len(data))
	}
	genes := append([]geneInfo(nil), m.genes...)
	return &countMatrix{
		genes:  genes,
		cells:  cells,
		counts: sparse.NewCSC(len(genes), len(cells), indptr, ind, data),
	}
}

// subsetGenes returns a new matrix with the given rows, in the given
// order.
func (m *countMatrix) subsetGenes(keep []int) *countMatrix {
	remap := make([]int, len(m.genes))
	for i := range remap {
		remap[i] = -1
	}
	genes := make([]geneInfo, len(keep))
	for k, i := range keep {
		remap[i] = k
		genes[k] = m.genes[i]
	}
	indptr := make([]int, 1, len(m.cells)+1)
	var ind []int
	var data []float64
	for j := range m.cells {
		m.eachNonZero(j, func(i int, v float64) {
			if remap[i] >= 0 {
				ind = append(ind, remap[i])
				data = append(data, v)
			}
		})
		indptr = append(indptr, len(data))
	}
	cells := append([]string(nil), m.cells...)
	return &countMatrix{
		genes:  genes,
		cells:  cells,
		counts: sparse.NewCSC(len(genes), len(cells), indptr, ind, data),
	}
}

// filterGenesByCells drops genes detected (count > 0) in fewer than
// minCells cells.
func (m *countMatrix) filterGenesByCells(minCells int) *countMatrix {
	detected := make([]int, len(m.genes))
	for j := range m.cells {
		m.eachNonZero(j, func(i int, v float64) {
			if v > 0 {
				detected[i]++
			}
		})
	}
	var keep []int
	for i, n := range detected {
		if n >= minCells {
			keep = append(keep, i)
		}
	}
	return m.subsetGenes(keep)
}

// dense returns the selected genes as a dense genes x cells matrix.
func (m *countMatrix) dense(genes []int) *mat.Dense {
	if len(genes) == 0 || len(m.cells) == 0 {
		return &mat.Dense{}
	}
	row := make([]int, len(m.genes))
	for i := range row {
		row[i] = -1
	}
	for k, i := range genes {
		row[i] = k
	}
	out := mat.NewDense(len(genes), len(m.cells), nil)
	for j := range m.cells {
		m.eachNonZero(j, func(i int, v float64) {
			if row[i] >= 0 {
				out.Set(row[i], j, v)
			}
		})
	}
	return out
}

// makeUnique appends ".1", ".2", ... to repeated names so every name
// in the returned slice is distinct.
func makeUnique(names []string) []string {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	count := map[string]int{}
	out := make([]string, len(names))
	used := map[string]bool{}
	for i, n := range names {
		if !used[n] {
			out[i] = n
			used[n] = true
			continue
		}
		for {
			count[n]++
			candidate := fmt.Sprintf("%s.%d", n, count[n])
			if !used[candidate] && !seen[candidate] {
				out[i] = candidate
				used[candidate] = true
				break
			}
		}
	}
	return out
}

func geneNames(genes []geneInfo) []string {
	out := make([]string, len(genes))
	for i, g := range genes {
		out[i] = g.Name
	}
	return out
}

// geneIndexByName maps internal names, and failing that original
// symbols and ids, to row index.
func geneIndexByName(genes []geneInfo) map[string]int {
	idx := make(map[string]int, len(genes))
	for i, g := range genes {
		idx[g.Name] = i
		if _, ok := idx[g.Symbol]; !ok && g.Symbol != "" {
			idx[g.Symbol] = i
		}
		if _, ok := idx[g.ID]; !ok && g.ID != "" {
			idx[g.ID] = i
		}
	}
	return idx
}

func trimCR(s string) string { return strings.TrimSuffix(s, "\r") }
