// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"fmt"

	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// pcaResult is stored row-major so it can be gob-encoded as is.
type pcaResult struct {
	Components    int
	Cells         int
	Genes         []string  // variable genes, loadings row order
	Embeddings    []float64 // cells x Components
	Loadings      []float64 // genes x Components
	Stdev         []float64 // per component
	VarianceRatio []float64 // per component, fraction of total variance
}

func (p *pcaResult) embedding(cell, pc int) float64 {
	return p.Embeddings[cell*p.Components+pc]
}

// column returns the coordinates of every cell on one component.
func (p *pcaResult) column(pc int) []float64 {
	out := make([]float64, p.Cells)
	for j := range out {
		out[j] = p.embedding(j, pc)
	}
	return out
}

// computePCA projects cells onto the first k principal components of
// scaled (genes x cells). k is reduced if the matrix is too small.
func computePCA(scaled *mat.Dense, geneNames []string, k int) (*pcaResult, error) {
	ngenes, ncells := scaled.Dims()
	if k > ngenes {
		k = ngenes
	}
	if k > ncells {
		k = ncells
	}
	if k < 1 {
		return nil, errors.New("cannot compute PCA: need at least one gene, one cell and one component")
	}

	log.Printf("fitting PCA: %d genes, %d cells, %d components", ngenes, ncells, k)
	transformer := nlp.NewPCA(k)
	transformer.Fit(scaled)
	reduced, err := transformer.Transform(scaled)
	if err != nil {
		return nil, fmt.Errorf("PCA transform: %w", err)
	}
	if r, c := reduced.Dims(); r != k || c != ncells {
		return nil, fmt.Errorf("bug: PCA returned %dx%d matrix, expected %dx%d", r, c, k, ncells)
	}

	res := &pcaResult{
		Components:    k,
		Cells:         ncells,
		Genes:         geneNames,
		Embeddings:    make([]float64, ncells*k),
		Loadings:      make([]float64, ngenes*k),
		Stdev:         make([]float64, k),
		VarianceRatio: make([]float64, k),
	}
	for j := 0; j < ncells; j++ {
		for pc := 0; pc < k; pc++ {
			res.Embeddings[j*k+pc] = reduced.At(pc, j)
		}
	}

	// Loadings: the centered data projected back onto each score
	// vector, normalized by the score's squared length.
	centered := mat.DenseCopyOf(scaled)
	totalVariance := 0.0
	for i := 0; i < ngenes; i++ {
		row := centered.RawRowView(i)
		mean, std := stat.MeanStdDev(row, nil)
		floats.AddConst(-mean, row)
		if ncells > 1 {
			totalVariance += std * std
		}
	}
	score := make([]float64, ncells)
	for pc := 0; pc < k; pc++ {
		mat.Row(score, pc, reduced)
		norm2 := floats.Dot(score, score)
		for i := 0; i < ngenes; i++ {
			if norm2 > 0 {
				res.Loadings[i*k+pc] = floats.Dot(centered.RawRowView(i), score) / norm2
			}
		}
		if ncells > 1 {
			res.Stdev[pc] = stat.StdDev(score, nil)
		}
		if totalVariance > 0 {
			res.VarianceRatio[pc] = res.Stdev[pc] * res.Stdev[pc] / totalVariance
		}
	}
	log.Printf("PCA done: PC1 explains %.2f%% of variance", 100*res.VarianceRatio[0])
	return res, nil
}
