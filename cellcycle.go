// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"fmt"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

const (
	ccRegressNone       = "none"
	ccRegressAll        = "all"
	ccRegressDifference = "difference"

	colSScore       = "S.Score"
	colG2MScore     = "G2M.Score"
	colCCDifference = "CC.Difference"
	colPhase        = "Phase"

	moduleScoreBins = 24
	moduleScoreSeed = 1
)

func parseCellCycleRegression(s string) (string, error) {
	switch strings.ToLower(s) {
	case "", ccRegressNone:
		return ccRegressNone, nil
	case ccRegressAll:
		return ccRegressAll, nil
	case ccRegressDifference:
		return ccRegressDifference, nil
	}
	return "", configErrorf("unrecognized cell cycle regression mode %q (expected %s, %s or %s)", s, ccRegressNone, ccRegressAll, ccRegressDifference)
}

// cellCycleCovariates returns the metadata columns to regress out for
// the given mode.
func cellCycleCovariates(mode string) []string {
	switch mode {
	case ccRegressAll:
		return []string{colSScore, colG2MScore}
	case ccRegressDifference:
		return []string{colCCDifference}
	}
	return nil
}

// resolveGenes maps gene names to row indices, dropping (and logging)
// names not in the matrix.
func resolveGenes(genes []geneInfo, names []string, what string) []int {
	idx := geneIndexByName(genes)
	var out []int
	seen := map[int]bool{}
	missing := 0
	for _, name := range names {
		i, ok := idx[name]
		if !ok {
			missing++
			continue
		}
		if !seen[i] {
			seen[i] = true
			out = append(out, i)
		}
	}
	if missing > 0 {
		log.Warnf("%s: %d of %d genes not found in matrix", what, missing, len(names))
	}
	return out
}

// moduleScores scores each cell for each gene set as the mean
// expression of the set minus the mean expression of control genes
// drawn from the same average-expression bins.
func moduleScores(norm *countMatrix, sets [][]int, ctrl int, src rand.Source) [][]float64 {
	ngenes := norm.nGenes()
	ncells := norm.nCells()
	avg := make([]float64, ngenes)
	for j := 0; j < ncells; j++ {
		norm.eachNonZero(j, func(i int, v float64) { avg[i] += v })
	}
	order := make([]int, ngenes)
	for i := range order {
		order[i] = i
		avg[i] /= float64(ncells)
	}
	sort.SliceStable(order, func(a, b int) bool { return avg[order[a]] < avg[order[b]] })
	binOf := make([]int, ngenes)
	binMembers := make([][]int, moduleScoreBins)
	for rank, i := range order {
		b := rank * moduleScoreBins / ngenes
		binOf[i] = b
		binMembers[b] = append(binMembers[b], i)
	}

	scores := make([][]float64, len(sets))
	for s, set := range sets {
		control := map[int]bool{}
		for _, i := range set {
			pool := binMembers[binOf[i]]
			n := ctrl
			if n > len(pool) {
				n = len(pool)
			}
			idxs := make([]int, n)
			sampleuv.WithoutReplacement(idxs, len(pool), src)
			for _, k := range idxs {
				control[pool[k]] = true
			}
		}
		scores[s] = geneSetMean(norm, set, control)
	}
	return scores
}

// geneSetMean returns, per cell, mean(expr of set) - mean(expr of
// control).
func geneSetMean(norm *countMatrix, set []int, control map[int]bool) []float64 {
	inSet := make(map[int]bool, len(set))
	for _, i := range set {
		inSet[i] = true
	}
	out := make([]float64, norm.nCells())
	for j := range out {
		var s, c float64
		norm.eachNonZero(j, func(i int, v float64) {
			if inSet[i] {
				s += v
			}
			if control[i] {
				c += v
			}
		})
		score := s / float64(len(set))
		if len(control) > 0 {
			score -= c / float64(len(control))
		}
		out[j] = score
	}
	return out
}

// scoreCellCycle adds S.Score, G2M.Score, CC.Difference and Phase
// columns to s's metadata.
func scoreCellCycle(s *pipelineState, norm *countMatrix, sGenes, g2mGenes []string) (*pipelineState, error) {
	sIdx := resolveGenes(norm.genes, sGenes, "S phase genes")
	g2mIdx := resolveGenes(norm.genes, g2mGenes, "G2/M phase genes")
	if len(sIdx) == 0 || len(g2mIdx) == 0 {
		return nil, configErrorf("cell cycle scoring needs at least one S and one G2/M gene present in the matrix (found %d and %d)", len(sIdx), len(g2mIdx))
	}
	ctrl := len(sIdx)
	if len(g2mIdx) < ctrl {
		ctrl = len(g2mIdx)
	}
	scores := moduleScores(norm, [][]int{sIdx, g2mIdx}, ctrl, rand.NewSource(moduleScoreSeed))
	sScore, g2mScore := scores[0], scores[1]
	diff := make([]float64, len(sScore))
	phase := make([]string, len(sScore))
	nphase := map[string]int{}
	for j := range sScore {
		diff[j] = sScore[j] - g2mScore[j]
		phase[j] = cellCyclePhase(sScore[j], g2mScore[j])
		nphase[phase[j]]++
	}
	log.Infof("cell cycle phases: G1 %d, S %d, G2M %d", nphase["G1"], nphase["S"], nphase["G2M"])
	meta := s.meta.
		withFloats(colSScore, sScore).
		withFloats(colG2MScore, g2mScore).
		withFloats(colCCDifference, diff).
		with(colPhase, phase)
	return &pipelineState{counts: s.counts, meta: meta}, nil
}

// cellCyclePhase is G1 when both scores are negative, otherwise the
// phase with the higher score.
func cellCyclePhase(sScore, g2mScore float64) string {
	switch {
	case sScore < 0 && g2mScore < 0:
		return "G1"
	case sScore > g2mScore:
		return "S"
	default:
		return "G2M"
	}
}

func loadGeneList(fnm, what string) ([]string, error) {
	if fnm == "" {
		return nil, configErrorf("cell cycle regression requires a %s gene list", what)
	}
	genes, err := readIDListFile(fnm)
	if err != nil {
		return nil, fmt.Errorf("%s gene list: %w", what, err)
	}
	return genes, nil
}
