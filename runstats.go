// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// runStatistics collects one summary figure per pipeline stage. Each
// stage fills in its own fields; zero means the stage did not run
// unless noted.
type runStatistics struct {
	InputGenes             int
	InputCells             int
	GenesAfterMinCells     int
	CellsAfterWhitelist    int
	CellsAfterSubset       int
	BlacklistedCells       int
	CellsBeforeQC          int
	CellsAfterQC           int
	MedianGenesPerCell     float64
	MedianUMIsPerCell      float64
	MedianMitoFraction     float64
	DownsampleSeed         uint64
	DownsampleTarget       int
	CellsAfterDownsampling int
	Normalization          string
	VariableGenes          int
	CellCycleRegression    string
	RegressedCovariates    []string
	PCAComponents          int
	VarianceExplainedPC1   float64
}

type statRow struct {
	Name  string
	Value string
}

// rows lists the statistics that apply to this run, in pipeline
// order.
func (rs *runStatistics) rows() []statRow {
	var out []statRow
	add := func(name string, format string, v interface{}) {
		out = append(out, statRow{name, fmt.Sprintf(format, v)})
	}
	add("input genes", "%d", rs.InputGenes)
	add("input cells", "%d", rs.InputCells)
	add("genes after min-cells filter", "%d", rs.GenesAfterMinCells)
	if rs.CellsAfterWhitelist > 0 {
		add("cells after whitelist", "%d", rs.CellsAfterWhitelist)
	}
	if rs.CellsAfterSubset > 0 {
		add("cells after factor subset", "%d", rs.CellsAfterSubset)
	}
	if rs.BlacklistedCells > 0 {
		add("blacklisted cells removed", "%d", rs.BlacklistedCells)
	}
	add("cells before QC", "%d", rs.CellsBeforeQC)
	add("cells after QC", "%d", rs.CellsAfterQC)
	add("median genes per cell", "%.1f", rs.MedianGenesPerCell)
	add("median UMIs per cell", "%.1f", rs.MedianUMIsPerCell)
	add("median mitochondrial fraction", "%.4f", rs.MedianMitoFraction)
	if rs.CellsAfterDownsampling > 0 {
		add("downsampling seed", "%d", rs.DownsampleSeed)
		add("cells per group after downsampling", "%d", rs.DownsampleTarget)
		add("cells after downsampling", "%d", rs.CellsAfterDownsampling)
	}
	if rs.Normalization != "" {
		add("normalization", "%s", rs.Normalization)
	}
	if rs.VariableGenes > 0 {
		add("variable genes", "%d", rs.VariableGenes)
	}
	if rs.CellCycleRegression != "" {
		add("cell cycle regression", "%s", rs.CellCycleRegression)
	}
	if len(rs.RegressedCovariates) > 0 {
		add("regressed covariates", "%v", rs.RegressedCovariates)
	}
	if rs.PCAComponents > 0 {
		add("principal components", "%d", rs.PCAComponents)
		add("variance explained by PC1", "%.4f", rs.VarianceExplainedPC1)
	}
	return out
}

// summarizeQC records medians of the retained cells' QC metrics.
func (rs *runStatistics) summarizeQC(meta *cellMetadata) error {
	for _, m := range []struct {
		column string
		dst    *float64
	}{
		{colNGene, &rs.MedianGenesPerCell},
		{colNUMI, &rs.MedianUMIsPerCell},
		{colPercentMito, &rs.MedianMitoFraction},
	} {
		col, ok := meta.column(m.column)
		if !ok {
			continue
		}
		vals, err := meta.floats(col)
		if err != nil {
			return err
		}
		*m.dst = median(vals)
	}
	return nil
}

// median of the non-NaN values, or NaN if there are none.
func median(vals []float64) float64 {
	var data stats.Float64Data
	for _, v := range vals {
		if !math.IsNaN(v) {
			data = append(data, v)
		}
	}
	if len(data) == 0 {
		return math.NaN()
	}
	m, err := data.Median()
	if err != nil {
		return math.NaN()
	}
	return m
}
