// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"flag"
	"fmt"
	"math"
	"regexp"

	log "github.com/sirupsen/logrus"
)

// Metadata columns holding QC metrics.
const (
	colNGene       = "nGene"
	colNUMI        = "nUMI"
	colPercentMito = "percent.mito"
)

// qcFilter drops cells by gene count, UMI count and mitochondrial
// fraction. All bounds are strict.
type qcFilter struct {
	MinGenes    int     `yaml:"min_genes"`
	MinMito     float64 `yaml:"min_mito"`
	MaxMito     float64 `yaml:"max_mito"`
	MaxCount    float64 `yaml:"max_count"` // 0 means no upper bound
	MitoPattern string  `yaml:"mito_pattern"`
}

func (f *qcFilter) Flags(flags *flag.FlagSet) {
	flags.IntVar(&f.MinGenes, "qc-min-genes", f.MinGenes, "drop cells with `N` or fewer detected genes")
	flags.Float64Var(&f.MinMito, "qc-min-mito", f.MinMito, "drop cells with mitochondrial UMI fraction ≤ `F`")
	flags.Float64Var(&f.MaxMito, "qc-max-mito", f.MaxMito, "drop cells with mitochondrial UMI fraction ≥ `F`")
	flags.Float64Var(&f.MaxCount, "qc-max-count", f.MaxCount, "drop cells with `N` or more UMIs (0 = no limit)")
	flags.StringVar(&f.MitoPattern, "mito-pattern", f.MitoPattern, "case-insensitive `regexp` matching mitochondrial gene names")
}

func (f *qcFilter) Args() []string {
	return []string{
		fmt.Sprintf("-qc-min-genes=%d", f.MinGenes),
		fmt.Sprintf("-qc-min-mito=%v", f.MinMito),
		fmt.Sprintf("-qc-max-mito=%v", f.MaxMito),
		fmt.Sprintf("-qc-max-count=%v", f.MaxCount),
		"-mito-pattern=" + f.MitoPattern,
	}
}

// check rejects settings that cannot describe a QC window.
func (f *qcFilter) check() error {
	if f.MaxCount < 0 || math.IsNaN(f.MaxCount) {
		return configErrorf("-qc-max-count must be zero (no limit) or positive (got %v)", f.MaxCount)
	}
	_, err := f.mitoRegexp()
	return err
}

func (f *qcFilter) mitoRegexp() (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + f.MitoPattern)
	if err != nil {
		return nil, configErrorf("-mito-pattern: invalid regexp %q: %s", f.MitoPattern, err)
	}
	return re, nil
}

// pass reports whether a cell with the given metrics is retained.
// NaN metrics never pass.
func (f *qcFilter) pass(nGene, nUMI, mito float64) bool {
	if !(nGene > float64(f.MinGenes)) {
		return false
	}
	if !(mito > f.MinMito) || !(mito < f.MaxMito) {
		return false
	}
	if f.MaxCount > 0 && !(nUMI < f.MaxCount) {
		return false
	}
	return true
}

type qcMetrics struct {
	nGene       []float64
	nUMI        []float64
	percentMito []float64
}

// computeQC derives per-cell QC metrics from the current counts. A
// cell with no UMIs has a NaN mitochondrial fraction.
func computeQC(m *countMatrix, mito *regexp.Regexp) qcMetrics {
	isMito := make([]bool, m.nGenes())
	for i, g := range m.genes {
		isMito[i] = mito.MatchString(g.Symbol)
	}
	qc := qcMetrics{
		nGene:       make([]float64, m.nCells()),
		nUMI:        make([]float64, m.nCells()),
		percentMito: make([]float64, m.nCells()),
	}
	for j := range m.cells {
		var genes, total, mt float64
		m.eachNonZero(j, func(i int, v float64) {
			if v == 0 {
				return
			}
			genes++
			total += v
			if isMito[i] {
				mt += v
			}
		})
		qc.nGene[j] = genes
		qc.nUMI[j] = total
		if total > 0 {
			qc.percentMito[j] = mt / total
		} else {
			qc.percentMito[j] = math.NaN()
		}
	}
	return qc
}

func (qc qcMetrics) annotate(meta *cellMetadata) *cellMetadata {
	return meta.
		withFloats(colNGene, qc.nGene).
		withFloats(colNUMI, qc.nUMI).
		withFloats(colPercentMito, qc.percentMito)
}

// Apply computes QC metrics, stores them as metadata columns, and
// returns the cells that pass. An empty result is not an error.
func (f *qcFilter) Apply(s *pipelineState, stats *runStatistics) (*pipelineState, error) {
	re, err := f.mitoRegexp()
	if err != nil {
		return nil, err
	}
	qc := computeQC(s.counts, re)
	logHistogram("genes per cell", qc.nGene)
	logHistogram("UMIs per cell", qc.nUMI)
	logHistogram("mitochondrial fraction", qc.percentMito)

	var keep []int
	for j := range s.cellIDs() {
		if f.pass(qc.nGene[j], qc.nUMI[j], qc.percentMito[j]) {
			keep = append(keep, j)
		}
	}
	annotated := &pipelineState{counts: s.counts, meta: qc.annotate(s.meta)}
	out := annotated.subset(keep)

	stats.CellsBeforeQC = s.nCells()
	stats.CellsAfterQC = out.nCells()
	log.WithFields(log.Fields{
		"before":    s.nCells(),
		"after":     out.nCells(),
		"min-genes": f.MinGenes,
		"min-mito":  f.MinMito,
		"max-mito":  f.MaxMito,
		"max-count": f.MaxCount,
	}).Info("QC filters applied")
	if out.nCells() == 0 {
		log.Warn("no cells passed QC filters")
	}
	return out, nil
}
