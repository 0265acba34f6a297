// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"flag"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/james-bowman/sparse"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	normLog = "log-normalize"
	normRC  = "relative-counts"
	normCLR = "clr"
)

func parseNormalization(s string) (string, error) {
	switch strings.ToLower(s) {
	case "log-normalize", "lognormalize":
		return normLog, nil
	case "relative-counts", "rc":
		return normRC, nil
	case "clr":
		return normCLR, nil
	}
	return "", configErrorf("unrecognized normalization method %q (expected %s, %s or %s)", s, normLog, normRC, normCLR)
}

// normalize returns a matrix of the same shape with normalized
// expression values. Zero counts stay zero under every method.
func normalize(m *countMatrix, method string, scaleFactor float64) *countMatrix {
	indptr, ind, data := m.raw()
	switch method {
	case normLog, normRC:
		for j := range m.cells {
			total := floats.Sum(data[indptr[j]:indptr[j+1]])
			if total == 0 {
				continue
			}
			for k := indptr[j]; k < indptr[j+1]; k++ {
				v := data[k] / total * scaleFactor
				if method == normLog {
					v = math.Log1p(v)
				}
				data[k] = v
			}
		}
	case normCLR:
		// Centered log ratio across cells, per gene.
		logsum := make([]float64, len(m.genes))
		for k, i := range ind {
			if data[k] > 0 {
				logsum[i] += math.Log1p(data[k])
			}
		}
		n := float64(len(m.cells))
		for k, i := range ind {
			data[k] = math.Log1p(data[k] / math.Exp(logsum[i]/n))
		}
	default:
		panic("bug: unknown normalization method " + method)
	}
	return &countMatrix{
		genes:  m.genes,
		cells:  m.cells,
		counts: sparse.NewCSC(len(m.genes), len(m.cells), indptr, ind, data),
	}
}

type varGenesArgs struct {
	XLow    float64 `yaml:"x_low"`
	XHigh   float64 `yaml:"x_high"`
	YCutoff float64 `yaml:"y_cutoff"`
	Bins    int     `yaml:"bins"`
}

func (a *varGenesArgs) Flags(flags *flag.FlagSet) {
	flags.Float64Var(&a.XLow, "vargenes-xlow", a.XLow, "variable genes: minimum log mean expression")
	flags.Float64Var(&a.XHigh, "vargenes-xhigh", a.XHigh, "variable genes: maximum log mean expression")
	flags.Float64Var(&a.YCutoff, "vargenes-ycutoff", a.YCutoff, "variable genes: minimum standardized dispersion")
	flags.IntVar(&a.Bins, "vargenes-bins", a.Bins, "variable genes: number of mean expression bins")
}

func (a *varGenesArgs) Args() []string {
	return []string{
		fmt.Sprintf("-vargenes-xlow=%v", a.XLow),
		fmt.Sprintf("-vargenes-xhigh=%v", a.XHigh),
		fmt.Sprintf("-vargenes-ycutoff=%v", a.YCutoff),
		fmt.Sprintf("-vargenes-bins=%d", a.Bins),
	}
}

type geneDispersion struct {
	mean      []float64 // log of mean expression, per gene
	disp      []float64 // log variance/mean ratio, per gene
	dispScale []float64 // disp z-scored within mean bins
}

// findVariableGenes selects genes whose binned, standardized
// dispersion exceeds YCutoff and whose log mean expression is between
// XLow and XHigh. The result is sorted by decreasing dispersion.
func findVariableGenes(norm *countMatrix, args varGenesArgs) ([]int, geneDispersion) {
	ngenes := norm.nGenes()
	ncells := float64(norm.nCells())
	if ngenes == 0 || ncells == 0 {
		return nil, geneDispersion{}
	}
	sum := make([]float64, ngenes)
	sumsq := make([]float64, ngenes)
	for j := range norm.cells {
		norm.eachNonZero(j, func(i int, v float64) {
			x := math.Expm1(v)
			sum[i] += x
			sumsq[i] += x * x
		})
	}
	gd := geneDispersion{
		mean:      make([]float64, ngenes),
		disp:      make([]float64, ngenes),
		dispScale: make([]float64, ngenes),
	}
	for i := range sum {
		mean := sum[i] / ncells
		variance := math.NaN()
		if ncells > 1 {
			variance = (sumsq[i] - ncells*mean*mean) / (ncells - 1)
		}
		gd.mean[i] = math.Log1p(mean)
		if mean > 0 {
			gd.disp[i] = math.Log(variance / mean)
		} else {
			gd.disp[i] = math.NaN()
		}
	}

	bins := args.Bins
	if bins < 1 {
		bins = 20
	}
	lo, hi := floats.Min(gd.mean), floats.Max(gd.mean)
	width := (hi - lo) / float64(bins)
	binOf := func(x float64) int {
		if width == 0 {
			return 0
		}
		b := int((x - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		return b
	}
	members := make([][]int, bins)
	for i, x := range gd.mean {
		if !math.IsNaN(gd.disp[i]) && !math.IsInf(gd.disp[i], 0) {
			members[binOf(x)] = append(members[binOf(x)], i)
		}
	}
	for i := range gd.dispScale {
		gd.dispScale[i] = math.NaN()
	}
	for _, genes := range members {
		if len(genes) == 0 {
			continue
		}
		d := make([]float64, len(genes))
		for k, i := range genes {
			d[k] = gd.disp[i]
		}
		mean, sd := stat.MeanStdDev(d, nil)
		for k, i := range genes {
			z := (d[k] - mean) / sd
			if math.IsNaN(z) || math.IsInf(z, 0) {
				z = 0
			}
			gd.dispScale[i] = z
		}
	}

	var selected []int
	for i := range gd.mean {
		if gd.mean[i] > args.XLow && gd.mean[i] < args.XHigh && gd.dispScale[i] > args.YCutoff {
			selected = append(selected, i)
		}
	}
	sort.SliceStable(selected, func(a, b int) bool {
		return gd.dispScale[selected[a]] > gd.dispScale[selected[b]]
	})
	log.Infof("variable genes: %d of %d selected", len(selected), ngenes)
	return selected, gd
}
