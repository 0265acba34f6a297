// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Scaled expression values are clipped to ±scaleMax.
const scaleMax = 10

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.GaussianFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// standardize rescales a to mean 0, variance 1 in place. It returns
// false if a is constant.
func standardize(a []float64) bool {
	mean, std := stat.MeanStdDev(a, nil)
	if std == 0 || math.IsNaN(std) {
		return false
	}
	for i, x := range a {
		a[i] = (x - mean) / std
	}
	return true
}

// parseCovariates splits a comma-separated list of metadata column
// names, ignoring empty entries.
func parseCovariates(s string) []string {
	var out []string
	for _, name := range strings.Split(s, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// covariateData looks up each named metadata column as a numeric
// series.
func covariateData(meta *cellMetadata, names []string) ([][]float64, error) {
	var out [][]float64
	for _, name := range names {
		col, ok := meta.column(name)
		if !ok {
			return nil, configErrorf("cannot regress on %q: no such metadata column", name)
		}
		vals, err := meta.floats(col)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrConfiguration, err)
		}
		out = append(out, vals)
	}
	return out, nil
}

// regressOut fits, for each selected gene, a linear model of
// expression on the given covariates, and returns the residuals
// centered, scaled to unit variance and clipped to ±scaleMax (genes x
// cells, same gene order as genes). With no covariates, it only
// scales.
func regressOut(norm *countMatrix, genes []int, covariates [][]float64, names []string) (*mat.Dense, error) {
	if len(genes) == 0 || norm.nCells() == 0 {
		return nil, errors.New("nothing to scale: no variable genes or no cells")
	}
	ncells := norm.nCells()
	constants := make([]statmodel.Dtype, ncells)
	for j := range constants {
		constants[j] = 1
	}
	xdata := [][]statmodel.Dtype{constants}
	xnames := []string{"constants"}
	for k, cov := range covariates {
		if len(cov) != ncells {
			return nil, fmt.Errorf("covariate %s has %d values for %d cells", names[k], len(cov), ncells)
		}
		series := append([]float64(nil), cov...)
		if !standardize(series) {
			log.Warnf("covariate %s is constant across cells, not regressing on it", names[k])
			continue
		}
		xdata = append(xdata, series)
		xnames = append(xnames, fmt.Sprintf("cov%d", k))
	}

	scaled := norm.dense(genes)
	thr := throttle{Max: runtime.GOMAXPROCS(0)}
	var failed int64
	for g := range genes {
		thr.Acquire()
		go func(g int) {
			defer thr.Release()
			row := scaled.RawRowView(g)
			if len(xdata) > 1 {
				resid, err := fitResiduals(row, xdata, xnames)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					log.Debugf("gene %s: %s", norm.genes[genes[g]].Name, err)
				} else {
					copy(row, resid)
				}
			}
			scaleRow(row)
		}(g)
	}
	if err := thr.Wait(); err != nil {
		return nil, err
	}
	if failed > 0 {
		log.Warnf("regression failed for %d of %d genes; those genes were scaled without regression", failed, len(genes))
	}
	return scaled, nil
}

// fitResiduals returns y minus the fitted values of a Gaussian GLM of
// y on xdata.
func fitResiduals(y []float64, xdata [][]statmodel.Dtype, xnames []string) (resid []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			resid, err = nil, fmt.Errorf("fit failed: %v", r)
		}
	}()
	data := append([][]statmodel.Dtype{y}, xdata...)
	names := append([]string{"expression"}, xnames...)
	model, err := glm.NewGLM(statmodel.NewDataset(data, names), "expression", xnames, glmConfig)
	if err != nil {
		return nil, err
	}
	params := model.Fit().Params()
	resid = make([]float64, len(y))
	for j, v := range y {
		fitted := 0.0
		for k, x := range xdata {
			fitted += params[k] * x[j]
		}
		resid[j] = v - fitted
	}
	return resid, nil
}

// scaleRow centers and scales a in place, clipping to ±scaleMax. A
// constant row becomes all zeros.
func scaleRow(a []float64) {
	mean, std := stat.MeanStdDev(a, nil)
	for i, x := range a {
		v := 0.0
		if std > 0 {
			v = (x - mean) / std
		}
		a[i] = math.Max(-scaleMax, math.Min(scaleMax, v))
	}
}
