// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/aybabtme/uniplot/histogram"
	log "github.com/sirupsen/logrus"
	"github.com/wcharczuk/go-chart/v2"
)

const histogramBins = 20

// logHistogram logs a text histogram of the non-NaN values.
func logHistogram(name string, vals []float64) {
	clean := finite(vals)
	if len(clean) == 0 {
		log.Infof("%s: no values", name)
		return
	}
	lo, hi := minMax(clean)
	if lo == hi {
		log.Infof("%s: all %d values = %g", name, len(clean), lo)
		return
	}
	h := histogram.Hist(histogramBins, clean)
	var buf bytes.Buffer
	if err := histogram.Fprint(&buf, h, histogram.Linear(40)); err != nil {
		log.Warnf("%s: cannot render histogram: %s", name, err)
		return
	}
	log.Infof("%s (%d cells):\n%s", name, len(clean), buf.String())
}

func finite(vals []float64) []float64 {
	out := make([]float64, 0, len(vals))
	for _, v := range vals {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

func minMax(vals []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range vals {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return
}

// plotSet renders the diagnostic charts for one pipeline result.
// pca and counts may be nil; the corresponding charts are skipped.
type plotSet struct {
	outputDir string
	meta      *cellMetadata
	group     metadataColumn
	pca       *pcaResult
	counts    *cellCounts
}

// render writes every applicable chart to outputDir, several at a
// time.
func (ps *plotSet) render() error {
	thr := throttle{Max: runtime.GOMAXPROCS(0)}
	for _, p := range []struct {
		fnm  string
		draw func() (renderer, error)
	}{
		{"qc_ngene_vs_numi.png", ps.qcScatter},
		{"qc_percent_mito_hist.png", ps.mitoHistogram},
		{"qc_ngene_by_group.png", ps.genesByGroup},
		{"cell_counts.png", ps.cellCountsChart},
		{"pca_pc1_pc2.png", ps.pcaScatter},
		{"pca_elbow.png", ps.pcaElbow},
	} {
		p := p
		thr.Go(func() error {
			graph, err := p.draw()
			if err != nil {
				return err
			} else if graph == nil {
				log.Infof("skipping %s: nothing to plot", p.fnm)
				return nil
			}
			return writePNG(filepath.Join(ps.outputDir, p.fnm), graph)
		})
	}
	return thr.Wait()
}

// renderer is satisfied by chart.Chart and chart.BarChart.
type renderer interface {
	Render(rp chart.RendererProvider, w io.Writer) error
}

func writePNG(fnm string, graph renderer) error {
	log.Infof("writing %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	err = graph.Render(chart.PNG, bufw)
	if err != nil {
		return fmt.Errorf("render %s: %w", fnm, err)
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// metricByGroup returns the named numeric metadata column split by
// group, with groups in sorted order. It returns nil if the column
// does not exist.
func (ps *plotSet) metricByGroup(name string) ([]string, map[string][]float64, error) {
	col, ok := ps.meta.column(name)
	if !ok {
		return nil, nil, nil
	}
	vals, err := ps.meta.floats(col)
	if err != nil {
		return nil, nil, err
	}
	byGroup := map[string][]float64{}
	var groups []string
	for j, v := range vals {
		g := ps.meta.value(ps.group, j)
		if _, seen := byGroup[g]; !seen {
			groups = append(groups, g)
		}
		byGroup[g] = append(byGroup[g], v)
	}
	sort.Strings(groups)
	return groups, byGroup, nil
}

func scatterSeries(name string, idx int, xs, ys []float64) chart.ContinuousSeries {
	color := chart.GetDefaultColor(idx)
	return chart.ContinuousSeries{
		Name:    name,
		XValues: xs,
		YValues: ys,
		Style: chart.Style{
			StrokeWidth: chart.Disabled,
			DotWidth:    2,
			DotColor:    color,
			StrokeColor: color,
		},
	}
}

// hasRange reports whether vals span a nonzero interval.
func hasRange(vals []float64) bool {
	clean := finite(vals)
	if len(clean) == 0 {
		return false
	}
	lo, hi := minMax(clean)
	return hi > lo
}

func (ps *plotSet) qcScatter() (renderer, error) {
	groups, ngene, err := ps.metricByGroup(colNGene)
	if err != nil || groups == nil {
		return nil, err
	}
	_, numi, err := ps.metricByGroup(colNUMI)
	if err != nil || numi == nil {
		return nil, err
	}
	graph := &chart.Chart{
		Title:  "genes vs. UMIs per cell",
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: colNUMI},
		YAxis:  chart.YAxis{Name: colNGene},
	}
	var allx, ally []float64
	for i, g := range groups {
		graph.Series = append(graph.Series, scatterSeries(g, i, numi[g], ngene[g]))
		allx = append(allx, numi[g]...)
		ally = append(ally, ngene[g]...)
	}
	if !hasRange(allx) || !hasRange(ally) {
		return nil, nil
	}
	graph.Elements = []chart.Renderable{chart.Legend(graph)}
	return graph, nil
}

func (ps *plotSet) mitoHistogram() (renderer, error) {
	col, ok := ps.meta.column(colPercentMito)
	if !ok {
		return nil, nil
	}
	vals, err := ps.meta.floats(col)
	if err != nil {
		return nil, err
	}
	clean := finite(vals)
	if !hasRange(clean) {
		return nil, nil
	}
	h := histogram.Hist(histogramBins, clean)
	graph := &chart.BarChart{
		Title:    "mitochondrial UMI fraction",
		Width:    800,
		Height:   600,
		BarWidth: 30,
		XAxis:    chart.Style{TextRotationDegrees: 45},
	}
	top := 0.0
	for _, b := range h.Buckets {
		graph.Bars = append(graph.Bars, chart.Value{
			Label: fmt.Sprintf("%.3f", b.Min),
			Value: float64(b.Count),
		})
		top = math.Max(top, float64(b.Count))
	}
	graph.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: top * 1.1}
	return graph, nil
}

func (ps *plotSet) genesByGroup() (renderer, error) {
	groups, ngene, err := ps.metricByGroup(colNGene)
	if err != nil || len(groups) == 0 {
		return nil, err
	}
	graph := &chart.BarChart{
		Title:    "median genes per cell",
		Width:    800,
		Height:   600,
		BarWidth: 40,
	}
	top := 0.0
	for i, g := range groups {
		m := median(ngene[g])
		if math.IsNaN(m) {
			m = 0
		}
		top = math.Max(top, m)
		graph.Bars = append(graph.Bars, chart.Value{
			Label: g,
			Value: m,
			Style: chart.Style{FillColor: chart.GetDefaultColor(i), StrokeColor: chart.GetDefaultColor(i)},
		})
	}
	if top == 0 {
		return nil, nil
	}
	graph.YAxis.Range = &chart.ContinuousRange{Min: 0, Max: top * 1.1}
	return graph, nil
}

func (ps *plotSet) cellCountsChart() (renderer, error) {
	t := ps.counts
	if t == nil || len(t.Stages) < 2 {
		return nil, nil
	}
	graph := &chart.Chart{
		Title:  "cells per group by stage",
		Width:  800,
		Height: 600,
		YAxis:  chart.YAxis{Name: "cells"},
	}
	xs := make([]float64, len(t.Stages))
	for i, stage := range t.Stages {
		xs[i] = float64(i)
		graph.XAxis.Ticks = append(graph.XAxis.Ticks, chart.Tick{Value: float64(i), Label: stage})
	}
	var all []float64
	for i, g := range t.Groups {
		ys := make([]float64, len(t.Stages))
		for k, n := range t.Counts[g] {
			ys[k] = float64(n)
		}
		all = append(all, ys...)
		color := chart.GetDefaultColor(i)
		graph.Series = append(graph.Series, chart.ContinuousSeries{
			Name:    g,
			XValues: xs,
			YValues: ys,
			Style:   chart.Style{StrokeColor: color, DotColor: color, DotWidth: 3},
		})
	}
	if !hasRange(all) {
		return nil, nil
	}
	graph.Elements = []chart.Renderable{chart.Legend(graph)}
	return graph, nil
}

func (ps *plotSet) pcaScatter() (renderer, error) {
	p := ps.pca
	if p == nil || p.Components < 2 {
		return nil, nil
	}
	pc1, pc2 := p.column(0), p.column(1)
	if !hasRange(pc1) || !hasRange(pc2) {
		return nil, nil
	}
	byGroup := map[string][2][]float64{}
	var groups []string
	for j := 0; j < p.Cells; j++ {
		g := ps.meta.value(ps.group, j)
		xy, seen := byGroup[g]
		if !seen {
			groups = append(groups, g)
		}
		xy[0] = append(xy[0], pc1[j])
		xy[1] = append(xy[1], pc2[j])
		byGroup[g] = xy
	}
	sort.Strings(groups)
	graph := &chart.Chart{
		Title:  "PCA",
		Width:  800,
		Height: 800,
		XAxis:  chart.XAxis{Name: "PC_1"},
		YAxis:  chart.YAxis{Name: "PC_2"},
	}
	for i, g := range groups {
		graph.Series = append(graph.Series, scatterSeries(g, i, byGroup[g][0], byGroup[g][1]))
	}
	graph.Elements = []chart.Renderable{chart.Legend(graph)}
	return graph, nil
}

func (ps *plotSet) pcaElbow() (renderer, error) {
	p := ps.pca
	if p == nil || p.Components < 2 || !hasRange(p.Stdev) {
		return nil, nil
	}
	xs := make([]float64, p.Components)
	for i := range xs {
		xs[i] = float64(i + 1)
	}
	return &chart.Chart{
		Title:  "standard deviation of principal components",
		Width:  800,
		Height: 600,
		XAxis:  chart.XAxis{Name: "PC"},
		YAxis:  chart.YAxis{Name: "standard deviation"},
		Series: []chart.Series{scatterSeries("stdev", 0, xs, p.Stdev)},
	}, nil
}

// plotcmd re-renders the charts of a saved dataset.
type plotcmd struct{}

func (cmd *plotcmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *plotcmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "", "input dataset `file` (dataset.gob.gz written by run)")
	outputDir := flags.String("output-dir", "./out", "output `directory`")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if *inputFilename == "" {
		return errors.New("no input dataset specified (-i)")
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "scprep plot",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16 << 30,
			VCPUs:       4,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return err
		}
		runner.Args = []string{"plot", "-local=true", "-i", *inputFilename, "-output-dir", "/mnt/output"}
		output, err := runner.Run()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, output)
		return nil
	}

	ds, err := readDataset(*inputFilename)
	if err != nil {
		return err
	}
	s, err := ds.state()
	if err != nil {
		return err
	}
	group, ok := s.meta.column(ds.GroupBy)
	if !ok {
		return fmt.Errorf("dataset has no metadata column %q (group-by column at the time it was written)", ds.GroupBy)
	}
	err = os.MkdirAll(*outputDir, 0777)
	if err != nil {
		return err
	}
	ps := &plotSet{
		outputDir: *outputDir,
		meta:      s.meta,
		group:     group,
		pca:       ds.PCA,
		counts:    ds.CellCounts,
	}
	return ps.render()
}
