// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

const (
	inputModeTenx    = "tenx"
	inputModeDataset = "dataset"
)

// pipeline is the "run" subcommand. Exported fields can be set in a
// YAML config file as well as on the command line.
type pipeline struct {
	InputMode           string         `yaml:"input_mode"`
	Input               string         `yaml:"input"`
	Metadata            string         `yaml:"metadata"`
	GroupBy             string         `yaml:"group_by"`
	MinCells            int            `yaml:"min_cells"`
	Subset              cellSubset     `yaml:"subset"`
	QC                  qcFilter       `yaml:"qc"`
	Downsample          downsampleArgs `yaml:"downsample"`
	Normalization       string         `yaml:"normalization"`
	ScaleFactor         float64        `yaml:"scale_factor"`
	VariableGenes       varGenesArgs   `yaml:"variable_genes"`
	SGenes              string         `yaml:"s_genes"`
	G2MGenes            string         `yaml:"g2m_genes"`
	CellCycleRegression string         `yaml:"cell_cycle_regression"`
	Regress             string         `yaml:"regress"`
	PCAComponents       int            `yaml:"pca_components"`
	Plots               bool           `yaml:"plots"`
	OutputDir           string         `yaml:"output_dir"`
}

func newPipeline() *pipeline {
	return &pipeline{
		InputMode: inputModeTenx,
		GroupBy:   "sample",
		MinCells:  3,
		QC: qcFilter{
			MinGenes:    500,
			MinMito:     math.Inf(-1),
			MaxMito:     0.05,
			MitoPattern: "^mt-",
		},
		Downsample:          downsampleArgs{Seed: -1},
		Normalization:       normLog,
		ScaleFactor:         10000,
		VariableGenes:       varGenesArgs{XLow: 0.1, XHigh: 8, YCutoff: 1, Bins: 20},
		CellCycleRegression: ccRegressNone,
		Regress:             colNUMI + "," + colPercentMito,
		PCAComponents:       20,
		Plots:               true,
		OutputDir:           "./out",
	}
}

func (cmd *pipeline) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cmd.InputMode, "input-mode", cmd.InputMode, "input `type`: tenx (matrix directory) or dataset (gob file written by a previous run)")
	flags.StringVar(&cmd.Input, "input", cmd.Input, "input `path`")
	flags.StringVar(&cmd.Metadata, "metadata", cmd.Metadata, "tab-separated cell metadata `file` with a barcode column")
	flags.StringVar(&cmd.GroupBy, "group-by", cmd.GroupBy, "metadata `column` that defines cell groups")
	flags.IntVar(&cmd.MinCells, "min-cells", cmd.MinCells, "drop genes detected in fewer than `N` cells")
	cmd.Subset.Flags(flags)
	cmd.QC.Flags(flags)
	cmd.Downsample.Flags(flags)
	flags.StringVar(&cmd.Normalization, "normalization", cmd.Normalization, "normalization `method`: log-normalize, relative-counts or clr")
	flags.Float64Var(&cmd.ScaleFactor, "scale-factor", cmd.ScaleFactor, "per-cell total after normalization")
	cmd.VariableGenes.Flags(flags)
	flags.StringVar(&cmd.SGenes, "s-genes", cmd.SGenes, "S phase marker gene list `file`")
	flags.StringVar(&cmd.G2MGenes, "g2m-genes", cmd.G2MGenes, "G2/M phase marker gene list `file`")
	flags.StringVar(&cmd.CellCycleRegression, "cell-cycle-regression", cmd.CellCycleRegression, "regress out cell cycle `mode`: none, all or difference")
	flags.StringVar(&cmd.Regress, "regress", cmd.Regress, "comma-separated metadata `columns` to regress out")
	flags.IntVar(&cmd.PCAComponents, "pca-components", cmd.PCAComponents, "number of principal components")
	flags.BoolVar(&cmd.Plots, "plots", cmd.Plots, "write diagnostic plots")
	flags.StringVar(&cmd.OutputDir, "output-dir", cmd.OutputDir, "output `directory`")
}

func (cmd *pipeline) Args() []string {
	args := []string{
		"-input-mode=" + cmd.InputMode,
		"-input=" + cmd.Input,
		"-metadata=" + cmd.Metadata,
		"-group-by=" + cmd.GroupBy,
		fmt.Sprintf("-min-cells=%d", cmd.MinCells),
	}
	args = append(args, cmd.Subset.Args()...)
	args = append(args, cmd.QC.Args()...)
	args = append(args, cmd.Downsample.Args()...)
	args = append(args,
		"-normalization="+cmd.Normalization,
		fmt.Sprintf("-scale-factor=%v", cmd.ScaleFactor))
	args = append(args, cmd.VariableGenes.Args()...)
	return append(args,
		"-s-genes="+cmd.SGenes,
		"-g2m-genes="+cmd.G2MGenes,
		"-cell-cycle-regression="+cmd.CellCycleRegression,
		"-regress="+cmd.Regress,
		fmt.Sprintf("-pca-components=%d", cmd.PCAComponents),
		fmt.Sprintf("-plots=%v", cmd.Plots),
		"-output-dir="+cmd.OutputDir)
}

func (cmd *pipeline) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	if fnm := configFileArg(args); fnm != "" {
		err = loadConfig(fnm, cmd)
		if err != nil {
			return 1
		}
	}
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.String("config", "", "YAML `file` with default settings (command line flags take precedence)")
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	preemptible := flags.Bool("preemptible", true, "request preemptible instance")
	cmd.Flags(flags)
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	} else if flags.NArg() > 0 {
		err = fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		runner := arvadosContainerRunner{
			Name:        "scprep run",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64 << 30,
			VCPUs:       8,
			Priority:    *priority,
			Preemptible: *preemptible,
		}
		err = runner.TranslatePaths(&cmd.Input, &cmd.Metadata, &cmd.Subset.Whitelist, &cmd.Subset.Blacklist, &cmd.SGenes, &cmd.G2MGenes)
		if err != nil {
			return 1
		}
		cmd.OutputDir = "/mnt/output"
		runner.Args = append([]string{"run", "-local=true"}, cmd.Args()...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	_, err = cmd.run()
	if err != nil {
		return 1
	}
	return 0
}

// pipelineResult is what run produces, for callers and tests that
// want more than the output files.
type pipelineResult struct {
	state  *pipelineState
	counts *cellCounts
	stats  *runStatistics
	pca    *pcaResult
}

// check validates settings that do not depend on any input file.
func (cmd *pipeline) check() error {
	var err error
	if cmd.InputMode != inputModeTenx && cmd.InputMode != inputModeDataset {
		return configErrorf("unrecognized input mode %q (expected %s or %s)", cmd.InputMode, inputModeTenx, inputModeDataset)
	}
	if cmd.Input == "" {
		return configErrorf("no input specified (-input)")
	}
	if cmd.GroupBy == "" {
		return configErrorf("no group-by column specified (-group-by)")
	}
	if cmd.Normalization, err = parseNormalization(cmd.Normalization); err != nil {
		return err
	}
	if cmd.CellCycleRegression, err = parseCellCycleRegression(cmd.CellCycleRegression); err != nil {
		return err
	}
	if cmd.ScaleFactor <= 0 {
		return configErrorf("scale factor must be positive (got %v)", cmd.ScaleFactor)
	}
	if cmd.PCAComponents < 1 {
		return configErrorf("need at least one principal component (got %d)", cmd.PCAComponents)
	}
	if err = cmd.Subset.check(); err != nil {
		return err
	}
	if err = cmd.QC.check(); err != nil {
		return err
	}
	return nil
}

// load returns the input cells with metadata attached, after the
// min-cells gene filter.
func (cmd *pipeline) load(stats *runStatistics) (*pipelineState, error) {
	var mt *metadataTable
	var err error
	if cmd.Metadata != "" || cmd.InputMode == inputModeTenx {
		// Metadata problems are reported before spending time on
		// the matrix.
		mt, err = loadMetadata(cmd.Metadata)
		if err != nil {
			return nil, err
		}
	}

	var m *countMatrix
	var meta *cellMetadata
	switch cmd.InputMode {
	case inputModeTenx:
		m, err = readTenx(cmd.Input)
		if err != nil {
			return nil, err
		}
	case inputModeDataset:
		ds, err := readDataset(cmd.Input)
		if err != nil {
			return nil, err
		}
		s, err := ds.state()
		if err != nil {
			return nil, err
		}
		m, meta = s.counts, s.meta
	}
	stats.InputGenes = m.nGenes()
	stats.InputCells = m.nCells()

	if mt != nil {
		meta, err = mt.join(m.cells)
		if err != nil {
			return nil, err
		}
	}

	m = m.filterGenesByCells(cmd.MinCells)
	stats.GenesAfterMinCells = m.nGenes()
	log.Infof("min-cells filter: %d of %d genes detected in at least %d cells", m.nGenes(), stats.InputGenes, cmd.MinCells)
	return &pipelineState{counts: m, meta: meta}, nil
}

// groupColumn resolves the group-by column and checks that every cell
// has a group.
func (cmd *pipeline) groupColumn(meta *cellMetadata) (metadataColumn, error) {
	col, ok := meta.column(cmd.GroupBy)
	if !ok {
		return col, configErrorf("group-by column %q is not in the metadata (columns: %s)", cmd.GroupBy, strings.Join(meta.names, ", "))
	}
	for j, v := range meta.values[col.index] {
		if v == "" {
			return col, configErrorf("cell %d has an empty %s value", j, cmd.GroupBy)
		}
	}
	return col, nil
}

// run executes the pipeline and writes all outputs to OutputDir.
func (cmd *pipeline) run() (*pipelineResult, error) {
	err := cmd.check()
	if err != nil {
		return nil, err
	}
	stats := &runStatistics{}
	s, err := cmd.load(stats)
	if err != nil {
		return nil, err
	}
	group, err := cmd.groupColumn(s.meta)
	if err != nil {
		return nil, err
	}

	var counts *cellCounts
	track := func(s *pipelineState, stage string) error {
		t, err := counts.record(s, group, stage)
		if err != nil {
			return err
		}
		counts = t
		log.WithFields(log.Fields{
			"stage":  stage,
			"cells":  s.nCells(),
			"groups": len(t.Groups),
		}).Info("cell counts recorded")
		return nil
	}
	if err = track(s, "input"); err != nil {
		return nil, err
	}

	s, err = cmd.Subset.Apply(s, track, stats)
	if err != nil {
		return nil, err
	}
	s, err = cmd.QC.Apply(s, stats)
	if err != nil {
		return nil, err
	}
	if err = stats.summarizeQC(s.meta); err != nil {
		return nil, err
	}
	if err = track(s, "after_qc_filters"); err != nil {
		return nil, err
	}

	if cmd.Downsample.Enabled {
		seed := cmd.Downsample.resolveSeed()
		var target int
		s, target, err = downsample(s, group, seed)
		if err != nil {
			return nil, err
		}
		stats.DownsampleSeed = seed
		stats.DownsampleTarget = target
		stats.CellsAfterDownsampling = s.nCells()
		if err = track(s, "after_downsampling"); err != nil {
			return nil, err
		}
	}

	res := &pipelineResult{state: s, counts: counts, stats: stats}
	var varGenes []string
	if s.nCells() == 0 {
		log.Warn("no cells left, skipping normalization and dimensionality reduction")
	} else {
		res.state, varGenes, res.pca, err = cmd.analyze(s, stats)
		if err != nil {
			return nil, err
		}
	}
	err = cmd.writeOutputs(res, varGenes, group)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// analyze normalizes, scores, scales and projects the retained cells.
// It returns s with any added metadata columns.
func (cmd *pipeline) analyze(s *pipelineState, stats *runStatistics) (*pipelineState, []string, *pcaResult, error) {
	stats.Normalization = cmd.Normalization
	norm := normalize(s.counts, cmd.Normalization, cmd.ScaleFactor)
	vargenes, _ := findVariableGenes(norm, cmd.VariableGenes)
	stats.VariableGenes = len(vargenes)
	names := make([]string, len(vargenes))
	for k, i := range vargenes {
		names[k] = norm.genes[i].Name
	}

	stats.CellCycleRegression = cmd.CellCycleRegression
	if cmd.CellCycleRegression != ccRegressNone || (cmd.SGenes != "" && cmd.G2MGenes != "") {
		sGenes, err := loadGeneList(cmd.SGenes, "S phase")
		if err != nil {
			return nil, nil, nil, err
		}
		g2mGenes, err := loadGeneList(cmd.G2MGenes, "G2/M phase")
		if err != nil {
			return nil, nil, nil, err
		}
		s, err = scoreCellCycle(s, norm, sGenes, g2mGenes)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if len(vargenes) == 0 {
		log.Warn("no variable genes selected, skipping scaling and PCA")
		return s, names, nil, nil
	}
	covariates := append(parseCovariates(cmd.Regress), cellCycleCovariates(cmd.CellCycleRegression)...)
	covData, err := covariateData(s.meta, covariates)
	if err != nil {
		return nil, nil, nil, err
	}
	stats.RegressedCovariates = covariates
	scaled, err := regressOut(norm, vargenes, covData, covariates)
	if err != nil {
		return nil, nil, nil, err
	}
	pca, err := computePCA(scaled, names, cmd.PCAComponents)
	if err != nil {
		return nil, nil, nil, err
	}
	stats.PCAComponents = pca.Components
	stats.VarianceExplainedPC1 = pca.VarianceRatio[0]
	return s, names, pca, nil
}

func (cmd *pipeline) writeOutputs(res *pipelineResult, varGenes []string, group metadataColumn) error {
	dir := strings.TrimSuffix(cmd.OutputDir, "/")
	err := os.MkdirAll(dir, 0777)
	if err != nil {
		return err
	}
	s := res.state
	ds := newDataset(s, cmd.GroupBy)
	ds.VariableGenes = varGenes
	ds.PCA = res.pca
	ds.CellCounts = res.counts
	ds.Stats = res.stats
	for _, write := range []func() error{
		func() error { return writeAnnotation(dir+"/annotation.tsv", s.counts.genes) },
		func() error { return writeDataset(dir+"/dataset.gob.gz", ds) },
		func() error { return writeCellTable(dir+"/cells.tsv", s, res.pca) },
		func() error { return res.counts.writeLatex(dir + "/cell_counts.tex") },
		func() error { return res.stats.writeLatex(dir + "/run_statistics.tex") },
	} {
		if err := write(); err != nil {
			return err
		}
	}
	if res.pca != nil {
		err = writeNumpyFloat64(dir+"/pca.npy", res.pca.Cells, res.pca.Components, res.pca.Embeddings)
		if err != nil {
			return err
		}
		err = writeReducedDims(dir, s.cellIDs(), res.pca)
		if err != nil {
			return err
		}
	}
	if cmd.Plots {
		ps := &plotSet{
			outputDir: dir,
			meta:      s.meta,
			group:     group,
			pca:       res.pca,
			counts:    res.counts,
		}
		if err = ps.render(); err != nil {
			return fmt.Errorf("plots: %w", err)
		}
	}
	log.Infof("outputs written to %s", dir)
	return nil
}
