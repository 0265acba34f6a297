// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"math"
	"os"

	"gopkg.in/check.v1"
)

type configSuite struct{}

var _ = check.Suite(&configSuite{})

func (s *configSuite) TestConfigFileArg(c *check.C) {
	c.Check(configFileArg([]string{"-local", "-config", "a.yml"}), check.Equals, "a.yml")
	c.Check(configFileArg([]string{"--config=b.yml", "-local"}), check.Equals, "b.yml")
	c.Check(configFileArg([]string{"-local", "--", "-config", "c.yml"}), check.Equals, "")
	c.Check(configFileArg([]string{"config", "d.yml"}), check.Equals, "")
	c.Check(configFileArg([]string{"-config"}), check.Equals, "")
}

func (s *configSuite) TestLoad(c *check.C) {
	fnm := c.MkDir() + "/pipeline.yml"
	c.Assert(os.WriteFile(fnm, []byte(`
input: /data/run1/outs/filtered_feature_bc_matrix
metadata: /data/run1/cells.tsv
group_by: mouse
qc:
  min_genes: 200
  max_mito: 0.1
downsample:
  enabled: true
  seed: 17
subset:
  blacklist: /data/doublets.txt
variable_genes:
  y_cutoff: 0.5
cell_cycle_regression: difference
plots: false
`), 0666), check.IsNil)
	p := newPipeline()
	c.Assert(loadConfig(fnm, p), check.IsNil)
	c.Check(p.Input, check.Equals, "/data/run1/outs/filtered_feature_bc_matrix")
	c.Check(p.GroupBy, check.Equals, "mouse")
	c.Check(p.QC.MinGenes, check.Equals, 200)
	c.Check(p.QC.MaxMito, check.Equals, 0.1)
	// unset keys keep their defaults
	c.Check(p.QC.MitoPattern, check.Equals, "^mt-")
	c.Check(math.IsInf(p.QC.MinMito, -1), check.Equals, true)
	c.Check(p.VariableGenes.XHigh, check.Equals, 8.0)
	c.Check(p.VariableGenes.YCutoff, check.Equals, 0.5)
	c.Check(p.Downsample, check.Equals, downsampleArgs{Enabled: true, Seed: 17})
	c.Check(p.Subset.Blacklist, check.Equals, "/data/doublets.txt")
	c.Check(p.CellCycleRegression, check.Equals, "difference")
	c.Check(p.Plots, check.Equals, false)
	c.Check(p.PCAComponents, check.Equals, 20)
}

func (s *configSuite) TestLoadErrors(c *check.C) {
	dir := c.MkDir()
	c.Assert(os.WriteFile(dir+"/typo.yml", []byte("qc:\n  min_gene: 200\n"), 0666), check.IsNil)
	err := loadConfig(dir+"/typo.yml", newPipeline())
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)
	c.Check(err, check.ErrorMatches, `(?s).*min_gene.*`)

	err = loadConfig(dir+"/missing.yml", newPipeline())
	c.Check(errors.Is(err, ErrConfiguration), check.Equals, true)

	c.Assert(os.WriteFile(dir+"/empty.yml", nil, 0666), check.IsNil)
	p := newPipeline()
	c.Check(loadConfig(dir+"/empty.yml", p), check.IsNil)
	c.Check(p.GroupBy, check.Equals, "sample")
}

func (s *configSuite) TestFlagsOverrideConfig(c *check.C) {
	fnm := c.MkDir() + "/pipeline.yml"
	c.Assert(os.WriteFile(fnm, []byte("group_by: mouse\nmin_cells: 10\n"), 0666), check.IsNil)
	p := newPipeline()
	// -input is missing, so RunCommand fails after parsing.
	code := p.RunCommand("scprep run", []string{"-local", "-config", fnm, "-min-cells=5"}, nil, os.Stderr, os.Stderr)
	c.Check(code, check.Equals, 1)
	c.Check(p.GroupBy, check.Equals, "mouse")
	c.Check(p.MinCells, check.Equals, 5)
}
