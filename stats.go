// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	_ "net/http/pprof"
	"os"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
)

// statscmd summarizes a saved dataset as JSON.
type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputFilename := flags.String("i", "-", "input dataset `file`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := arvadosContainerRunner{
			Name:        "scprep stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputFilename)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", "-i", *inputFilename, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var ds *dataset
	if *inputFilename == "-" {
		ds, err = decodeDataset(stdin)
	} else {
		ds, err = readDataset(*inputFilename)
	}
	if err != nil {
		return 1
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
		if err != nil {
			return 1
		}
		defer output.Close()
	}
	bufw := bufio.NewWriter(output)
	err = doStats(ds, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type datasetStats struct {
	Genes          int
	Cells          int
	GroupBy        string
	CellsPerGroup  map[string]int
	MetadataFields []string
	VariableGenes  int
	Stages         []string            `json:",omitempty"`
	CellCounts     map[string][]int    `json:",omitempty"`
	Statistics     []statRow           `json:",omitempty"`
	PCA            *pcaSummary         `json:",omitempty"`
	QCMedians      map[string]*float64 `json:",omitempty"`
}

type pcaSummary struct {
	Components    int
	Stdev         []float64
	VarianceRatio []float64
}

// jsonFloat returns nil for values JSON cannot represent.
func jsonFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func doStats(ds *dataset, output io.Writer) error {
	s, err := ds.state()
	if err != nil {
		return err
	}
	ret := datasetStats{
		Genes:          s.counts.nGenes(),
		Cells:          s.nCells(),
		GroupBy:        ds.GroupBy,
		MetadataFields: s.meta.names,
		VariableGenes:  len(ds.VariableGenes),
	}
	if col, ok := s.meta.column(ds.GroupBy); ok {
		ret.CellsPerGroup = s.meta.groupCounts(col)
	}
	if ds.CellCounts != nil {
		ret.Stages = ds.CellCounts.Stages
		ret.CellCounts = ds.CellCounts.Counts
	}
	if ds.Stats != nil {
		ret.Statistics = ds.Stats.rows()
	}
	if ds.PCA != nil {
		ret.PCA = &pcaSummary{
			Components:    ds.PCA.Components,
			Stdev:         ds.PCA.Stdev,
			VarianceRatio: ds.PCA.VarianceRatio,
		}
	}
	for _, name := range []string{colNGene, colNUMI, colPercentMito} {
		col, ok := s.meta.column(name)
		if !ok {
			continue
		}
		vals, err := s.meta.floats(col)
		if err != nil {
			return err
		}
		if ret.QCMedians == nil {
			ret.QCMedians = map[string]*float64{}
		}
		ret.QCMedians[name] = jsonFloat(median(vals))
	}
	return json.NewEncoder(output).Encode(ret)
}
