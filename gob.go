// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// dataset is the saved form of a pipeline run: raw counts of the
// retained cells, their metadata, and everything derived from them.
type dataset struct {
	Genes         []geneInfo
	Cells         []string
	Indptr        []int
	Indices       []int
	Counts        []float64
	MetaNames     []string
	MetaValues    [][]string
	GroupBy       string
	VariableGenes []string
	PCA           *pcaResult
	CellCounts    *cellCounts
	Stats         *runStatistics
}

func newDataset(s *pipelineState, groupBy string) *dataset {
	indptr, ind, data := s.counts.raw()
	return &dataset{
		Genes:      s.counts.genes,
		Cells:      s.counts.cells,
		Indptr:     indptr,
		Indices:    ind,
		Counts:     data,
		MetaNames:  s.meta.names,
		MetaValues: s.meta.values,
		GroupBy:    groupBy,
	}
}

// state rebuilds the count matrix and metadata.
func (ds *dataset) state() (*pipelineState, error) {
	m, err := newCountMatrix(ds.Genes, ds.Cells, ds.Indptr, ds.Indices, ds.Counts)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	if len(ds.MetaNames) != len(ds.MetaValues) {
		return nil, fmt.Errorf("dataset: %d metadata names, %d columns", len(ds.MetaNames), len(ds.MetaValues))
	}
	for c, vals := range ds.MetaValues {
		if len(vals) != len(ds.Cells) {
			return nil, fmt.Errorf("dataset: metadata column %q has %d values for %d cells", ds.MetaNames[c], len(vals), len(ds.Cells))
		}
	}
	return &pipelineState{
		counts: m,
		meta:   &cellMetadata{names: ds.MetaNames, values: ds.MetaValues},
	}, nil
}

// writeDataset gob-encodes ds to fnm, gzip-compressed if fnm ends in
// ".gz".
func writeDataset(fnm string, ds *dataset) error {
	log.Infof("writing %s", fnm)
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	var w io.Writer = bufw
	var zw *pgzip.Writer
	if strings.HasSuffix(fnm, ".gz") {
		zw = pgzip.NewWriter(bufw)
		w = zw
	}
	err = gob.NewEncoder(w).Encode(ds)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fnm, err)
	}
	if zw != nil {
		err = zw.Close()
		if err != nil {
			return err
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

func readDataset(fnm string) (*dataset, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, err)
	}
	defer f.Close()
	ds, err := decodeDataset(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ds, nil
}

func decodeDataset(r io.Reader) (*dataset, error) {
	var ds dataset
	err := gob.NewDecoder(bufio.NewReaderSize(r, 1<<20)).Decode(&ds)
	if err != nil {
		return nil, fmt.Errorf("gob decode: %w", err)
	}
	return &ds, nil
}
