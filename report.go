// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

type annotationRow struct {
	Internal string `csv:"gene_id_internal"`
	ID       string `csv:"gene_id"`
	Name     string `csv:"gene_name"`
}

func tsvWriter(f *os.File) *gocsv.SafeCSVWriter {
	w := csv.NewWriter(f)
	w.Comma = '\t'
	return gocsv.NewSafeCSVWriter(w)
}

// writeAnnotation writes one row per gene, mapping the unique
// internal name back to the input id and name.
func writeAnnotation(fnm string, genes []geneInfo) error {
	log.Infof("writing %s", fnm)
	rows := make([]*annotationRow, len(genes))
	for i, g := range genes {
		rows[i] = &annotationRow{Internal: g.Name, ID: g.ID, Name: g.Symbol}
	}
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	err = gocsv.MarshalCSV(rows, tsvWriter(f))
	if err != nil {
		return fmt.Errorf("write %s: %w", fnm, err)
	}
	return f.Close()
}

// writeCellTable writes one row per cell: barcode, every metadata
// column, then PCA coordinates if pca is not nil.
func writeCellTable(fnm string, s *pipelineState, pca *pcaResult) error {
	log.Infof("writing %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	header := append([]string{barcodeColumn}, s.meta.names...)
	if pca != nil {
		header = append(header, pcLabels(pca.Components)...)
	}
	_, err = fmt.Fprintln(bufw, strings.Join(header, "\t"))
	if err != nil {
		return err
	}
	for j, id := range s.cellIDs() {
		bufw.WriteString(id)
		for c := range s.meta.names {
			bufw.WriteString("\t" + s.meta.values[c][j])
		}
		if pca != nil {
			for pc := 0; pc < pca.Components; pc++ {
				fmt.Fprintf(bufw, "\t%g", pca.embedding(j, pc))
			}
		}
		_, err = bufw.WriteString("\n")
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

func pcLabels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = fmt.Sprintf("PC_%d", i+1)
	}
	return labels
}

// writeReducedDims writes the PCA embedding (with a PC_1..PC_k header)
// and the matching cell barcodes (no header) as two gzipped tables,
// the layout trajectory tools read.
func writeReducedDims(dir string, cells []string, pca *pcaResult) error {
	err := writeGzipLines(dir+"/reduced_dims.tsv.gz", pca.Cells+1, func(i int) string {
		if i == 0 {
			return strings.Join(pcLabels(pca.Components), "\t")
		}
		fields := make([]string, pca.Components)
		for pc := range fields {
			fields[pc] = fmt.Sprintf("%g", pca.embedding(i-1, pc))
		}
		return strings.Join(fields, "\t")
	})
	if err != nil {
		return err
	}
	return writeGzipLines(dir+"/barcodes.tsv.gz", len(cells), func(i int) string { return cells[i] })
}

func writeGzipLines(fnm string, n int, line func(int) string) error {
	log.Infof("writing %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	zw := pgzip.NewWriter(f)
	bufw := bufio.NewWriter(zw)
	for i := 0; i < n; i++ {
		bufw.WriteString(line(i))
		_, err = bufw.WriteString("\n")
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	err = zw.Close()
	if err != nil {
		return err
	}
	return f.Close()
}
