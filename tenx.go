// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// readTenx reads a 10x Genomics feature-barcode matrix directory
// (cellranger v2 "genes.tsv" or v3 "features.tsv.gz" layout).
func readTenx(dir string) (*countMatrix, error) {
	dir = strings.TrimSuffix(dir, "/")
	genes, err := readTenxFeatures(dir)
	if err != nil {
		return nil, err
	}
	cells, err := readTenxList(dir, "barcodes.tsv.gz", "barcodes.tsv")
	if err != nil {
		return nil, err
	}
	f, fnm, err := openFirst(dir, "matrix.mtx.gz", "matrix.mtx")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	log.Infof("reading %s", fnm)
	indptr, ind, data, err := readMatrixMarket(f, len(genes), len(cells))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	log.WithFields(log.Fields{
		"genes":   len(genes),
		"cells":   len(cells),
		"entries": len(data),
	}).Info("read count matrix")
	return newCountMatrix(genes, cells, indptr, ind, data)
}

func openFirst(dir string, names ...string) (io.ReadCloser, string, error) {
	var firstErr error
	for _, name := range names {
		fnm := dir + "/" + name
		f, err := zopen(fnm)
		if err == nil {
			return f, fnm, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, "", fmt.Errorf("none of %v found in %s: %w", names, dir, firstErr)
}

func readTenxFeatures(dir string) ([]geneInfo, error) {
	f, fnm, err := openFirst(dir, "features.tsv.gz", "features.tsv", "genes.tsv.gz", "genes.tsv")
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var genes []geneInfo
	var symbols []string
	scanner := bufio.NewScanner(f)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := trimCR(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		g := geneInfo{ID: fields[0], Symbol: fields[0]}
		if len(fields) > 1 {
			g.Symbol = fields[1]
		}
		genes = append(genes, g)
		symbols = append(symbols, g.Symbol)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	for i, name := range makeUnique(symbols) {
		genes[i].Name = name
	}
	return genes, nil
}

func readTenxList(dir string, names ...string) ([]string, error) {
	f, fnm, err := openFirst(dir, names...)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := readIDList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ids, nil
}

// readMatrixMarket parses a coordinate-format MatrixMarket file with
// genes as rows and cells as columns, returning CSC arrays.
func readMatrixMarket(r io.Reader, nrows, ncols int) (indptr, ind []int, data []float64, err error) {
	scanner := bufio.NewScanner(bufio.NewReaderSize(r, 1<<20))
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNum := 0
	sizeSeen := false
	var rows, cols []int
	var vals []float64
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if lineNum == 1 {
			if !strings.HasPrefix(line, "%%MatrixMarket") {
				return nil, nil, nil, fmt.Errorf("line 1: missing %%%%MatrixMarket header")
			}
			if !strings.Contains(line, "coordinate") {
				return nil, nil, nil, fmt.Errorf("line 1: only coordinate format is supported: %q", line)
			}
			continue
		}
		if line == "" || line[0] == '%' {
			continue
		}
		fields := strings.Fields(line)
		if !sizeSeen {
			if len(fields) != 3 {
				return nil, nil, nil, fmt.Errorf("line %d: bad size line %q", lineNum, line)
			}
			r, err1 := strconv.Atoi(fields[0])
			c, err2 := strconv.Atoi(fields[1])
			nnz, err3 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil || err3 != nil {
				return nil, nil, nil, fmt.Errorf("line %d: bad size line %q", lineNum, line)
			}
			if r != nrows || c != ncols {
				return nil, nil, nil, fmt.Errorf("matrix is %dx%d but features/barcodes list %d genes and %d cells", r, c, nrows, ncols)
			}
			rows = make([]int, 0, nnz)
			cols = make([]int, 0, nnz)
			vals = make([]float64, 0, nnz)
			sizeSeen = true
			continue
		}
		if len(fields) < 3 {
			return nil, nil, nil, fmt.Errorf("line %d: expected 3 fields, got %q", lineNum, line)
		}
		i, err1 := strconv.Atoi(fields[0])
		j, err2 := strconv.Atoi(fields[1])
		v, err3 := strconv.ParseFloat(fields[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, nil, nil, fmt.Errorf("line %d: cannot parse entry %q", lineNum, line)
		}
		if i < 1 || i > nrows || j < 1 || j > ncols {
			return nil, nil, nil, fmt.Errorf("line %d: entry (%d,%d) out of range", lineNum, i, j)
		}
		rows = append(rows, i-1)
		cols = append(cols, j-1)
		vals = append(vals, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, err
	}
	if !sizeSeen {
		return nil, nil, nil, fmt.Errorf("no size line")
	}

	// Counting sort by column, keeping file order within a column.
	indptr = make([]int, ncols+1)
	for _, j := range cols {
		indptr[j+1]++
	}
	for j := 0; j < ncols; j++ {
		indptr[j+1] += indptr[j]
	}
	next := append([]int(nil), indptr[:ncols]...)
	ind = make([]int, len(vals))
	data = make([]float64, len(vals))
	for k, j := range cols {
		ind[next[j]] = rows[k]
		data[next[j]] = vals[k]
		next[j]++
	}
	return indptr, ind, data, nil
}

// readIDList reads newline-delimited identifiers, ignoring blank
// lines and surrounding whitespace.
func readIDList(r io.Reader) ([]string, error) {
	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id == "" {
			continue
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

func readIDListFile(fnm string) ([]string, error) {
	f, err := zopen(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ids, err := readIDList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return ids, nil
}
