// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/csimplestring/go-csv/detector"
	log "github.com/sirupsen/logrus"
)

const barcodeColumn = "barcode"

// metadataTable is a per-cell attribute table as read from disk, in
// file order, not yet aligned to a matrix.
type metadataTable struct {
	filename string
	columns  []string   // attribute names, excluding barcode
	barcodes []string   // file order
	rows     [][]string // rows[i][c] is columns[c] of barcodes[i]
}

func loadMetadata(fnm string) (*metadataTable, error) {
	if fnm == "" {
		return nil, configErrorf("a cell metadata file is required (-metadata)")
	}
	f, err := zopen(fnm)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrConfiguration, err)
	}
	buf, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return parseMetadata(fnm, buf)
}

func parseMetadata(fnm string, buf []byte) (*metadataTable, error) {
	header := buf
	if eol := bytes.IndexByte(buf, '\n'); eol >= 0 {
		header = buf[:eol]
	}
	if !bytes.Contains(header, []byte{'\t'}) {
		if d := detectDelimiter(buf); d != "" && d != "\t" {
			return nil, configErrorf("%s: metadata must be tab-delimited, but the delimiter looks like %q", fnm, d)
		}
	}

	rdr := csv.NewReader(bytes.NewReader(buf))
	rdr.Comma = '\t'
	rdr.LazyQuotes = true
	rdr.FieldsPerRecord = -1
	records, err := rdr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrConfiguration, fnm, err)
	}
	if len(records) == 0 {
		return nil, configErrorf("%s: missing header row", fnm)
	}
	keyCol := -1
	var columns []string
	for i, name := range records[0] {
		if name == barcodeColumn && keyCol < 0 {
			keyCol = i
			continue
		}
		columns = append(columns, name)
	}
	if keyCol < 0 {
		return nil, configErrorf("%s: no %q column in header row %q", fnm, barcodeColumn, records[0])
	}
	mt := &metadataTable{filename: fnm, columns: columns}
	for lineNum, rec := range records[1:] {
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) != len(records[0]) {
			return nil, configErrorf("%s line %d: %d fields, header has %d", fnm, lineNum+2, len(rec), len(records[0]))
		}
		row := make([]string, 0, len(columns))
		row = append(row, rec[:keyCol]...)
		row = append(row, rec[keyCol+1:]...)
		mt.barcodes = append(mt.barcodes, rec[keyCol])
		mt.rows = append(mt.rows, row)
	}
	return mt, nil
}

func detectDelimiter(buf []byte) string {
	d := detector.New()
	delimiters := d.DetectDelimiter(bytes.NewReader(buf), '"')
	if len(delimiters) > 0 {
		return delimiters[0]
	}
	return ""
}

// join aligns the table to the given cell ids. The key sets must be
// identical; rows are reordered to match cellIDs.
func (mt *metadataTable) join(cellIDs []string) (*cellMetadata, error) {
	fail := func(reason string) error {
		err := newIdentifierMismatch(reason, cellIDs, mt.barcodes)
		log.Errorf("metadata %s does not match the count matrix:\n%s", mt.filename, err.Diagnostics())
		return err
	}
	rowOf := make(map[string]int, len(mt.barcodes))
	for i, bc := range mt.barcodes {
		if _, dup := rowOf[bc]; dup {
			return nil, fail(fmt.Sprintf("duplicate barcode %q in metadata", bc))
		}
		rowOf[bc] = i
	}
	if len(mt.barcodes) != len(cellIDs) {
		return nil, fail("different number of cells")
	}
	cm := &cellMetadata{
		names:  append([]string(nil), mt.columns...),
		values: make([][]string, len(mt.columns)),
	}
	for c := range cm.values {
		cm.values[c] = make([]string, len(cellIDs))
	}
	used := make([]bool, len(mt.barcodes))
	for j, id := range cellIDs {
		i, ok := rowOf[id]
		if !ok {
			return nil, fail(fmt.Sprintf("cell %q has no metadata row", id))
		}
		if used[i] {
			return nil, fail(fmt.Sprintf("duplicate cell id %q in matrix", id))
		}
		used[i] = true
		for c := range cm.names {
			cm.values[c][j] = mt.rows[i][c]
		}
	}
	return cm, nil
}

// metadataColumn is a resolved reference to a column of a
// cellMetadata. Columns are only ever appended, so a reference stays
// valid across subsets of the same metadata.
type metadataColumn struct {
	name  string
	index int
}

func (col metadataColumn) String() string { return col.name }

// cellMetadata is column-oriented and aligned with the cells of a
// countMatrix.
type cellMetadata struct {
	names  []string
	values [][]string // values[column][cell]
}

func (cm *cellMetadata) column(name string) (metadataColumn, bool) {
	for i, n := range cm.names {
		if n == name {
			return metadataColumn{name: name, index: i}, true
		}
	}
	return metadataColumn{}, false
}

func (cm *cellMetadata) value(col metadataColumn, cell int) string {
	return cm.values[col.index][cell]
}

func (cm *cellMetadata) floats(col metadataColumn) ([]float64, error) {
	out := make([]float64, len(cm.values[col.index]))
	for j, s := range cm.values[col.index] {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("metadata column %q is not numeric (cell %d has %q)", col.name, j, s)
		}
		out[j] = f
	}
	return out, nil
}

func (cm *cellMetadata) subset(keep []int) *cellMetadata {
	out := &cellMetadata{
		names:  append([]string(nil), cm.names...),
		values: make([][]string, len(cm.values)),
	}
	for c, vals := range cm.values {
		sub := make([]string, len(keep))
		for k, j := range keep {
			sub[k] = vals[j]
		}
		out.values[c] = sub
	}
	return out
}

// with returns a copy with the named column added or replaced.
func (cm *cellMetadata) with(name string, vals []string) *cellMetadata {
	out := &cellMetadata{
		names:  append([]string(nil), cm.names...),
		values: append([][]string(nil), cm.values...),
	}
	if col, ok := cm.column(name); ok {
		out.values[col.index] = vals
	} else {
		out.names = append(out.names, name)
		out.values = append(out.values, vals)
	}
	return out
}

func (cm *cellMetadata) withFloats(name string, vals []float64) *cellMetadata {
	s := make([]string, len(vals))
	for i, v := range vals {
		s[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return cm.with(name, s)
}

// groupCounts returns the number of cells per value of col.
func (cm *cellMetadata) groupCounts(col metadataColumn) map[string]int {
	counts := map[string]int{}
	for _, v := range cm.values[col.index] {
		counts[v]++
	}
	return counts
}
