// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Every fatal pipeline error wraps one of these, so callers can use
// errors.Is to tell them apart.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrIdentifierMismatch = errors.New("identifier mismatch")
	ErrEmptySubset        = errors.New("empty subset")
	ErrUnknownFactor      = errors.New("unknown factor")
	ErrUnknownLevel       = errors.New("unknown level")
)

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Number of identifiers shown from each end of a list in mismatch
// diagnostics.
const mismatchSampleSize = 5

// identifierMismatchError reports how the metadata barcodes and the
// matrix cell ids disagree.
type identifierMismatchError struct {
	reason       string
	matrixCount  int
	metaCount    int
	matrixHead   []string
	matrixTail   []string
	metaHead     []string
	metaTail     []string
	onlyInMatrix int
	onlyInMeta   int
}

func newIdentifierMismatch(reason string, matrixIDs, metaIDs []string) *identifierMismatchError {
	e := &identifierMismatchError{
		reason:      reason,
		matrixCount: len(matrixIDs),
		metaCount:   len(metaIDs),
	}
	e.matrixHead, e.matrixTail = headTail(matrixIDs, mismatchSampleSize)
	e.metaHead, e.metaTail = headTail(metaIDs, mismatchSampleSize)
	inMeta := make(map[string]bool, len(metaIDs))
	for _, id := range metaIDs {
		inMeta[id] = true
	}
	inMatrix := make(map[string]bool, len(matrixIDs))
	for _, id := range matrixIDs {
		inMatrix[id] = true
		if !inMeta[id] {
			e.onlyInMatrix++
		}
	}
	for id := range inMeta {
		if !inMatrix[id] {
			e.onlyInMeta++
		}
	}
	return e
}

func (e *identifierMismatchError) Error() string {
	return fmt.Sprintf("%s: %s (matrix has %d cells, metadata has %d rows; %d only in matrix, %d only in metadata)",
		ErrIdentifierMismatch, e.reason, e.matrixCount, e.metaCount, e.onlyInMatrix, e.onlyInMeta)
}

func (e *identifierMismatchError) Unwrap() error { return ErrIdentifierMismatch }

// Diagnostics returns a multi-line report with head/tail samples of
// both sides and a line diff of the head samples.
func (e *identifierMismatchError) Diagnostics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "matrix cells:   %d\n", e.matrixCount)
	fmt.Fprintf(&b, "metadata rows:  %d\n", e.metaCount)
	fmt.Fprintf(&b, "matrix head:    %s\n", strings.Join(e.matrixHead, " "))
	fmt.Fprintf(&b, "matrix tail:    %s\n", strings.Join(e.matrixTail, " "))
	fmt.Fprintf(&b, "metadata head:  %s\n", strings.Join(e.metaHead, " "))
	fmt.Fprintf(&b, "metadata tail:  %s\n", strings.Join(e.metaTail, " "))
	b.WriteString(lineDiff(e.matrixHead, e.metaHead))
	return b.String()
}

func headTail(ids []string, n int) (head, tail []string) {
	if len(ids) <= n {
		return ids, ids
	}
	return ids[:n], ids[len(ids)-n:]
}

// lineDiff renders "-" lines for ids only in a and "+" lines for ids
// only in b.
func lineDiff(a, b []string) string {
	dmp := diffmatchpatch.New()
	ca, cb, lines := dmp.DiffLinesToChars(strings.Join(a, "\n")+"\n", strings.Join(b, "\n")+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(ca, cb, false), lines)
	var out strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- matrix   "
		case diffmatchpatch.DiffInsert:
			prefix = "+ metadata "
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out.WriteString(prefix + line + "\n")
		}
	}
	return out.String()
}
