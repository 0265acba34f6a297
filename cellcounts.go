// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"
)

// cellCounts is an audit table of cells per group at each pipeline
// stage. Rows are fixed by the first stage recorded; each later stage
// appends one column.
type cellCounts struct {
	Stages []string
	Groups []string         // row order
	Counts map[string][]int // group -> one count per stage
}

// record returns t with a column for stage appended. A nil t is the
// empty table: the result's rows are the groups present in s.
func (t *cellCounts) record(s *pipelineState, group metadataColumn, stage string) (*cellCounts, error) {
	counts := s.meta.groupCounts(group)
	if t == nil {
		t = &cellCounts{Counts: map[string][]int{}}
		for g := range counts {
			t.Groups = append(t.Groups, g)
		}
		sort.Strings(t.Groups)
	}
	for _, existing := range t.Stages {
		if existing == stage {
			return nil, fmt.Errorf("cell count table already has a %q column", stage)
		}
	}
	out := &cellCounts{
		Stages: append(append([]string(nil), t.Stages...), stage),
		Groups: t.Groups,
		Counts: make(map[string][]int, len(t.Groups)),
	}
	for _, g := range t.Groups {
		out.Counts[g] = append(append([]int(nil), t.Counts[g]...), counts[g])
		delete(counts, g)
	}
	for g, n := range counts {
		log.Warnf("cell counts at %s: group %q (%d cells) was not present at the first stage, not recorded", stage, g, n)
	}
	return out, nil
}

func (t *cellCounts) count(group, stage string) (int, bool) {
	for i, s := range t.Stages {
		if s == stage {
			row, ok := t.Counts[group]
			if !ok {
				return 0, false
			}
			return row[i], true
		}
	}
	return 0, false
}

// totals returns the sum over groups for each stage.
func (t *cellCounts) totals() []int {
	tot := make([]int, len(t.Stages))
	for _, g := range t.Groups {
		for i, n := range t.Counts[g] {
			tot[i] += n
		}
	}
	return tot
}

func (t *cellCounts) table() ([]string, [][]string) {
	header := append([]string{"group"}, t.Stages...)
	var rows [][]string
	for _, g := range t.Groups {
		row := []string{g}
		for _, n := range t.Counts[g] {
			row = append(row, fmt.Sprintf("%d", n))
		}
		rows = append(rows, row)
	}
	total := []string{"total"}
	for _, n := range t.totals() {
		total = append(total, fmt.Sprintf("%d", n))
	}
	return header, append(rows, total)
}
