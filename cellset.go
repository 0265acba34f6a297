// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scprep

import (
	"flag"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// pipelineState is the working matrix: counts plus aligned metadata.
// Stages never modify a state in place; they return a new one.
type pipelineState struct {
	counts *countMatrix
	meta   *cellMetadata
}

func (s *pipelineState) nCells() int { return s.counts.nCells() }

func (s *pipelineState) cellIDs() []string { return s.counts.cells }

func (s *pipelineState) subset(keep []int) *pipelineState {
	return &pipelineState{
		counts: s.counts.subsetCells(keep),
		meta:   s.meta.subset(keep),
	}
}

// restrict returns the cells of s that are in retain, in their
// current order. It is an error if none are.
func restrict(s *pipelineState, retain map[string]bool) (*pipelineState, error) {
	var keep []int
	for j, id := range s.cellIDs() {
		if retain[id] {
			keep = append(keep, j)
		}
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("%w: none of the %d requested cells are among the %d cells in the matrix", ErrEmptySubset, len(retain), s.nCells())
	}
	return s.subset(keep), nil
}

// exclude returns the cells of s that are not in drop. Unlike
// restrict, an empty result is not an error here.
func exclude(s *pipelineState, drop map[string]bool) *pipelineState {
	var keep []int
	for j, id := range s.cellIDs() {
		if !drop[id] {
			keep = append(keep, j)
		}
	}
	if removed := s.nCells() - len(keep); removed == 0 {
		log.Infof("blacklist: none of the %d listed cells are in the matrix", len(drop))
	} else {
		log.Infof("blacklist: removed %d cells", removed)
	}
	return s.subset(keep)
}

func idSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// cellSubset selects cells by whitelist file or by metadata factor
// level, then removes blacklisted cells.
type cellSubset struct {
	Whitelist string `yaml:"whitelist"`
	Factor    string `yaml:"factor"`
	Level     string `yaml:"level"`
	Blacklist string `yaml:"blacklist"`
}

func (cs *cellSubset) Flags(flags *flag.FlagSet) {
	flags.StringVar(&cs.Whitelist, "whitelist", cs.Whitelist, "retain only cells listed in `file` (one barcode per line); overrides -subset-factor")
	flags.StringVar(&cs.Factor, "subset-factor", cs.Factor, "retain only cells whose metadata `column` equals -subset-level")
	flags.StringVar(&cs.Level, "subset-level", cs.Level, "metadata `value` to select with -subset-factor")
	flags.StringVar(&cs.Blacklist, "blacklist", cs.Blacklist, "remove cells listed in `file` (one barcode per line)")
}

func (cs *cellSubset) Args() []string {
	return []string{
		"-whitelist=" + cs.Whitelist,
		"-subset-factor=" + cs.Factor,
		"-subset-level=" + cs.Level,
		"-blacklist=" + cs.Blacklist,
	}
}

func (cs *cellSubset) check() error {
	if (cs.Factor == "") != (cs.Level == "") {
		return configErrorf("must provide both -subset-factor and -subset-level, or neither")
	}
	return nil
}

type stageFunc func(s *pipelineState, stage string) error

// Apply runs the configured subsetting steps in order, calling track
// after each one.
func (cs *cellSubset) Apply(s *pipelineState, track stageFunc, stats *runStatistics) (*pipelineState, error) {
	var err error
	if cs.Whitelist != "" {
		if cs.Factor != "" {
			log.Infof("whitelist given, ignoring -subset-factor %s -subset-level %s", cs.Factor, cs.Level)
		}
		ids, err := readIDListFile(cs.Whitelist)
		if err != nil {
			return nil, err
		}
		s, err = restrict(s, idSet(ids))
		if err != nil {
			return nil, fmt.Errorf("whitelist %s: %w", cs.Whitelist, err)
		}
		log.Infof("whitelist: %d cells retained", s.nCells())
		stats.CellsAfterWhitelist = s.nCells()
		if err = track(s, "after_whitelist"); err != nil {
			return nil, err
		}
	} else if cs.Factor != "" {
		s, err = subsetByLevel(s, cs.Factor, cs.Level)
		if err != nil {
			return nil, err
		}
		log.Infof("subset %s == %q: %d cells retained", cs.Factor, cs.Level, s.nCells())
		stats.CellsAfterSubset = s.nCells()
		if err = track(s, "after_subset"); err != nil {
			return nil, err
		}
	}
	if cs.Blacklist != "" {
		ids, err := readIDListFile(cs.Blacklist)
		if err != nil {
			return nil, err
		}
		before := s.nCells()
		s = exclude(s, idSet(ids))
		stats.BlacklistedCells = before - s.nCells()
		if err = track(s, "after_blacklist"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func subsetByLevel(s *pipelineState, factor, level string) (*pipelineState, error) {
	col, ok := s.meta.column(factor)
	if !ok {
		return nil, fmt.Errorf("%w: no metadata column %q", ErrUnknownFactor, factor)
	}
	retain := map[string]bool{}
	for j, id := range s.cellIDs() {
		if s.meta.value(col, j) == level {
			retain[id] = true
		}
	}
	if len(retain) == 0 {
		return nil, fmt.Errorf("%w: no cell has %s == %q", ErrUnknownLevel, factor, level)
	}
	return restrict(s, retain)
}
