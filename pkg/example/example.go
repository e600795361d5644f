// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package example defines the training example record, the intern table for the structure file
// names it refers to, and the parsing of line-oriented example sources.
package example

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gomlx/molgrid/pkg/config"
	"github.com/pkg/errors"
)

// Record is one training row: targets plus references to the receptor and ligand pose files.
//
// Affinity and RMSD of 0 mean unknown, and should be ignored by the loss.
type Record struct {
	Label    float32
	Affinity float32
	RMSD     float32
	Weight   float32

	Receptor Handle
	Ligands  []Handle
}

// NewRecord returns an empty record with the default weight of 1.
func NewRecord() Record {
	return Record{Weight: 1}
}

// IsActive returns whether the record has a non-zero label.
func (r Record) IsActive() bool {
	return r.Label != 0
}

// String implements fmt.Stringer. Handles are printed as numbers, use Interner.Describe
// for the file names.
func (r Record) String() string {
	return fmt.Sprintf("Record{label=%g, affinity=%g, rmsd=%g, weight=%g, receptor=#%d, ligands=%v}",
		r.Label, r.Affinity, r.RMSD, r.Weight, r.Receptor, r.Ligands)
}

// ParseOptions configure how source lines are parsed.
type ParseOptions struct {
	// HasAffinity and HasRMSD indicate whether the affinity and RMSD columns are present.
	HasAffinity, HasRMSD bool

	// NumPoses is the number of ligand columns. Values <= 0 are taken as 1.
	NumPoses int

	// Affinity reweighting: if ReweightStdCut > 0, examples with non-zero affinity get a weight
	// equal to the inverse of a normal density (up to a constant) with the given mean and
	// standard deviation, with the distance to the mean capped at ReweightStdCut standard deviations.
	ReweightMean, ReweightStd, ReweightStdCut float64
}

// OptionsFromConfig returns the parse options configured in cfg.
func OptionsFromConfig(cfg *config.Config) ParseOptions {
	return ParseOptions{
		HasAffinity:    cfg.HasAffinity,
		HasRMSD:        cfg.HasRMSD,
		NumPoses:       cfg.NumPoses,
		ReweightMean:   cfg.AffinityReweightMean,
		ReweightStd:    cfg.AffinityReweightStd,
		ReweightStdCut: cfg.AffinityReweightStdCut,
	}
}

// AffinityWeight returns the weight of an example with the given affinity.
func (opts ParseOptions) AffinityWeight(affinity float32) float32 {
	if opts.ReweightStdCut <= 0 || affinity == 0 {
		return 1
	}
	x := math.Abs(math.Abs(float64(affinity)) - opts.ReweightMean)
	x = min(x, opts.ReweightStdCut*opts.ReweightStd)
	return float32(math.Exp(x * x / (2 * opts.ReweightStd * opts.ReweightStd)))
}

// ParseLine parses one example line:
//
//	<label> [<affinity>] [<rmsd>] <receptor> <ligand>...
//
// The affinity and RMSD columns are only read if configured, and there are opts.NumPoses ligand columns.
// File names are interned in names.
func ParseLine(names *Interner, line string, opts ParseOptions) (Record, error) {
	rec := NewRecord()
	fields := strings.Fields(line)
	next := func() string {
		if len(fields) == 0 {
			return ""
		}
		f := fields[0]
		fields = fields[1:]
		return f
	}
	parseNumber := func(column string, target *float32) error {
		s := next()
		v, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s %q in line %q", column, s, line)
		}
		*target = float32(v)
		return nil
	}

	if err := parseNumber("label", &rec.Label); err != nil {
		return rec, err
	}
	if opts.HasAffinity {
		if err := parseNumber("affinity", &rec.Affinity); err != nil {
			return rec, err
		}
	}
	if opts.HasRMSD {
		if err := parseNumber("rmsd", &rec.RMSD); err != nil {
			return rec, err
		}
	}
	receptor := next()
	if receptor == "" {
		return rec, errors.Errorf("empty receptor, missing affinity/rmsd? Line: %q", line)
	}
	rec.Receptor = names.Intern(receptor)

	numPoses := max(opts.NumPoses, 1)
	rec.Ligands = make([]Handle, 0, numPoses)
	for range numPoses {
		ligand := next()
		if ligand == "" {
			return rec, errors.Errorf("empty ligand, missing affinity/rmsd? Line: %q", line)
		}
		rec.Ligands = append(rec.Ligands, names.Intern(ligand))
	}
	rec.Weight = opts.AffinityWeight(rec.Affinity)
	return rec, nil
}
