// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molecule

import (
	"github.com/gomlx/molgrid/internal/metrics"
	"github.com/gomlx/molgrid/internal/warnonce"
	"k8s.io/klog/v2"
)

// Atomizer converts typed atoms into a Record: atoms are assigned the channel of their type
// (plus Offset) and a radius; atoms whose type has no channel are dropped.
type Atomizer struct {
	Map    *TypeMap
	Offset int
	Radius RadiusOptions

	// Warnings deduplicates the warnings about dropped atoms. If nil, they are not logged.
	Warnings *warnonce.Set
}

// Channel returns the grid channel (including Offset) for atom type t, or false if it is not gridded.
func (az Atomizer) Channel(t AtomType) (int, bool) {
	ch, ok := az.Map.Channel(t)
	if !ok {
		return -1, false
	}
	return ch + az.Offset, true
}

// Build the record for the named molecule. The center is the centroid of the retained atoms.
// A molecule without retained atoms is logged and returned empty, with a zero center.
func (az Atomizer) Build(name string, atoms []TypedAtom) *Record {
	rec := NewRecord()
	rec.Atoms = make([]Atom, 0, len(atoms))
	for _, a := range atoms {
		ch, ok := az.Channel(a.Type)
		if !ok {
			metrics.AtomsDropped.Inc()
			if az.Warnings != nil {
				az.Warnings.Warningf(warnonce.UnknownAtomType,
					"Unknown atom type %s (%d) in %q: this atom will be discarded.", a.Type, int(a.Type), name)
			}
			continue
		}
		rec.Add(Atom{X: a.X, Y: a.Y, Z: a.Z, Radius: az.Radius.Radius(a.Type)}, ch)
	}
	if rec.Len() == 0 {
		klog.Warningf("No atoms in %q", name)
	}
	rec.Center = rec.Centroid()
	return rec
}
