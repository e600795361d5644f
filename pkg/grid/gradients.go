// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Slot returns the state of the i-th grid of the last batch. It panics if i is out of range.
//
// The returned Slot is overwritten by the next call to Forward, and its gradients by Backward: it must
// not be read while those run. The accessors below (ReceptorAtoms, LigandGradient, ...) synchronize with
// them instead. The slices they return belong to the last batch: Forward doesn't modify them, but Backward
// and Relevance overwrite the gradients and relevance in place.
func (p *Pipeline) Slot(i int) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot(i)
}

func (p *Pipeline) slot(i int) *Slot {
	if i < 0 || i >= len(p.slots) {
		exceptions.Panicf("grid slot %d out of range, batch has %d grids", i, len(p.slots))
	}
	return p.slots[i]
}

// ReceptorAtoms returns the receptor atoms gridded in slot i, in grid coordinates.
func (p *Pipeline) ReceptorAtoms(i int) []molecule.Atom {
	s := p.builtSlot(i)
	return s.Record.Atoms[:s.NumReceptorAtoms]
}

// LigandAtoms returns the ligand atoms gridded in slot i, in grid coordinates.
func (p *Pipeline) LigandAtoms(i int) []molecule.Atom {
	s := p.builtSlot(i)
	return s.Record.Atoms[s.NumReceptorAtoms:]
}

// ReceptorChannels returns the channels of the receptor atoms of slot i.
func (p *Pipeline) ReceptorChannels(i int) []int16 {
	s := p.builtSlot(i)
	return s.Record.Channels[:s.NumReceptorAtoms]
}

// LigandChannels returns the channels of the ligand atoms of slot i.
func (p *Pipeline) LigandChannels(i int) []int16 {
	s := p.builtSlot(i)
	return s.Record.Channels[s.NumReceptorAtoms:]
}

// ReceptorGradient returns the gradients of the receptor atoms of slot i, computed by the last Backward.
// It panics if they were not computed.
func (p *Pipeline) ReceptorGradient(i int) []r3.Vec {
	s := p.builtSlot(i)
	s.checkGradients()
	return s.Record.Gradient[:s.NumReceptorAtoms]
}

// LigandGradient returns the gradients of the ligand atoms of slot i, computed by the last Backward.
// It panics if they were not computed.
func (p *Pipeline) LigandGradient(i int) []r3.Vec {
	s := p.builtSlot(i)
	s.checkGradients()
	return s.Record.Gradient[s.NumReceptorAtoms:]
}

// MappedReceptorGradient returns the gradients of the receptor atoms of slot i keyed by their
// coordinates (see GradientKey). Atoms at the same coordinates share an entry, the last one wins.
func (p *Pipeline) MappedReceptorGradient(i int) map[string]r3.Vec {
	return mappedGradient(p.ReceptorAtoms(i), p.ReceptorGradient(i))
}

// MappedLigandGradient returns the gradients of the ligand atoms of slot i keyed by their coordinates.
func (p *Pipeline) MappedLigandGradient(i int) map[string]r3.Vec {
	return mappedGradient(p.LigandAtoms(i), p.LigandGradient(i))
}

func mappedGradient(atoms []molecule.Atom, gradients []r3.Vec) map[string]r3.Vec {
	mapped := make(map[string]r3.Vec, len(atoms))
	for ii, atom := range atoms {
		mapped[GradientKey(atom.Pos())] = gradients[ii]
	}
	return mapped
}

// GradientKey returns the key of an atom position in the mapped gradients: its coordinates with
// 3 decimal places, concatenated, e.g. "1.000-2.5000.125". A negative zero coordinate is printed as "0.000".
func GradientKey(pos r3.Vec) string {
	positiveZero := func(v float64) float64 {
		if v == 0 {
			return 0
		}
		return v
	}
	return fmt.Sprintf("%.3f%.3f%.3f", positiveZero(pos.X), positiveZero(pos.Y), positiveZero(pos.Z))
}

// ReceptorTransformationGradient reduces the receptor atom gradients of slot i to the gradient of
// a rigid-body transformation of the receptor: the force (sum of the gradients) and the torque
// (sum of (position − center) × gradient, around the grid center of the ligand).
//
// Both are returned in the frame of the input molecules. It is only available in in-memory mode,
// and panics if gradients were not computed.
func (p *Pipeline) ReceptorTransformationGradient(i int) (force, torque r3.Vec) {
	s := p.builtSlot(i)
	if !s.InMemory {
		exceptions.Panicf("ReceptorTransformationGradient is only available in in-memory mode")
	}
	s.checkGradients()
	center := s.Record.Center
	for j := range s.NumReceptorAtoms {
		g := s.Record.Gradient[j]
		force = r3.Add(force, g)
		torque = r3.Add(torque, r3.Cross(r3.Sub(s.Record.Atoms[j].Pos(), center), g))
	}
	inverse := quat.Inv(s.Transform.Rotation)
	return transform.Rotate(inverse, force), transform.Rotate(inverse, torque)
}

// builtSlot returns a copy of the i-th slot, taken while holding the pipeline lock.
func (p *Pipeline) builtSlot(i int) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := *p.slot(i)
	if s.Record == nil {
		exceptions.Panicf("grid slot %d was not built yet, call Pipeline.Forward first", i)
	}
	return &s
}

// ReceptorRelevance returns the relevance of the receptor atoms of slot i, computed by the last call
// to Relevance. It panics if it was not computed.
func (p *Pipeline) ReceptorRelevance(i int) []float32 {
	s := p.builtSlot(i)
	s.checkRelevance()
	return s.Relevance[:s.NumReceptorAtoms]
}

// LigandRelevance returns the relevance of the ligand atoms of slot i.
func (p *Pipeline) LigandRelevance(i int) []float32 {
	s := p.builtSlot(i)
	s.checkRelevance()
	return s.Relevance[s.NumReceptorAtoms:]
}
