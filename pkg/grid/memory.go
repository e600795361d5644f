// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Names used for the in-memory molecules in logs.
const (
	memReceptorName = "<in-memory receptor>"
	memLigandName   = "<in-memory ligand>"
)

func (p *Pipeline) checkInMemory(method string) {
	if !p.cfg.InMemory {
		exceptions.Panicf("Pipeline.%s requires inmemory to be set", method)
	}
}

// SetReceptor sets the receptor gridded in in-memory mode.
//
// If rotate is not zero (its Real part is not 0), the atoms are first rotated by rotate around
// the ligand center and then translated by translate: in that case SetLigand (or SetCenter) must be
// called before. Otherwise atoms are used as given.
func (p *Pipeline) SetReceptor(atoms []molecule.TypedAtom, translate r3.Vec, rotate quat.Number) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkInMemory("SetReceptor")
	rec := p.receptors.Atomizer().Build(memReceptorName, atoms)
	if rotate.Real != 0 {
		if !p.hasCenter() {
			exceptions.Panicf("Pipeline.SetReceptor with a rotation requires the ligand center, call SetLigand first")
		}
		t := transform.Transform{Rotation: rotate, Center: r3.Scale(-1, translate)}
		for ii := range rec.Atoms {
			atom := &rec.Atoms[ii]
			atom.SetPos(t.ApplyPoint(atom.Pos(), p.memCenter))
		}
		rec.Center = rec.Centroid()
	}
	p.memReceptor = rec
}

// SetLigand sets the ligand gridded in in-memory mode. The grid is centered on the ligand center,
// recalculated as the centroid of the atoms if calcCenter is set or if no center was set before.
func (p *Pipeline) SetLigand(atoms []molecule.TypedAtom, calcCenter bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkInMemory("SetLigand")
	rec := p.ligands.Atomizer().Build(memLigandName, atoms)
	if calcCenter || !p.hasCenter() {
		p.memCenter = rec.Centroid()
	}
	rec.Center = p.memCenter
	p.memLigand = rec
}

// SetCenter sets the center of the in-memory ligand, and hence of the grid.
func (p *Pipeline) SetCenter(center r3.Vec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memCenter = center
	if p.memLigand != nil {
		p.memLigand.Center = center
	}
}

// Center returns the center of the in-memory ligand. It is NaN if not set yet.
func (p *Pipeline) Center() r3.Vec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memCenter
}

func (p *Pipeline) hasCenter() bool {
	c := p.memCenter
	return !math.IsNaN(c.X) && !math.IsNaN(c.Y) && !math.IsNaN(c.Z)
}

// SetLabels sets the targets of the in-memory example. They are required before Forward.
func (p *Pipeline) SetLabels(label, affinity, rmsd float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkInMemory("SetLabels")
	rec := example.NewRecord()
	rec.Receptor = example.NoHandle
	rec.Label, rec.Affinity, rec.RMSD = label, affinity, rmsd
	rec.Weight = example.OptionsFromConfig(&p.cfg).AffinityWeight(affinity)
	p.memLabels = rec
	p.memLabelsSet = true
}
