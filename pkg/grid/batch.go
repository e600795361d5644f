// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Batch is the output of one Pipeline.Forward step.
//
// Optional outputs are nil when not configured: Affinities (has_affinity), RMSDs (has_rmsd),
// Weights (affinity_reweight_stdcut > 0) and Perturbations (peturb_ligand).
type Batch struct {
	Geometry

	// Size is the number of grids: batch_size, or batch_size·num_poses with duplicate_poses.
	Size int

	// Grids holds Size grids, shaped [Size, NumChannels, Points, Points, Points].
	Grids []float32

	Labels, Affinities, RMSDs, Weights []float32

	// Perturbations holds transform.PerturbationSize values per grid, the targets of the ligand
	// perturbation (discretized if peturb_bins > 0).
	Perturbations []float32

	// Examples that generated each grid.
	Examples []example.Record
}

// Shape of Grids.
func (b *Batch) Shape() []int {
	return []int{b.Size, b.NumChannels, b.Points, b.Points, b.Points}
}

// Grid returns the values of the i-th grid of the batch.
func (b *Batch) Grid(i int) []float32 {
	size := b.GridSize()
	return b.Grids[i*size : (i+1)*size]
}

// Perturbation returns the perturbation targets of the i-th grid, or nil if perturbations are not enabled.
func (b *Batch) Perturbation(i int) []float32 {
	if b.Perturbations == nil {
		return nil
	}
	return b.Perturbations[i*transform.PerturbationSize : (i+1)*transform.PerturbationSize]
}

// Slot holds the state of one grid of the last batch: the gridded atoms and their gradients, and
// the transforms used to build it.
type Slot struct {
	// Example gridded in the slot, and Pose its ligand pose when poses are duplicated (0 otherwise).
	Example example.Record
	Pose    int

	// Transform is the primary transform applied to the receptor and ligand. Its Center includes the
	// grid center and the random displacement.
	Transform transform.Transform

	// Perturbation of the ligand, if enabled: the target that undoes it.
	Perturbed    bool
	Perturbation transform.Perturbation

	// Record holds the gridded atoms, in grid coordinates (grid centered at the origin): receptor atoms
	// first, followed by the ligand atoms. Gradients are set by Pipeline.Backward.
	Record *molecule.Record

	// NumReceptorAtoms is the number of receptor atoms at the start of Record.
	NumReceptorAtoms int

	// InMemory is set if the slot was built from the in-memory molecules.
	InMemory bool

	// Relevance of each atom of Record, set by Pipeline.Relevance. It is nil until then.
	Relevance []float32

	perturbRotation   quat.Number
	gradientsComputed bool
}

func (s *Slot) reset() {
	*s = Slot{
		Transform:       transform.Identity(),
		perturbRotation: transform.IdentityRotation,
	}
}

// IsReceptor returns whether atom j of Record belongs to the receptor.
func (s *Slot) IsReceptor(j int) bool {
	return j < s.NumReceptorAtoms
}

// GradientsComputed returns whether Record.Gradient was set by the last Pipeline.Backward.
func (s *Slot) GradientsComputed() bool { return s.gradientsComputed }

// InputFrameGradient returns the gradient of atom j rotated back to the frame of the input molecules,
// undoing the rotations applied to the atom (primary rotation and, for ligand atoms, the perturbation).
//
// It panics if gradients were not computed.
func (s *Slot) InputFrameGradient(j int) r3.Vec {
	s.checkGradients()
	rotation := s.Transform.Rotation
	if !s.IsReceptor(j) && s.Perturbed {
		rotation = quat.Mul(s.perturbRotation, rotation)
	}
	return transform.Rotate(quat.Inv(rotation), s.Record.Gradient[j])
}

func (s *Slot) checkGradients() {
	if !s.gradientsComputed || s.Record == nil {
		exceptions.Panicf("atom gradients were not computed for this slot, call Pipeline.Backward first")
	}
}

func (s *Slot) checkRelevance() {
	if s.Relevance == nil || s.Record == nil {
		exceptions.Panicf("atom relevance was not computed for this slot, call Pipeline.Relevance first")
	}
}
