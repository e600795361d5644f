// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"math/rand/v2"

	"github.com/gomlx/molgrid/pkg/config"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Policy selects the augmentations applied to each gridded example.
type Policy struct {
	// RandomRotation samples a uniform random rotation for each example.
	RandomRotation bool

	// RandomTranslate is the maximum displacement, per axis, of the grid center. It is further limited
	// so that the ligand stays within the sphere inscribed in the grid.
	RandomTranslate float64

	// Dimension of the grid (side of the cube), in Angstroms.
	Dimension float64

	// IgnoreLigand treats the ligand radius as 0 when limiting the random translation.
	IgnoreLigand bool

	// NumRotations, if > 0, composes one of the first NumRotations axial rotations into each transform,
	// advancing to the next one with each call to Generator.Primary.
	NumRotations int

	// BatchRotate gives batch element i the rotation BatchQuaternion(i, Yaw, Roll, Pitch).
	// RandomRotation takes precedence.
	BatchRotate      bool
	Yaw, Roll, Pitch float64

	// Perturb enables the ligand perturbation: a translation up to PerturbTranslate per axis, and
	// if PerturbRotate a uniform random rotation.
	Perturb          bool
	PerturbTranslate float64
	PerturbRotate    bool

	// Jitter is the maximum random displacement of each atom, per axis.
	Jitter float64
}

// PolicyFromConfig returns the augmentation policy configured in cfg.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		RandomRotation:   cfg.RandomRotation,
		RandomTranslate:  cfg.RandomTranslate,
		Dimension:        cfg.Dimension,
		IgnoreLigand:     cfg.IgnoreLigand,
		NumRotations:     min(cfg.Rotate, NumAxialRotations),
		BatchRotate:      cfg.BatchRotate,
		Yaw:              cfg.BatchRotateYaw,
		Roll:             cfg.BatchRotateRoll,
		Pitch:            cfg.BatchRotatePitch,
		Perturb:          cfg.PeturbLigand,
		PerturbTranslate: cfg.PeturbLigandTranslate,
		PerturbRotate:    cfg.PeturbLigandRotate,
		Jitter:           cfg.Jitter,
	}
}

// Generator produces the transforms of a Policy, drawing from its random number generator.
//
// It is not safe for concurrent use.
type Generator struct {
	Policy

	rng             *rand.Rand
	currentRotation int
}

// NewGenerator creates a Generator for the policy.
func NewGenerator(policy Policy, rng *rand.Rand) *Generator {
	return &Generator{Policy: policy, rng: rng}
}

// RNG returns the random number generator used by the generator.
func (g *Generator) RNG() *rand.Rand { return g.rng }

// MaxTranslate returns the maximum displacement of the grid center for a ligand with the given radius:
// the configured RandomTranslate, limited so the ligand doesn't leave the sphere inscribed in the grid.
func (g *Generator) MaxTranslate(ligandRadius float64) float64 {
	if g.IgnoreLigand {
		ligandRadius = 0
	}
	return min(g.RandomTranslate, max(g.Dimension/2-ligandRadius, 0))
}

// Primary returns the transform of the batch element at index slot, for a ligand of the given radius.
// The returned Center holds only the random displacement: the caller adds the grid center.
//
// If axial rotations are enabled, it advances to the next one.
func (g *Generator) Primary(slot int, ligandRadius float64) Transform {
	t := Identity()
	if g.BatchRotate {
		t.Rotation = BatchQuaternion(slot, g.Yaw, g.Roll, g.Pitch)
	}
	if g.RandomRotation {
		t.Rotation = RandomQuaternion(g.rng)
	}
	if g.RandomTranslate > 0 {
		t.Center = r3.Add(t.Center, RandomDisplacement(g.rng, g.MaxTranslate(ligandRadius)))
	}
	if g.NumRotations > 0 {
		if g.currentRotation > 0 {
			t.Rotation = quat.Mul(t.Rotation, AxialQuaternion(g.currentRotation))
		}
		g.currentRotation = (g.currentRotation + 1) % g.NumRotations
	}
	return t
}

// CurrentRotation returns the index of the axial rotation used by the next call to Primary.
func (g *Generator) CurrentRotation() int { return g.currentRotation }

// ResetRotation restarts the cycle of axial rotations.
func (g *Generator) ResetRotation() { g.currentRotation = 0 }

// Perturbation returns a new ligand perturbation transform: a random (or identity, if PerturbRotate is
// false) rotation and a random displacement of up to PerturbTranslate per axis.
func (g *Generator) Perturbation() Transform {
	t := Identity()
	if g.PerturbRotate {
		t.Rotation = RandomQuaternion(g.rng)
	}
	t.Center = RandomDisplacement(g.rng, g.PerturbTranslate)
	return t
}
