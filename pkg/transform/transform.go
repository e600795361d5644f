// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transform generates and applies the rigid-body transforms used to augment the gridded
// molecules: uniform random rotations, bounded random translations, the 24 axial rotations of a cube,
// batch-synchronized rotations and the ligand perturbations used as pose refinement targets.
//
// Quaternions are gonum's quat.Number, with Real as the scalar part, and vectors are r3.Vec.
package transform

import (
	"fmt"

	"github.com/gomlx/molgrid/pkg/molecule"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// IdentityRotation is the quaternion of the identity rotation.
var IdentityRotation = quat.Number{Real: 1}

// Transform is a rigid-body transform: a rotation around the center of the transformed molecule,
// followed by a translation by -Center.
//
// Center is usually the sum of the grid center (e.g. the ligand centroid) and a random displacement,
// so applying the transform brings the molecule into the grid frame, where the grid is centered at
// the origin.
type Transform struct {
	Rotation quat.Number
	Center   r3.Vec
}

// Identity returns the transform that doesn't change anything.
func Identity() Transform {
	return Transform{Rotation: IdentityRotation}
}

// Reset the transform to the identity.
func (t *Transform) Reset() {
	*t = Identity()
}

// IsIdentityRotation returns whether the rotation is the identity.
func (t Transform) IsIdentityRotation() bool {
	return t.Rotation == IdentityRotation
}

// String implements fmt.Stringer.
func (t Transform) String() string {
	q := t.Rotation
	return fmt.Sprintf("Transform{rotation=(%.4f, %.4f, %.4f, %.4f), center=(%.3f, %.3f, %.3f)}",
		q.Real, q.Imag, q.Jmag, q.Kmag, t.Center.X, t.Center.Y, t.Center.Z)
}

// Rotate returns v rotated by q, that is q·v·q⁻¹. q doesn't need to be normalized.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	if q == IdentityRotation {
		return v
	}
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Inv(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// ApplyPoint returns p rotated around origin, and then translated by -t.Center.
func (t Transform) ApplyPoint(p, origin r3.Vec) r3.Vec {
	p = r3.Add(Rotate(t.Rotation, r3.Sub(p, origin)), origin)
	return r3.Sub(p, t.Center)
}

// Apply the transform in-place to the atoms of rec, rotating them around rec.Center.
// rec.Center is translated along with the atoms.
//
// rec must not be a record shared by a molecule.Cache: use molecule.Record.Clone first.
func (t Transform) Apply(rec *molecule.Record) {
	origin := rec.Center
	for ii := range rec.Atoms {
		atom := &rec.Atoms[ii]
		atom.SetPos(t.ApplyPoint(atom.Pos(), origin))
	}
	rec.Center = r3.Sub(rec.Center, t.Center)
}

// Inverse returns the transform that undoes t on a molecule whose center was transformed by t.
func (t Transform) Inverse() Transform {
	return Transform{
		Rotation: quat.Inv(t.Rotation),
		Center:   r3.Scale(-1, t.Center),
	}
}
