// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// PerturbationSize is the number of values of a Perturbation.
const PerturbationSize = 10

// Perturbation is the training target of the ligand perturbation: the transform that undoes it.
//
// It holds the translation (X, Y, Z), the rotation quaternion (A is the scalar part, B, C, D) and the
// same rotation as Euler angles (Roll, Pitch, Yaw), in radians.
type Perturbation struct {
	X, Y, Z          float32
	A, B, C, D       float32
	Roll, Pitch, Yaw float32
}

// NewPerturbation returns the target that inverts the perturbation transform perturb, applied to a ligand
// after its primary transform: the conjugate of the rotation divided by its squared norm, and the
// negated translation (perturb.Center, since transforms translate by -Center).
func NewPerturbation(perturb Transform) Perturbation {
	var p Perturbation
	p.X, p.Y, p.Z = float32(perturb.Center.X), float32(perturb.Center.Y), float32(perturb.Center.Z)
	p.SetQuaternion(quat.Inv(perturb.Rotation))
	return p
}

// SetQuaternion sets the quaternion values and the corresponding Euler angles.
func (p *Perturbation) SetQuaternion(q quat.Number) {
	a, b, c, d := q.Real, q.Imag, q.Jmag, q.Kmag
	p.A, p.B, p.C, p.D = float32(a), float32(b), float32(c), float32(d)

	// Rotation around x.
	p.Roll = float32(math.Atan2(2*(a*b+c*d), 1-2*(b*b+c*c)))

	// Rotation around y: 90° if out of range.
	sinPitch := 2 * (a*c - d*b)
	if math.Abs(sinPitch) >= 1 {
		p.Pitch = float32(math.Copysign(math.Pi/2, sinPitch))
	} else {
		p.Pitch = float32(math.Asin(sinPitch))
	}

	// Rotation around z.
	p.Yaw = float32(math.Atan2(2*(a*d+b*c), 1-2*(c*c+d*d)))
}

// Quaternion returns the rotation of the perturbation target.
func (p Perturbation) Quaternion() quat.Number {
	return quat.Number{Real: float64(p.A), Imag: float64(p.B), Jmag: float64(p.C), Kmag: float64(p.D)}
}

// Transform returns the transform that undoes the perturbation, to be applied to the perturbed ligand.
func (p Perturbation) Transform() Transform {
	return Transform{
		Rotation: p.Quaternion(),
		Center:   r3.Vec{X: -float64(p.X), Y: -float64(p.Y), Z: -float64(p.Z)},
	}
}

// Values returns the 10 values in order: X, Y, Z, A, B, C, D, Roll, Pitch, Yaw.
func (p Perturbation) Values() [PerturbationSize]float32 {
	return [PerturbationSize]float32{p.X, p.Y, p.Z, p.A, p.B, p.C, p.D, p.Roll, p.Pitch, p.Yaw}
}

// String implements fmt.Stringer.
func (p Perturbation) String() string {
	return fmt.Sprintf("Perturbation{xyz=(%.3f, %.3f, %.3f), q=(%.4f, %.4f, %.4f, %.4f), roll=%.4f, pitch=%.4f, yaw=%.4f}",
		p.X, p.Y, p.Z, p.A, p.B, p.C, p.D, p.Roll, p.Pitch, p.Yaw)
}

// Discretize returns the perturbation with each value replaced by its bin index, for classification
// targets. The ranges are [-maxTranslate, maxTranslate] for the translation, [-1, 1] for the quaternion,
// [-π, π] for roll and yaw, and [-π/2, π/2] for pitch.
func (p Perturbation) Discretize(maxTranslate float64, bins int) Perturbation {
	label := func(v float32, lo, hi float64) float32 {
		return float32(Bin(float64(v), lo, hi, bins))
	}
	return Perturbation{
		X:     label(p.X, -maxTranslate, maxTranslate),
		Y:     label(p.Y, -maxTranslate, maxTranslate),
		Z:     label(p.Z, -maxTranslate, maxTranslate),
		A:     label(p.A, -1, 1),
		B:     label(p.B, -1, 1),
		C:     label(p.C, -1, 1),
		D:     label(p.D, -1, 1),
		Roll:  label(p.Roll, -math.Pi, math.Pi),
		Pitch: label(p.Pitch, -math.Pi/2, math.Pi/2),
		Yaw:   label(p.Yaw, -math.Pi, math.Pi),
	}
}

// Bin returns the bin of value v in [lo, hi] split into bins intervals: round(bins·(v−lo)/(hi−lo)),
// clamped to [0, bins-1]. A degenerate range (lo == hi) maps everything to bin 0.
func Bin(v, lo, hi float64, bins int) int {
	if hi == lo || bins <= 0 {
		return 0
	}
	bin := int(math.Round(float64(bins) * (v - lo) / (hi - lo)))
	return max(0, min(bin, bins-1))
}
