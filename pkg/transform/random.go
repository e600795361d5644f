// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transform

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/molgrid/pkg/molecule"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// NumAxialRotations is the number of proper rotations of a cube, enumerated by AxialQuaternion.
const NumAxialRotations = 24

// RandomQuaternion returns a unit quaternion sampled uniformly over the rotation group, using
// 3 uniform samples u1, u2, u3 in [0, 1):
//
//	(√(1−u1)·sin(2πu2), √(1−u1)·cos(2πu2), √u1·sin(2πu3), √u1·cos(2πu3))
//
// See http://planning.cs.uiuc.edu/node198.html.
func RandomQuaternion(rng *rand.Rand) quat.Number {
	u1, u2, u3 := rng.Float64(), rng.Float64(), rng.Float64()
	sq1, sq := math.Sqrt(1-u1), math.Sqrt(u1)
	return quat.Number{
		Real: sq1 * math.Sin(2*math.Pi*u2),
		Imag: sq1 * math.Cos(2*math.Pi*u2),
		Jmag: sq * math.Sin(2*math.Pi*u3),
		Kmag: sq * math.Cos(2*math.Pi*u3),
	}
}

// RandomDisplacement returns a vector whose coordinates are independently sampled from [-maxTranslate, maxTranslate].
func RandomDisplacement(rng *rand.Rand, maxTranslate float64) r3.Vec {
	return r3.Vec{
		X: (rng.Float64()*2 - 1) * maxTranslate,
		Y: (rng.Float64()*2 - 1) * maxTranslate,
		Z: (rng.Float64()*2 - 1) * maxTranslate,
	}
}

var (
	sqrtHalf = math.Sqrt(0.5)

	// faceRotations bring each of the 6 faces of a cube to the front.
	faceRotations = [6]quat.Number{
		{Real: 1},                         // Identity.
		{Real: sqrtHalf, Kmag: sqrtHalf},  // z 90°.
		{Kmag: 1},                         // z 180°.
		{Real: sqrtHalf, Kmag: -sqrtHalf}, // z 270°.
		{Real: sqrtHalf, Jmag: sqrtHalf},  // y 90°.
		{Real: sqrtHalf, Jmag: -sqrtHalf}, // y -90°.
	}

	// xRotations are the 4 rotations around the x-axis by multiples of 90°.
	xRotations = [4]quat.Number{
		{Real: 1},
		{Real: sqrtHalf, Imag: sqrtHalf},
		{Imag: 1},
		{Real: sqrtHalf, Imag: -sqrtHalf},
	}
)

// AxialQuaternion returns one of the 24 rotations of a cube onto itself: rotation%6 selects the face
// rotation, and (rotation/6)%4 the following rotation around the x-axis.
//
// It cycles with period NumAxialRotations, and AxialQuaternion(0) is the identity.
func AxialQuaternion(rotation int) quat.Number {
	face := faceRotations[rotation%6]
	x := xRotations[(rotation/6)%4]
	return quat.Mul(face, x)
}

// BatchQuaternion returns the rotation of the batch element at index slot when batch rotation is
// enabled: the Euler angles (yaw, roll, pitch) are multiplied by the slot index, so each element of
// the batch gets a distinct, reproducible rotation.
func BatchQuaternion(slot int, yaw, roll, pitch float64) quat.Number {
	i := float64(slot)
	cy, sy := math.Cos(yaw*0.5*i), math.Sin(yaw*0.5*i)
	cr, sr := math.Cos(roll*0.5*i), math.Sin(roll*0.5*i)
	cp, sp := math.Cos(pitch*0.5*i), math.Sin(pitch*0.5*i)
	return quat.Number{
		Real: cy*cr*cp + sy*sr*sp,
		Imag: cy*sr*cp - sy*cr*sp,
		Jmag: cy*cr*sp + sy*sr*cp,
		Kmag: sy*cr*cp - cy*sr*sp,
	}
}

// Jitter displaces each atom of rec independently, by a uniform amount in [-amount, amount] on each axis.
// rec.Center is not changed.
func Jitter(rng *rand.Rand, rec *molecule.Record, amount float64) {
	if amount <= 0 {
		return
	}
	for ii := range rec.Atoms {
		atom := &rec.Atoms[ii]
		atom.X += float32(amount * (rng.Float64()*2 - 1))
		atom.Y += float32(amount * (rng.Float64()*2 - 1))
		atom.Z += float32(amount * (rng.Float64()*2 - 1))
	}
}
