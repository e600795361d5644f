// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package molecule holds the atoms of the structures gridded by the pipeline: the atom types and
// their mapping to grid channels, the readers of structure files and the cache of parsed molecules.
package molecule

import (
	"math"

	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/spatial/r3"
)

// Atom is a gridded atom: its position and radius, in Angstroms.
type Atom struct {
	X, Y, Z, Radius float32
}

// Pos returns the position of the atom.
func (a Atom) Pos() r3.Vec {
	return r3.Vec{X: float64(a.X), Y: float64(a.Y), Z: float64(a.Z)}
}

// SetPos sets the position of the atom.
func (a *Atom) SetPos(p r3.Vec) {
	a.X, a.Y, a.Z = float32(p.X), float32(p.Y), float32(p.Z)
}

// Record holds the gridded atoms of a molecule (or of a composition of molecules), with their
// channels and gradients. Atoms, Channels and Gradient always have the same length.
//
// A Record published in a Cache is shared and must be treated as read-only: use Clone before
// modifying it.
type Record struct {
	Atoms    []Atom
	Channels []int16
	Gradient []r3.Vec

	// Center is the centroid of the atoms, used as the rotation origin. It is NaN until set.
	Center r3.Vec
}

// NewRecord returns an empty record with an undefined (NaN) center.
func NewRecord() *Record {
	nan := math.NaN()
	return &Record{Center: r3.Vec{X: nan, Y: nan, Z: nan}}
}

// Len returns the number of atoms.
func (r *Record) Len() int { return len(r.Atoms) }

// HasCenter returns whether the center was set.
func (r *Record) HasCenter() bool {
	return !math.IsNaN(r.Center.X) && !math.IsNaN(r.Center.Y) && !math.IsNaN(r.Center.Z)
}

// Add appends one atom, with a zero gradient.
func (r *Record) Add(atom Atom, channel int) {
	r.Atoms = append(r.Atoms, atom)
	r.Channels = append(r.Channels, int16(channel))
	r.Gradient = append(r.Gradient, r3.Vec{})
}

// Append the atoms of other, with their channels incremented by channelOffset. The center is not changed.
func (r *Record) Append(other *Record, channelOffset int) {
	r.Atoms = append(r.Atoms, other.Atoms...)
	r.Channels = append(r.Channels, make([]int16, len(other.Channels))...)
	offsetChannels := r.Channels[len(r.Channels)-len(other.Channels):]
	for ii, ch := range other.Channels {
		offsetChannels[ii] = ch + int16(channelOffset)
	}
	r.Gradient = append(r.Gradient, other.Gradient...)
	r.checkLengths()
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	return &Record{
		Atoms:    append([]Atom(nil), r.Atoms...),
		Channels: append([]int16(nil), r.Channels...),
		Gradient: append([]r3.Vec(nil), r.Gradient...),
		Center:   r.Center,
	}
}

// Centroid returns the mean position of the atoms, or the zero vector if there are none.
func (r *Record) Centroid() r3.Vec {
	var c r3.Vec
	if len(r.Atoms) == 0 {
		return c
	}
	for _, a := range r.Atoms {
		c = r3.Add(c, a.Pos())
	}
	return r3.Scale(1/float64(len(r.Atoms)), c)
}

// Radius returns the largest distance from the centroid of the atoms (not Center) to any atom.
func (r *Record) Radius() float64 {
	c := r.Centroid()
	var maxDist float64
	for _, a := range r.Atoms {
		maxDist = max(maxDist, r3.Norm(r3.Sub(a.Pos(), c)))
	}
	return maxDist
}

// ResetGradient zeroes the gradient of all atoms.
func (r *Record) ResetGradient() {
	clear(r.Gradient)
}

func (r *Record) checkLengths() {
	if len(r.Atoms) != len(r.Channels) || len(r.Atoms) != len(r.Gradient) {
		exceptions.Panicf("molecule.Record has inconsistent lengths: %d atoms, %d channels, %d gradients",
			len(r.Atoms), len(r.Channels), len(r.Gradient))
	}
}
