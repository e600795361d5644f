// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/molecule"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Geometry of the grids of a pipeline.
type Geometry struct {
	// Dimension is the side of the grid cube, and Resolution the distance between grid points, in Angstroms.
	Dimension, Resolution float64

	// Points is the number of grid points on each side of the cube.
	Points int

	// NumChannels is the number of atom type channels, the leading axis of each grid.
	NumChannels int

	// Options of the rasterization, see config.Config.
	RadiusMultiple            float64
	BinaryOccupancy, Spherical bool
}

func newGeometry(cfg *config.Config, numChannels int) Geometry {
	g := Geometry{
		Dimension:       cfg.Dimension,
		Resolution:      cfg.Resolution,
		Points:          cfg.GridPoints(),
		NumChannels:     numChannels,
		RadiusMultiple:  cfg.RadiusMultiple,
		BinaryOccupancy: cfg.BinaryOccupancy,
		Spherical:       cfg.SphericalMask,
	}
	if g.BinaryOccupancy {
		g.RadiusMultiple = 1
	}
	return g
}

// ChannelSize is the number of values of one channel of a grid: Points³.
func (g Geometry) ChannelSize() int {
	return g.Points * g.Points * g.Points
}

// GridSize is the number of values of one grid: NumChannels·Points³.
func (g Geometry) GridSize() int {
	return g.NumChannels * g.ChannelSize()
}

// Request holds the atoms of one grid, as given to an Engine.
//
// The pipeline applies all transforms to the atoms before handing them to the engine, so Center is
// the origin and Rotation the identity, but engines are expected to honor them.
type Request struct {
	Geometry

	// Center of the grid.
	Center r3.Vec

	// Rotation of the atoms around Center, before gridding.
	Rotation quat.Number

	// Atoms and their channels. They must not be modified by the engine.
	Atoms    []molecule.Atom
	Channels []int16
}

// Engine rasterizes atoms into dense grids, and maps grid gradients back onto atoms.
//
// Grids are laid out as [NumChannels, Points, Points, Points], where the grid point (i, j, k) is
// at Center - Dimension/2 + (i, j, k)·Resolution.
type Engine interface {
	// Forward writes the grid of the request into grid, which has Geometry.GridSize() values.
	Forward(req *Request, grid []float32) error

	// Backward sets atomGradient (one per atom of the request) to the gradient of the loss with respect
	// to the positions of the atoms, given the gradient of the loss with respect to the grid values.
	Backward(req *Request, gridGradient []float32, atomGradient []r3.Vec) error
}

// DeviceEngine is an Engine that can also keep the atoms and grids resident in an accelerator.
// It is used when the configuration sets use_device.
type DeviceEngine interface {
	Engine

	// ForwardDevice is the device resident version of Forward.
	ForwardDevice(req *Request, grid []float32) error

	// BackwardDevice is the device resident version of Backward.
	BackwardDevice(req *Request, gridGradient []float32, atomGradient []r3.Vec) error
}

// RelevanceEngine is an Engine that can also attribute the relevance of grid values back to the atoms,
// e.g. for layer-wise relevance propagation of a trained model.
type RelevanceEngine interface {
	Engine

	// Relevance sets atomRelevance (one per atom of the request) given the grid built by Forward for the
	// request and the relevance of each of its values.
	Relevance(req *Request, grid, gridRelevance []float32, atomRelevance []float32) error
}
