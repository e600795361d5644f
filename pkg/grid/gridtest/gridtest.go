// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gridtest provides a fake grid.Engine and fixtures to test code using grid.Pipeline.
package gridtest

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gomlx/molgrid/pkg/grid"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Engine is a fake grid.Engine that adds 1 to the grid point nearest to each atom (atoms outside the grid
// are ignored), and records the requests it receives.
//
// Backward sets the gradient of each atom to (g, 2g, 3g), where g is the grid gradient at its nearest point.
// Relevance splits the relevance of each grid point evenly among the atoms gridded at it.
type Engine struct {
	// Err, if set, is returned by all calls.
	Err error

	mu       sync.Mutex
	requests []grid.Request
}

var _ grid.RelevanceEngine = (*Engine)(nil)

// Requests returns copies of the requests received by Forward, in order.
func (e *Engine) Requests() []grid.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]grid.Request(nil), e.requests...)
}

// LastRequest returns the last request received by Forward. It panics if there was none.
func (e *Engine) LastRequest() grid.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.requests[len(e.requests)-1]
}

func (e *Engine) record(req *grid.Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	reqCopy := *req
	reqCopy.Atoms = append([]molecule.Atom(nil), req.Atoms...)
	reqCopy.Channels = append([]int16(nil), req.Channels...)
	e.requests = append(e.requests, reqCopy)
}

// Forward implements grid.Engine.
func (e *Engine) Forward(req *grid.Request, values []float32) error {
	if e.Err != nil {
		return e.Err
	}
	e.record(req)
	clear(values)
	for ii, atom := range req.Atoms {
		if idx, ok := PointIndex(req, atom.Pos(), int(req.Channels[ii])); ok {
			values[idx]++
		}
	}
	return nil
}

// Backward implements grid.Engine.
func (e *Engine) Backward(req *grid.Request, gridGradient []float32, atomGradient []r3.Vec) error {
	if e.Err != nil {
		return e.Err
	}
	for ii, atom := range req.Atoms {
		atomGradient[ii] = r3.Vec{}
		if idx, ok := PointIndex(req, atom.Pos(), int(req.Channels[ii])); ok {
			g := float64(gridGradient[idx])
			atomGradient[ii] = r3.Vec{X: g, Y: 2 * g, Z: 3 * g}
		}
	}
	return nil
}

// Relevance implements grid.RelevanceEngine.
func (e *Engine) Relevance(req *grid.Request, values, gridRelevance []float32, atomRelevance []float32) error {
	if e.Err != nil {
		return e.Err
	}
	for ii, atom := range req.Atoms {
		atomRelevance[ii] = 0
		if idx, ok := PointIndex(req, atom.Pos(), int(req.Channels[ii])); ok && values[idx] != 0 {
			atomRelevance[ii] = gridRelevance[idx] / values[idx]
		}
	}
	return nil
}

// PointIndex returns the index in the grid of the request of the point nearest to pos in channel ch,
// or false if pos is outside the grid.
func PointIndex(req *grid.Request, pos r3.Vec, ch int) (int, bool) {
	if q := req.Rotation; q != (quat.Number{}) && q != transform.IdentityRotation {
		pos = r3.Add(transform.Rotate(req.Rotation, r3.Sub(pos, req.Center)), req.Center)
	}
	half := req.Dimension / 2
	origin := r3.Sub(req.Center, r3.Vec{X: half, Y: half, Z: half})
	coords := [3]float64{pos.X - origin.X, pos.Y - origin.Y, pos.Z - origin.Z}
	idx := ch
	for _, c := range coords {
		i := int(math.Round(c / req.Resolution))
		if i < 0 || i >= req.Points {
			return 0, false
		}
		idx = idx*req.Points + i
	}
	return idx, true
}

// DeviceEngine wraps Engine as a grid.DeviceEngine, counting the calls to the device methods.
type DeviceEngine struct {
	Engine

	mu          sync.Mutex
	deviceCalls int
}

var _ grid.DeviceEngine = (*DeviceEngine)(nil)

// DeviceCalls returns the number of calls to ForwardDevice and BackwardDevice.
func (e *DeviceEngine) DeviceCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deviceCalls
}

func (e *DeviceEngine) countCall() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deviceCalls++
}

// ForwardDevice implements grid.DeviceEngine.
func (e *DeviceEngine) ForwardDevice(req *grid.Request, values []float32) error {
	e.countCall()
	return e.Forward(req, values)
}

// BackwardDevice implements grid.DeviceEngine.
func (e *DeviceEngine) BackwardDevice(req *grid.Request, gridGradient []float32, atomGradient []r3.Vec) error {
	e.countCall()
	return e.Backward(req, gridGradient, atomGradient)
}

// WriteAtoms writes the atoms in an uncompressed ".gninatypes" file under dir, and returns its name
// relative to dir.
func WriteAtoms(tb testing.TB, dir, name string, atoms ...molecule.TypedAtom) string {
	tb.Helper()
	var buf bytes.Buffer
	require.NoError(tb, molecule.WriteGninatypes(&buf, atoms))
	path := filepath.Join(dir, name)
	require.NoError(tb, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tb, os.WriteFile(path, buf.Bytes(), 0o644))
	return name
}

// WriteSource writes an examples source file with the given lines in dir, and returns its path.
func WriteSource(tb testing.TB, dir, name string, lines ...string) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	require.NoError(tb, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}
