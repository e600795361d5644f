// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid_test

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/molgrid/internal/warnonce"
	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/grid"
	"github.com/gomlx/molgrid/pkg/grid/gridtest"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Channels of the test atoms with the default type maps.
const (
	carbonChannel = 0
	zincChannel   = 15
	oxygenChannel = 16 + 11
	numChannels   = 16 + 19
)

type fixture struct {
	dir    string
	cfg    *config.Config
	engine *gridtest.Engine
}

func atom(x, y, z float32, t molecule.AtomType) molecule.TypedAtom {
	return molecule.TypedAtom{X: x, Y: y, Z: z, Type: t}
}

// Molecules of the fixture, all centered at (10, 10, 10).
var (
	receptorAtoms = []molecule.TypedAtom{
		atom(10, 10, 10, molecule.AliphaticCarbonXSHydrophobe),
		atom(11, 10, 10, molecule.Zinc),
	}
	ligand1Atoms = []molecule.TypedAtom{atom(9, 10, 10, molecule.Oxygen), atom(11, 10, 10, molecule.Oxygen)}
	ligand2Atoms = []molecule.TypedAtom{atom(10, 9, 10, molecule.Oxygen), atom(10, 11, 10, molecule.Oxygen)}
)

// newFixture writes the molecules in a temporary root folder, and configures a 5x5x5 grid with 1Å resolution.
func newFixture(t *testing.T) *fixture {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Dimension, cfg.Resolution = 4, 1
	cfg.RootFolder = dir
	cfg.Seed = 1
	gridtest.WriteAtoms(t, dir, "rec1.gninatypes", receptorAtoms...)
	gridtest.WriteAtoms(t, dir, "lig1.gninatypes", ligand1Atoms...)
	gridtest.WriteAtoms(t, dir, "lig2.gninatypes", ligand2Atoms...)
	gridtest.WriteAtoms(t, dir, "hydrogens.gninatypes", atom(10, 10, 10, molecule.Hydrogen))
	return &fixture{dir: dir, cfg: cfg, engine: &gridtest.Engine{}}
}

func (f *fixture) source(t *testing.T, name string, lines ...string) string {
	return gridtest.WriteSource(t, f.dir, name, lines...)
}

func (f *fixture) newPipeline(t *testing.T, options ...grid.Option) *grid.Pipeline {
	t.Helper()
	p, err := grid.New(f.cfg, f.engine, options...)
	require.NoError(t, err)
	return p
}

func quietWarnings() *warnonce.Set {
	return warnonce.New().WithLogger(func(string, ...any) {})
}

// gridIndex returns the index in a grid of the batch of the point at pos (in the grid frame) in channel ch.
func gridIndex(t *testing.T, b *grid.Batch, pos r3.Vec, ch int) int {
	t.Helper()
	idx, ok := gridtest.PointIndex(&grid.Request{Geometry: b.Geometry, Rotation: transform.IdentityRotation}, pos, ch)
	require.True(t, ok, "position %v outside of the grid", pos)
	return idx
}

func sum(values []float32) (total float32) {
	for _, v := range values {
		total += v
	}
	return
}

func requireVecInDelta(t *testing.T, want, got r3.Vec, delta float64) {
	t.Helper()
	require.InDeltaf(t, want.X, got.X, delta, "want %v, got %v", want, got)
	require.InDeltaf(t, want.Y, got.Y, delta, "want %v, got %v", want, got)
	require.InDeltaf(t, want.Z, got.Z, delta, "want %v, got %v", want, got)
}

func TestForward(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)
	assert.Equal(t, 16, p.NumReceptorTypes())
	assert.Equal(t, 19, p.NumLigandTypes())
	assert.Contains(t, p.Summary(), "channels=35")
	assert.Equal(t, []int{1}, p.NumExamples())

	batch, err := p.Forward()
	require.NoError(t, err)
	require.Equal(t, 2, batch.Size)
	assert.Equal(t, []int{2, numChannels, 5, 5, 5}, batch.Shape())
	assert.Len(t, batch.Grids, 2*numChannels*125)
	assert.Equal(t, []float32{1, 1}, batch.Labels)
	assert.Nil(t, batch.Affinities)
	assert.Nil(t, batch.RMSDs)
	assert.Nil(t, batch.Weights)
	assert.Nil(t, batch.Perturbations)
	assert.Nil(t, batch.Perturbation(0))

	for ii := range batch.Size {
		values := batch.Grid(ii)
		assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{}, carbonChannel)])
		assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{X: 1}, zincChannel)])
		assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{X: -1}, oxygenChannel)])
		assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{X: 1}, oxygenChannel)])
		assert.Equal(t, float32(4), sum(values))

		assert.Equal(t, []int16{carbonChannel, zincChannel}, p.ReceptorChannels(ii))
		assert.Equal(t, []int16{oxygenChannel, oxygenChannel}, p.LigandChannels(ii))
		assert.Equal(t, r3.Vec{X: 1}, p.ReceptorAtoms(ii)[1].Pos())
		assert.Equal(t, float32(1.9), p.ReceptorAtoms(ii)[0].Radius)
		assert.Equal(t, r3.Vec{X: 10, Y: 10, Z: 10}, p.Slot(ii).Transform.Center)
	}

	requests := f.engine.Requests()
	require.Len(t, requests, 2)
	for _, req := range requests {
		assert.Equal(t, r3.Vec{}, req.Center)
		assert.Equal(t, transform.IdentityRotation, req.Rotation)
		assert.Len(t, req.Atoms, 4)
		assert.Equal(t, 5, req.Points)
	}
	assert.Equal(t, 1, p.ReceptorCache().Len())
	assert.Equal(t, 1, p.LigandCache().Len())

	// Cached molecules are not modified by the transforms.
	rec, found := p.ReceptorCache().Get("rec1.gninatypes")
	require.True(t, found)
	assert.Equal(t, r3.Vec{X: 11, Y: 10, Z: 10}, rec.Atoms[1].Pos())

	// Out of range slots and unbuilt slots.
	require.Panics(t, func() { p.Slot(2) })
	require.Panics(t, func() { p.Slot(-1) })
}

func TestForwardTargets(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types",
		"1 6.5 2.0 rec1.gninatypes lig1.gninatypes",
		"0 0 3.0 rec1.gninatypes lig1.gninatypes")
	f.cfg.HasAffinity, f.cfg.HasRMSD = true, true
	f.cfg.AffinityReweightStdCut = 1
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)

	batch, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, batch.Labels)
	assert.Equal(t, []float32{6.5, 0}, batch.Affinities)
	assert.Equal(t, []float32{2, 3}, batch.RMSDs)
	require.Len(t, batch.Weights, 2)
	assert.InDelta(t, math.Exp(0.5), batch.Weights[0], 1e-5)
	assert.Equal(t, float32(1), batch.Weights[1])
	assert.Equal(t, float32(6.5), batch.Examples[0].Affinity)
}

func TestMergedPoses(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes lig2.gninatypes")
	f.cfg.NumPoses = 2
	p := f.newPipeline(t)
	assert.Equal(t, 16+2*19, p.Geometry().NumChannels)

	batch, err := p.Forward()
	require.NoError(t, err)
	require.Equal(t, 1, batch.Size)
	secondPose := oxygenChannel + 19
	assert.Equal(t, []int16{oxygenChannel, oxygenChannel, int16(secondPose), int16(secondPose)}, p.LigandChannels(0))
	values := batch.Grid(0)
	assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{Y: -1}, secondPose)])
	assert.Equal(t, float32(1), values[gridIndex(t, batch, r3.Vec{Y: 1}, secondPose)])
	assert.Equal(t, float32(6), sum(values))
}

func TestDuplicatePoses(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types",
		"1 rec1.gninatypes lig1.gninatypes lig2.gninatypes",
		"0 rec1.gninatypes lig2.gninatypes lig1.gninatypes")
	f.cfg.NumPoses = 2
	f.cfg.DuplicatePoses = true
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)
	assert.Equal(t, numChannels, p.Geometry().NumChannels)
	assert.Equal(t, 4, p.NumSlots())

	batch, err := p.Forward()
	require.NoError(t, err)
	require.Equal(t, 4, batch.Size)
	assert.Equal(t, []float32{1, 1, 0, 0}, batch.Labels)
	for ii := range batch.Size {
		assert.Equal(t, ii%2, p.Slot(ii).Pose)
		assert.Equal(t, []int16{oxygenChannel, oxygenChannel}, p.LigandChannels(ii))
	}
	// Slot 1 holds the second pose of the first example, slot 2 the first pose of the second one.
	for _, ii := range []int{1, 2} {
		atoms := p.LigandAtoms(ii)
		assert.Equal(t, r3.Vec{Y: -1}, atoms[0].Pos())
		assert.Equal(t, r3.Vec{Y: 1}, atoms[1].Pos())
	}
}

func TestTwoSources(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "first.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.Source2 = f.source(t, "second.types", "0 rec1.gninatypes lig2.gninatypes")
	f.cfg.BatchSize = 4

	for _, tc := range []struct {
		ratio float64
		want  []float32
	}{
		{1, []float32{1, 1, 0, 0}},
		{3, []float32{1, 1, 1, 0}},
		{0, []float32{0, 0, 0, 0}},
	} {
		f.cfg.SourceRatio = tc.ratio
		p := f.newPipeline(t)
		assert.Equal(t, []int{1, 1}, p.NumExamples())
		assert.Contains(t, p.Summary(), grid.Source2Name)
		batch, err := p.Forward()
		require.NoError(t, err)
		assert.Equalf(t, tc.want, batch.Labels, "source_ratio=%g", tc.ratio)
	}
}

func TestPerturbation(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.PeturbLigand = true
	f.cfg.PeturbLigandTranslate = 1
	f.cfg.PeturbLigandRotate = true
	p := f.newPipeline(t)

	for range 5 {
		batch, err := p.Forward()
		require.NoError(t, err)
		slot := p.Slot(0)
		require.True(t, slot.Perturbed)
		values := slot.Perturbation.Values()
		assert.Equal(t, values[:], batch.Perturbation(0))
		for _, v := range values[:3] {
			assert.LessOrEqual(t, math.Abs(float64(v)), 1.0)
		}

		// Undoing the perturbation restores the unperturbed ligand.
		xyz := r3.Vec{X: float64(slot.Perturbation.X), Y: float64(slot.Perturbation.Y), Z: float64(slot.Perturbation.Z)}
		lig := molecule.NewRecord()
		for _, a := range p.LigandAtoms(0) {
			lig.Add(a, oxygenChannel)
		}
		lig.Center = r3.Sub(slot.Record.Center, xyz)
		slot.Perturbation.Transform().Apply(lig)
		requireVecInDelta(t, r3.Vec{X: -1}, lig.Atoms[0].Pos(), 1e-4)
		requireVecInDelta(t, r3.Vec{X: 1}, lig.Atoms[1].Pos(), 1e-4)

		// The receptor is not perturbed.
		assert.Equal(t, r3.Vec{X: 1}, p.ReceptorAtoms(0)[1].Pos())
	}

	// Discretized targets.
	f.cfg.PeturbBins = 4
	p = f.newPipeline(t)
	batch, err := p.Forward()
	require.NoError(t, err)
	for _, v := range batch.Perturbation(0) {
		assert.Equal(t, math.Round(float64(v)), float64(v))
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(4))
	}
}

func TestIgnoreLigandAndFixCenter(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.IgnoreLigand = true
	p := f.newPipeline(t)
	batch, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, float32(2), sum(batch.Grid(0)))
	assert.Empty(t, p.LigandAtoms(0))
	assert.Len(t, p.ReceptorAtoms(0), 2)

	f.cfg.IgnoreLigand = false
	f.cfg.FixCenterToOrigin = true
	p = f.newPipeline(t)
	batch, err = p.Forward()
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{}, p.Slot(0).Transform.Center)
	assert.Equal(t, r3.Vec{X: 10, Y: 10, Z: 10}, p.ReceptorAtoms(0)[0].Pos())
	assert.Equal(t, float32(0), sum(batch.Grid(0)), "molecules far from the origin are outside the grid")
}

func TestEmptyExample(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 none hydrogens.gninatypes")
	warnings := quietWarnings()
	p := f.newPipeline(t, grid.WithWarnings(warnings))
	_, err := p.Forward()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no atoms to grid")
	assert.Contains(t, err.Error(), "hydrogens.gninatypes")
	assert.Equal(t, 1, warnings.Count(warnonce.UnknownAtomType))
}

func TestNewErrors(t *testing.T) {
	f := newFixture(t)
	_, err := grid.New(f.cfg, f.engine)
	require.ErrorIs(t, err, config.ErrNoSource)

	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	_, err = grid.New(f.cfg, nil)
	require.Error(t, err)

	f.cfg.UseDevice = true
	_, err = grid.New(f.cfg, f.engine)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DeviceEngine")
	f.cfg.UseDevice = false

	f.cfg.RecMapString = "NotAnAtomType"
	_, err = grid.New(f.cfg, f.engine)
	require.Error(t, err)
	f.cfg.RecMapString = ""

	// Ligand cache whose channels don't follow the receptor channels.
	receptors := molecule.NewCache("receptor", molecule.Atomizer{Map: molecule.DefaultReceptorMap()}, true)
	ligands := molecule.NewCache("ligand", molecule.Atomizer{Map: molecule.DefaultLigandMap()}, true)
	_, err = grid.New(f.cfg, f.engine, grid.WithCaches(receptors, ligands))
	require.Error(t, err)

	f.cfg.Source = f.source(t, "empty.types", "")
	_, err = grid.New(f.cfg, f.engine)
	require.Error(t, err)
}

func TestSharedCaches(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.RecMapString = "AliphaticCarbonXSHydrophobe\nZinc\n"
	f.cfg.LigMapString = "Oxygen\n"
	p1 := f.newPipeline(t)
	assert.Equal(t, 3, p1.Geometry().NumChannels)
	p2 := f.newPipeline(t, grid.WithCaches(p1.ReceptorCache(), p1.LigandCache()))
	_, err := p1.Forward()
	require.NoError(t, err)
	_, err = p2.Forward()
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 1}, p2.ReceptorChannels(0))
	assert.Equal(t, []int16{2, 2}, p2.LigandChannels(0))
	assert.Equal(t, 1, p2.ReceptorCache().Len())
}

func TestMoleculeCacheFiles(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 cached_rec cached_lig")
	writeCacheFile := func(name, molName string, atoms []molecule.TypedAtom) {
		var buf bytes.Buffer
		require.NoError(t, molecule.WriteCacheEntry(&buf, molName, atoms))
		require.NoError(t, os.WriteFile(filepath.Join(f.dir, name), buf.Bytes(), 0o644))
	}
	writeCacheFile("rec.molcache", "cached_rec", receptorAtoms)
	writeCacheFile("lig.molcache", "cached_lig", ligand1Atoms)
	f.cfg.RecMolCache = "rec.molcache"
	f.cfg.LigMolCache = "lig.molcache"
	p := f.newPipeline(t)
	assert.Equal(t, 1, p.ReceptorCache().Len())
	batch, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, float32(4), sum(batch.Grid(0)))
	assert.Equal(t, []int16{oxygenChannel, oxygenChannel}, p.LigandChannels(0))
}

func TestRandSkip(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types",
		"0 rec1.gninatypes lig1.gninatypes",
		"1 rec1.gninatypes lig1.gninatypes",
		"2 rec1.gninatypes lig1.gninatypes")
	f.cfg.RandSkip = 3
	f.cfg.BatchSize = 4
	for seed := range uint64(5) {
		f.cfg.Seed = seed + 1
		p := f.newPipeline(t)
		batch, err := p.Forward()
		require.NoError(t, err)
		for ii := 1; ii < batch.Size; ii++ {
			assert.Equal(t, math.Mod(float64(batch.Labels[ii-1])+1, 3), float64(batch.Labels[ii]))
		}
	}
}

func TestBatchRotate(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.BatchRotate = true
	f.cfg.BatchRotateYaw = math.Pi / 2
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)
	_, err := p.Forward()
	require.NoError(t, err)

	assert.Equal(t, transform.IdentityRotation, p.Slot(0).Transform.Rotation)
	want := transform.BatchQuaternion(1, math.Pi/2, 0, 0)
	assert.Equal(t, want, p.Slot(1).Transform.Rotation)
	atoms := p.LigandAtoms(1)
	requireVecInDelta(t, r3.Vec{Y: -1}, atoms[0].Pos(), 1e-5)
	requireVecInDelta(t, r3.Vec{Y: 1}, atoms[1].Pos(), 1e-5)
}

func TestAxialRotations(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.Rotate = 24
	p := f.newPipeline(t)
	for ii := range 3 {
		_, err := p.Forward()
		require.NoError(t, err)
		assert.Equal(t, transform.AxialQuaternion(ii), p.Slot(0).Transform.Rotation)
	}
	p.ResetRotation()
	_, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, transform.IdentityRotation, p.Slot(0).Transform.Rotation)
}

func TestRandomAugmentation(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.RandomRotation = true
	f.cfg.RandomTranslate = 10
	f.cfg.ComputeAtomGradients = true
	p := f.newPipeline(t)
	for range 10 {
		batch, err := p.Forward()
		require.NoError(t, err)
		slot := p.Slot(0)

		// Translation is limited to keep the ligand (radius 1) inside the grid: 4/2 - 1.
		displacement := r3.Sub(slot.Transform.Center, r3.Vec{X: 10, Y: 10, Z: 10})
		for _, v := range []float64{displacement.X, displacement.Y, displacement.Z} {
			assert.LessOrEqual(t, math.Abs(v), 1.0)
		}

		// Distances are preserved by the rigid transform.
		lig := p.LigandAtoms(0)
		assert.InDelta(t, 2.0, r3.Norm(r3.Sub(lig[0].Pos(), lig[1].Pos())), 1e-4)
		requireVecInDelta(t, r3.Scale(-1, displacement), p.ReceptorAtoms(0)[0].Pos(), 1e-4)

		gradients := make([]float32, len(batch.Grids))
		for ii := range gradients {
			gradients[ii] = 1
		}
		require.NoError(t, p.Backward(gradients))
		g := slot.Record.Gradient[0]
		requireVecInDelta(t, r3.Vec{X: 1, Y: 2, Z: 3}, g, 1e-6)
		inputFrame := slot.InputFrameGradient(0)
		assert.InDelta(t, r3.Norm(g), r3.Norm(inputFrame), 1e-6)
		requireVecInDelta(t, g, transform.Rotate(slot.Transform.Rotation, inputFrame), 1e-6)
	}
}

func TestBackward(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	p := f.newPipeline(t)
	batch, err := p.Forward()
	require.NoError(t, err)
	require.Panics(t, func() { _ = p.Backward(make([]float32, len(batch.Grids))) },
		"Backward requires compute_atom_gradients")

	f.cfg.ComputeAtomGradients = true
	p = f.newPipeline(t)
	require.Error(t, p.Backward(make([]float32, p.NumSlots()*p.Geometry().GridSize())), "Backward before Forward")
	require.Panics(t, func() { p.ReceptorAtoms(0) }, "slot not built yet")
	batch, err = p.Forward()
	require.NoError(t, err)
	require.Panics(t, func() { p.ReceptorGradient(0) }, "gradients not computed")
	require.Panics(t, func() { _ = p.Backward(make([]float32, 10)) }, "wrong size")

	gradients := make([]float32, len(batch.Grids))
	gradients[gridIndex(t, batch, r3.Vec{X: 1}, oxygenChannel)] = 2
	require.NoError(t, p.Backward(gradients))
	assert.Equal(t, []r3.Vec{{}, {}}, p.ReceptorGradient(0))
	assert.Equal(t, []r3.Vec{{}, {X: 2, Y: 4, Z: 6}}, p.LigandGradient(0))
	assert.True(t, p.Slot(0).GradientsComputed())
	require.Panics(t, func() { p.ReceptorTransformationGradient(0) }, "only in in-memory mode")

	// Forward resets the gradients.
	_, err = p.Forward()
	require.NoError(t, err)
	assert.False(t, p.Slot(0).GradientsComputed())
}

func TestInMemory(t *testing.T) {
	f := newFixture(t)
	f.cfg.InMemory = true
	f.cfg.BatchSize = 4
	f.cfg.ComputeAtomGradients = true
	warnings := quietWarnings()
	p := f.newPipeline(t, grid.WithWarnings(warnings))
	assert.Equal(t, 1, p.BatchSize())
	assert.Contains(t, p.Summary(), "in-memory")

	_, err := p.Forward()
	require.Error(t, err, "no ligand set")
	require.Panics(t, func() {
		p.SetReceptor(receptorAtoms, r3.Vec{}, quat.Number{Real: 1})
	}, "rotating the receptor requires the ligand center")

	p.SetLigand(ligand1Atoms, true)
	assert.Equal(t, r3.Vec{X: 10, Y: 10, Z: 10}, p.Center())
	_, err = p.Forward()
	require.Error(t, err, "no labels set")

	// Without a receptor a warning is issued.
	p.SetLabels(1, 5, 0)
	batch, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, 1, warnings.Count(warnonce.EmptyReceptor))
	assert.Equal(t, float32(2), sum(batch.Grid(0)))

	p.SetReceptor(receptorAtoms, r3.Vec{}, quat.Number{})
	batch, err = p.Forward()
	require.NoError(t, err)
	require.Equal(t, 1, batch.Size)
	assert.Equal(t, []float32{1}, batch.Labels)
	assert.True(t, p.Slot(0).InMemory)

	gradients := make([]float32, len(batch.Grids))
	gradients[gridIndex(t, batch, r3.Vec{}, carbonChannel)] = 1
	gradients[gridIndex(t, batch, r3.Vec{X: 1}, zincChannel)] = 2
	gradients[gridIndex(t, batch, r3.Vec{X: 1}, oxygenChannel)] = 4
	require.NoError(t, p.Backward(gradients))
	assert.Equal(t, []r3.Vec{{X: 1, Y: 2, Z: 3}, {X: 2, Y: 4, Z: 6}}, p.ReceptorGradient(0))
	assert.Equal(t, []r3.Vec{{}, {X: 4, Y: 8, Z: 12}}, p.LigandGradient(0))

	force, torque := p.ReceptorTransformationGradient(0)
	requireVecInDelta(t, r3.Vec{X: 3, Y: 6, Z: 9}, force, 1e-9)
	requireVecInDelta(t, r3.Vec{X: 0, Y: -6, Z: 4}, torque, 1e-9)

	mapped := p.MappedReceptorGradient(0)
	assert.Equal(t, map[string]r3.Vec{
		"0.0000.0000.000": {X: 1, Y: 2, Z: 3},
		"1.0000.0000.000": {X: 2, Y: 4, Z: 6},
	}, mapped)
	assert.Equal(t, r3.Vec{X: 4, Y: 8, Z: 12}, p.MappedLigandGradient(0)["1.0000.0000.000"])

	// Receptor rotated by 90° around z, around the ligand center, and then translated.
	sqrtHalf := math.Sqrt(0.5)
	p.SetReceptor(receptorAtoms, r3.Vec{Z: 1}, quat.Number{Real: sqrtHalf, Kmag: sqrtHalf})
	_, err = p.Forward()
	require.NoError(t, err)
	requireVecInDelta(t, r3.Vec{Y: 1, Z: 1}, p.ReceptorAtoms(0)[1].Pos(), 1e-5)

	// An explicit center is kept if the ligand changes without recalculating it.
	p.SetCenter(r3.Vec{X: 9, Y: 10, Z: 10})
	p.SetLigand(ligand2Atoms, false)
	assert.Equal(t, r3.Vec{X: 9, Y: 10, Z: 10}, p.Center())
	_, err = p.Forward()
	require.NoError(t, err)
	assert.Equal(t, r3.Vec{X: 9, Y: 10, Z: 10}, p.Slot(0).Transform.Center)
}

func TestInMemoryOnly(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	p := f.newPipeline(t)
	require.Panics(t, func() { p.SetLigand(ligand1Atoms, true) })
	require.Panics(t, func() { p.SetLabels(1, 0, 0) })
}

func TestGradientKey(t *testing.T) {
	assert.Equal(t, "1.000-2.5000.125", grid.GradientKey(r3.Vec{X: 1, Y: -2.5, Z: 0.125}))
	assert.Equal(t, "0.0000.0000.000", grid.GradientKey(r3.Vec{X: math.Copysign(0, -1)}))
	assert.Equal(t, "-0.0000.0000.000", grid.GradientKey(r3.Vec{X: -0.0001}))
}

func TestDeviceEngine(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.UseDevice = true
	f.cfg.ComputeAtomGradients = true
	f.cfg.BatchSize = 2
	engine := &gridtest.DeviceEngine{}
	p, err := grid.New(f.cfg, engine)
	require.NoError(t, err)
	batch, err := p.Forward()
	require.NoError(t, err)
	assert.Equal(t, 2, engine.DeviceCalls())
	assert.Equal(t, float32(4), sum(batch.Grid(1)))
	require.NoError(t, p.Backward(make([]float32, len(batch.Grids))))
	assert.Equal(t, 4, engine.DeviceCalls())
}

func TestEngineError(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.engine.Err = errors.New("out of device memory")
	p := f.newPipeline(t)
	_, err := p.Forward()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of device memory")
}

func TestMissingMolecule(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes missing.gninatypes")
	p := f.newPipeline(t)
	_, err := p.Forward()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.gninatypes")
}

func TestPrefetcher(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types",
		"0 rec1.gninatypes lig1.gninatypes",
		"1 rec1.gninatypes lig1.gninatypes",
		"2 rec1.gninatypes lig1.gninatypes")
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)
	pf, err := grid.NewPrefetcher(p, 2)
	require.NoError(t, err)
	ctx := context.Background()
	for _, want := range [][]float32{{0, 1}, {2, 0}, {1, 2}} {
		batch, err := pf.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, batch.Labels)
	}
	pf.Stop()
	pf.Stop()

	// After Stop, buffered batches are drained and then an error is returned.
	var errStopped error
	for range 10 {
		if _, errStopped = pf.Next(ctx); errStopped != nil {
			break
		}
	}
	require.Error(t, errStopped)

	// Errors building batches are returned by Next.
	f.engine.Err = errors.New("engine failure")
	pf, err = grid.NewPrefetcher(f.newPipeline(t), 1)
	require.NoError(t, err)
	_, err = pf.Next(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine failure")
	pf.Stop()
	f.engine.Err = nil

	f.cfg.ComputeAtomGradients = true
	_, err = grid.NewPrefetcher(f.newPipeline(t), 1)
	require.Error(t, err)
}

// plainEngine hides the relevance support of the wrapped engine.
type plainEngine struct{ grid.Engine }

func TestRelevance(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	p := f.newPipeline(t)
	batch, err := p.Forward()
	require.NoError(t, err)
	require.Panics(t, func() { p.ReceptorRelevance(0) }, "relevance not computed")
	require.Panics(t, func() { _ = p.Relevance(batch, make([]float32, 10)) }, "wrong size")

	relevance := make([]float32, len(batch.Grids))
	relevance[gridIndex(t, batch, r3.Vec{}, carbonChannel)] = 3
	relevance[gridIndex(t, batch, r3.Vec{X: 1}, oxygenChannel)] = 5
	require.NoError(t, p.Relevance(batch, relevance))
	assert.Equal(t, []float32{3, 0}, p.ReceptorRelevance(0))
	assert.Equal(t, []float32{0, 5}, p.LigandRelevance(0))

	// Forward resets the relevance.
	_, err = p.Forward()
	require.NoError(t, err)
	require.Panics(t, func() { p.LigandRelevance(0) })

	// Engines without relevance support.
	p, err = grid.New(f.cfg, plainEngine{f.engine})
	require.NoError(t, err)
	batch, err = p.Forward()
	require.NoError(t, err)
	err = p.Relevance(batch, make([]float32, len(batch.Grids)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RelevanceEngine")

	// Merged poses are not supported.
	f.cfg.Source = f.source(t, "poses.types", "1 rec1.gninatypes lig1.gninatypes lig2.gninatypes")
	f.cfg.NumPoses = 2
	p = f.newPipeline(t)
	batch, err = p.Forward()
	require.NoError(t, err)
	require.Panics(t, func() { _ = p.Relevance(batch, make([]float32, len(batch.Grids))) })
}

func TestChannel(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	p := f.newPipeline(t)
	assert.Equal(t, grid.ChannelInfo{Name: "AliphaticCarbonXSHydrophobe"}, p.Channel(carbonChannel))
	assert.Equal(t, grid.ChannelInfo{Name: "Zinc"}, p.Channel(zincChannel))
	assert.Equal(t, grid.ChannelInfo{Ligand: true, Name: "Oxygen"}, p.Channel(oxygenChannel))
	require.Panics(t, func() { p.Channel(numChannels) })

	f.cfg.Source = f.source(t, "poses.types", "1 rec1.gninatypes lig1.gninatypes lig2.gninatypes")
	f.cfg.NumPoses = 2
	p = f.newPipeline(t)
	assert.Equal(t, grid.ChannelInfo{Ligand: true, Pose: 1, Name: "Oxygen"}, p.Channel(oxygenChannel+19))
}

func TestProviderOutOfRange(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	p := f.newPipeline(t)
	require.NotNil(t, p.Provider(0))
	assert.Nil(t, p.Provider(1))
	assert.Nil(t, p.Provider(-1))

	f.cfg.Source = ""
	f.cfg.InMemory = true
	p = f.newPipeline(t)
	assert.Nil(t, p.Provider(0))
}

func TestAccessorsDuringForward(t *testing.T) {
	f := newFixture(t)
	f.cfg.Source = f.source(t, "train.types", "1 rec1.gninatypes lig1.gninatypes")
	f.cfg.BatchSize = 2
	p := f.newPipeline(t)
	_, err := p.Forward()
	require.NoError(t, err)

	done := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-done:
				return
			default:
			}
			assert.Len(t, p.ReceptorAtoms(1), 2)
			assert.Len(t, p.LigandChannels(0), 2)
		}
	}()
	for range 20 {
		_, err := p.Forward()
		require.NoError(t, err)
	}
	close(done)
	<-readerDone
	require.Panics(t, func() { p.Slot(2) })
}
