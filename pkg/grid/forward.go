// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/internal/metrics"
	"github.com/gomlx/molgrid/internal/warnonce"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/transform"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"k8s.io/klog/v2"
)

// NumSlots returns the number of grids of each batch.
func (p *Pipeline) NumSlots() int { return len(p.slots) }

// newBatch allocates the outputs configured.
func (p *Pipeline) newBatch() *Batch {
	n := len(p.slots)
	b := &Batch{
		Geometry: p.geometry,
		Size:     n,
		Grids:    make([]float32, n*p.geometry.GridSize()),
		Labels:   make([]float32, n),
		Examples: make([]example.Record, n),
	}
	if p.cfg.HasAffinity {
		b.Affinities = make([]float32, n)
	}
	if p.cfg.HasRMSD {
		b.RMSDs = make([]float32, n)
	}
	if p.cfg.AffinityReweightStdCut > 0 {
		b.Weights = make([]float32, n)
	}
	if p.cfg.PeturbLigand {
		b.Perturbations = make([]float32, n*transform.PerturbationSize)
	}
	return b
}

// Forward builds the next batch: it draws batch_size examples (or grids the in-memory molecules)
// and rasterizes them.
//
// The slots of the previous batch, and their gradients, are replaced.
func (p *Pipeline) Forward() (*Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := time.Now()
	defer func() {
		metrics.BatchBuildSeconds.Observe(time.Since(start).Seconds())
	}()

	batch := p.newBatch()
	if p.cfg.InMemory {
		if err := p.buildInMemory(batch); err != nil {
			return nil, err
		}
		return batch, nil
	}

	// The first dataSwitch examples come from the first source, the remaining from the second.
	dataSwitch := p.batchSize
	if len(p.sources) > 1 {
		ratio := p.cfg.SourceRatio
		dataSwitch = int(float64(p.batchSize) * ratio / (ratio + 1))
	}
	for ii := range p.batchSize {
		src := p.sources[0]
		if ii >= dataSwitch {
			src = p.sources[1]
		}
		rec := src.provider.Next()
		metrics.ExamplesEmitted.WithLabelValues(src.name).Inc()
		if err := p.buildExample(batch, ii, rec, src.root); err != nil {
			return nil, errors.WithMessagef(err, "while building batch element %d from %s %q", ii, src.name, src.path)
		}
	}
	klog.V(2).Infof("Built batch of %d grids in %s", batch.Size, time.Since(start))
	return batch, nil
}

// buildExample resolves the molecules of rec and grids it into the slots of batch element ii.
func (p *Pipeline) buildExample(batch *Batch, ii int, rec example.Record, root string) error {
	receptor, err := p.receptors.Populate(root, p.names.Name(rec.Receptor))
	if err != nil {
		return err
	}
	poses := make([]*molecule.Record, len(rec.Ligands))
	for pose, handle := range rec.Ligands {
		poses[pose], err = p.ligands.Populate(root, p.names.Name(handle))
		if err != nil {
			return err
		}
	}

	if p.cfg.DuplicatePoses {
		numPoses := len(poses)
		for pose, ligand := range poses {
			slotIdx := ii*numPoses + pose
			if err := p.buildSlot(batch, slotIdx, ii, rec, receptor, ligand); err != nil {
				return err
			}
			p.slots[slotIdx].Pose = pose
		}
		return nil
	}

	// Merge all poses into one ligand, each pose with its own channels. The center is the one of the first pose.
	ligand := poses[0]
	if len(poses) > 1 {
		ligand = poses[0].Clone()
		for pose := 1; pose < len(poses); pose++ {
			ligand.Append(poses[pose], pose*p.numLigandTypes)
		}
	}
	return p.buildSlot(batch, ii, ii, rec, receptor, ligand)
}

// buildSlot transforms the receptor and ligand into the grid frame, grids them into slot slotIdx and
// sets its targets. exampleIdx is the index of the example in the batch, used for batch rotations.
//
// receptor and ligand are not modified.
func (p *Pipeline) buildSlot(batch *Batch, slotIdx, exampleIdx int, rec example.Record, receptor, ligand *molecule.Record) error {
	slot := p.slots[slotIdx]
	slot.reset()
	slot.Example = rec

	t := p.generator.Primary(exampleIdx, ligand.Radius())
	if !p.cfg.FixCenterToOrigin {
		t.Center = r3.Add(t.Center, ligand.Center)
	}
	slot.Transform = t

	// The receptor rotates around the ligand center.
	mol := receptor.Clone()
	mol.Center = ligand.Center
	t.Apply(mol)
	slot.NumReceptorAtoms = mol.Len()

	lig := ligand.Clone()
	t.Apply(lig)
	switch {
	case p.cfg.PeturbLigand:
		perturb := p.generator.Perturbation()
		perturb.Apply(lig)
		mol.Append(lig, 0)
		slot.Perturbed = true
		slot.perturbRotation = perturb.Rotation
		slot.Perturbation = transform.NewPerturbation(perturb)
		mol.Center = r3.Add(lig.Center, perturb.Center)
	case p.cfg.IgnoreLigand:
		// Ligand only defines the center.
	default:
		mol.Append(lig, 0)
	}
	if mol.Len() == 0 {
		return errors.Errorf("no atoms to grid for example %s", p.describe(rec))
	}
	transform.Jitter(p.rng, mol, p.cfg.Jitter)
	slot.Record = mol

	if err := p.rasterize(slot, batch.Grid(slotIdx)); err != nil {
		return errors.WithMessagef(err, "example %s", p.describe(rec))
	}
	p.setTargets(batch, slotIdx, rec)
	return nil
}

func (p *Pipeline) describe(rec example.Record) string {
	if rec.Receptor == example.NoHandle {
		return "<in-memory>"
	}
	return p.names.Describe(rec)
}

// request returns the engine request for the atoms of the slot, already in the grid frame.
func (p *Pipeline) request(slot *Slot) *Request {
	return &Request{
		Geometry: p.geometry,
		Rotation: transform.IdentityRotation,
		Atoms:    slot.Record.Atoms,
		Channels: slot.Record.Channels,
	}
}

func (p *Pipeline) rasterize(slot *Slot, grid []float32) error {
	req := p.request(slot)
	var err error
	if p.device != nil {
		err = p.device.ForwardDevice(req, grid)
	} else {
		err = p.engine.Forward(req, grid)
	}
	return errors.WithMessage(err, "grid engine failed")
}

func (p *Pipeline) setTargets(batch *Batch, slotIdx int, rec example.Record) {
	batch.Examples[slotIdx] = rec
	batch.Labels[slotIdx] = rec.Label
	if batch.Affinities != nil {
		batch.Affinities[slotIdx] = rec.Affinity
	}
	if batch.RMSDs != nil {
		batch.RMSDs[slotIdx] = rec.RMSD
	}
	if batch.Weights != nil {
		batch.Weights[slotIdx] = rec.Weight
	}
	if batch.Perturbations != nil {
		perturbation := p.slots[slotIdx].Perturbation
		if p.cfg.PeturbBins > 0 {
			perturbation = perturbation.Discretize(p.cfg.PeturbLigandTranslate, p.cfg.PeturbBins)
		}
		values := perturbation.Values()
		copy(batch.Perturbation(slotIdx), values[:])
	}
}

// buildInMemory grids the molecules given with SetReceptor and SetLigand into the only slot.
func (p *Pipeline) buildInMemory(batch *Batch) error {
	if p.memLigand == nil || p.memLigand.Len() == 0 {
		return errors.New("in-memory mode requires a ligand with atoms, see Pipeline.SetLigand")
	}
	if !p.memLabelsSet {
		return errors.New("in-memory mode requires labels, see Pipeline.SetLabels")
	}
	receptor := p.memReceptor
	if receptor == nil || receptor.Len() == 0 {
		p.warnings.Warningf(warnonce.EmptyReceptor, "Gridding in-memory example without receptor atoms.")
		receptor = molecule.NewRecord()
	}
	if err := p.buildSlot(batch, 0, 0, p.memLabels, receptor, p.memLigand); err != nil {
		return err
	}
	p.slots[0].InMemory = true
	return nil
}

// Backward computes the gradient of the loss with respect to the atoms of each slot of the last batch,
// given the gradient with respect to its grids (shaped as Batch.Grids). Gradients are stored in each
// Slot.Record.Gradient, in the grid frame.
//
// It returns an error if the engine fails, and panics if compute_atom_gradients is not configured, if
// poses are merged or duplicated, or if gridGradients has the wrong size.
func (p *Pipeline) Backward(gridGradients []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cfg.ComputeAtomGradients {
		exceptions.Panicf("Pipeline.Backward requires compute_atom_gradients to be set")
	}
	if p.cfg.NumPoses != 1 {
		exceptions.Panicf("Pipeline.Backward not supported with num_poses=%d", p.cfg.NumPoses)
	}
	gridSize := p.geometry.GridSize()
	if len(gridGradients) != len(p.slots)*gridSize {
		exceptions.Panicf("Pipeline.Backward: grid gradients have %d values, expected %d grids of %d values",
			len(gridGradients), len(p.slots), gridSize)
	}
	for ii, slot := range p.slots {
		if slot.Record == nil {
			return errors.Errorf("Pipeline.Backward called before Forward")
		}
		slot.Record.ResetGradient()
		req := p.request(slot)
		gridGradient := gridGradients[ii*gridSize : (ii+1)*gridSize]
		var err error
		if p.device != nil {
			err = p.device.BackwardDevice(req, gridGradient, slot.Record.Gradient)
		} else {
			err = p.engine.Backward(req, gridGradient, slot.Record.Gradient)
		}
		if err != nil {
			return errors.WithMessagef(err, "grid engine failed to compute gradients of batch element %d", ii)
		}
		slot.gradientsComputed = true
	}
	return nil
}

// Relevance attributes the relevance of the grid values of batch, the last batch built by Forward, to
// its atoms. relevance is shaped as Batch.Grids. The per atom relevance is stored in each Slot.Relevance,
// see also ReceptorRelevance and LigandRelevance.
//
// It returns an error if the engine is not a RelevanceEngine or if it fails, and panics if poses are
// merged or duplicated, or if batch or relevance don't match the last batch.
func (p *Pipeline) Relevance(batch *Batch, relevance []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.NumPoses != 1 {
		exceptions.Panicf("Pipeline.Relevance not supported with num_poses=%d", p.cfg.NumPoses)
	}
	if batch.Size != len(p.slots) || len(batch.Grids) != len(p.slots)*p.geometry.GridSize() {
		exceptions.Panicf("Pipeline.Relevance: batch has %d grids of shape %v, expected %d grids of %d values",
			batch.Size, batch.Shape(), len(p.slots), p.geometry.GridSize())
	}
	if len(relevance) != len(batch.Grids) {
		exceptions.Panicf("Pipeline.Relevance: relevance has %d values, the batch grids have %d",
			len(relevance), len(batch.Grids))
	}
	engine, ok := p.engine.(RelevanceEngine)
	if !ok {
		return errors.Errorf("grid engine %T doesn't implement grid.RelevanceEngine", p.engine)
	}
	gridSize := p.geometry.GridSize()
	for ii, slot := range p.slots {
		if slot.Record == nil {
			return errors.Errorf("Pipeline.Relevance called before Forward")
		}
		slot.Relevance = make([]float32, slot.Record.Len())
		err := engine.Relevance(p.request(slot), batch.Grid(ii), relevance[ii*gridSize:(ii+1)*gridSize], slot.Relevance)
		if err != nil {
			slot.Relevance = nil
			return errors.WithMessagef(err, "grid engine failed to compute the relevance of batch element %d", ii)
		}
	}
	return nil
}
