// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grid assembles batches of voxel grids for training: it draws examples from the providers,
// resolves their molecules through the caches, applies the augmentation transforms and hands the atoms
// to an Engine that rasterizes them.
//
// A Pipeline is created with New from a config.Config and an Engine. Each call to Forward returns
// a new Batch, and Backward maps gradients with respect to the grids of the last batch back onto its
// atoms. A Pipeline is safe for concurrent use, but calls are serialized.
package grid

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/gomlx/molgrid/internal/warnonce"
	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/gomlx/molgrid/pkg/molecule"
	"github.com/gomlx/molgrid/pkg/provider"
	"github.com/gomlx/molgrid/pkg/transform"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/spatial/r3"
	"k8s.io/klog/v2"
)

// Names of the caches and of the example sources, used in logs and metrics.
const (
	ReceptorCacheName = "receptor"
	LigandCacheName   = "ligand"
	SourceName        = "source"
	Source2Name       = "source2"
)

// source of examples: a provider loaded from one source file.
type source struct {
	name, path, root string
	provider         provider.Provider
}

// Pipeline builds the batches of grids.
type Pipeline struct {
	cfg      config.Config
	engine   Engine
	device   DeviceEngine
	geometry Geometry

	names     *example.Interner
	warnings  *warnonce.Set
	rng       *rand.Rand
	generator *transform.Generator

	receptors, ligands               *molecule.Cache
	numReceptorTypes, numLigandTypes int

	sources   []*source
	batchSize int

	// mu serializes Forward and Backward, and protects everything below.
	mu    sync.Mutex
	slots []*Slot

	// In-memory molecules and labels.
	memReceptor, memLigand *molecule.Record
	memCenter              r3.Vec
	memLabels              example.Record
	memLabelsSet           bool
}

// Option configures a Pipeline at creation.
type Option func(p *Pipeline)

// WithCaches uses the given molecule caches, possibly shared among pipelines, instead of creating new ones.
// The ligand cache must offset its channels by the number of receptor channels.
func WithCaches(receptors, ligands *molecule.Cache) Option {
	return func(p *Pipeline) {
		p.receptors, p.ligands = receptors, ligands
	}
}

// WithRNG sets the random number generator, instead of one seeded from config.Config.Seed.
func WithRNG(rng *rand.Rand) Option {
	return func(p *Pipeline) { p.rng = rng }
}

// WithNames sets the intern table of the file names, possibly shared among pipelines.
func WithNames(names *example.Interner) Option {
	return func(p *Pipeline) { p.names = names }
}

// WithWarnings sets the warnings deduplication state.
func WithWarnings(warnings *warnonce.Set) Option {
	return func(p *Pipeline) { p.warnings = warnings }
}

// New creates a Pipeline: it validates the configuration, loads the type maps, the molecule
// cache files and the example sources, and sets up the providers.
//
// The configuration is copied, later changes to cfg have no effect.
func New(cfg *config.Config, engine Engine, options ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid configuration")
	}
	if engine == nil {
		return nil, errors.New("grid.New requires a grid Engine")
	}
	p := &Pipeline{cfg: *cfg, engine: engine, memCenter: molecule.NewRecord().Center}
	for _, option := range options {
		option(p)
	}
	if p.cfg.UseDevice {
		device, ok := engine.(DeviceEngine)
		if !ok {
			return nil, errors.Errorf("use_device requires a grid.DeviceEngine, got %T", engine)
		}
		p.device = device
	}
	if p.rng == nil {
		seed := p.cfg.Seed
		if seed == 0 {
			seed = rand.Uint64()
		}
		p.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
	if p.names == nil {
		p.names = example.NewInterner()
	}
	if p.warnings == nil {
		p.warnings = warnonce.New()
	}
	p.generator = transform.NewGenerator(transform.PolicyFromConfig(&p.cfg), p.rng)

	if err := p.setupCaches(); err != nil {
		return nil, err
	}
	numChannels := p.numReceptorTypes + p.numLigandTypes
	if p.cfg.NumPoses > 1 && !p.cfg.DuplicatePoses {
		numChannels = p.numReceptorTypes + p.cfg.NumPoses*p.numLigandTypes
	}
	p.geometry = newGeometry(&p.cfg, numChannels)

	p.batchSize = p.cfg.BatchSize
	if p.cfg.InMemory {
		if p.batchSize != 1 {
			klog.Warningf("In-memory mode only supports batch_size=1, ignoring batch_size=%d", p.batchSize)
		}
		p.batchSize = 1
	} else if err := p.setupSources(); err != nil {
		return nil, err
	}

	numSlots := p.batchSize
	if p.cfg.DuplicatePoses {
		numSlots *= p.cfg.NumPoses
	}
	p.slots = make([]*Slot, numSlots)
	for ii := range p.slots {
		p.slots[ii] = &Slot{}
		p.slots[ii].reset()
	}
	klog.V(1).Infof("Grid pipeline: %s", p.Summary())
	return p, nil
}

// typeMap returns the configured atom type map: given as a string, as a file or the default one.
func typeMap(contents, path string, defaultMap func() *molecule.TypeMap) (*molecule.TypeMap, error) {
	switch {
	case contents != "":
		return molecule.ParseTypeMap(contents)
	case path != "":
		return molecule.LoadTypeMap(path)
	default:
		return defaultMap(), nil
	}
}

func (p *Pipeline) setupCaches() error {
	radius := molecule.RadiusOptions{Fixed: p.cfg.FixedRadius, Covalent: p.cfg.UseCovalentRadius}
	if p.receptors == nil {
		recMap, err := typeMap(p.cfg.RecMapString, p.cfg.RecMap, molecule.DefaultReceptorMap)
		if err != nil {
			return errors.WithMessage(err, "receptor atom type map")
		}
		p.receptors = molecule.NewCache(ReceptorCacheName, molecule.Atomizer{
			Map: recMap, Radius: radius, Warnings: p.warnings}, p.cfg.CacheStructs)
	}
	p.numReceptorTypes = p.receptors.Atomizer().Map.NumChannels()
	if p.ligands == nil {
		ligMap, err := typeMap(p.cfg.LigMapString, p.cfg.LigMap, molecule.DefaultLigandMap)
		if err != nil {
			return errors.WithMessage(err, "ligand atom type map")
		}
		p.ligands = molecule.NewCache(LigandCacheName, molecule.Atomizer{
			Map: ligMap, Offset: p.numReceptorTypes, Radius: radius, Warnings: p.warnings}, p.cfg.CacheStructs)
	}
	p.numLigandTypes = p.ligands.Atomizer().Map.NumChannels()
	if offset := p.ligands.Atomizer().Offset; offset != p.numReceptorTypes {
		return errors.Errorf("ligand cache channels offset by %d, but there are %d receptor channels",
			offset, p.numReceptorTypes)
	}

	root, err := fsutil.RootFolder(p.cfg.RootFolder)
	if err != nil {
		return err
	}
	for _, pair := range []struct {
		cache *molecule.Cache
		path  string
	}{{p.receptors, p.cfg.RecMolCache}, {p.ligands, p.cfg.LigMolCache}} {
		if pair.path == "" {
			continue
		}
		if _, err := pair.cache.LoadFile(root, pair.path); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) setupSources() error {
	parseOpts := example.OptionsFromConfig(&p.cfg)
	root2 := p.cfg.RootFolder2
	if root2 == "" {
		root2 = p.cfg.RootFolder
	}
	definitions := []struct{ name, path, root string }{{SourceName, p.cfg.Source, p.cfg.RootFolder}}
	if p.cfg.Source2 != "" {
		definitions = append(definitions, struct{ name, path, root string }{Source2Name, p.cfg.Source2, root2})
	}

	skip := 0
	if p.cfg.RandSkip > 0 {
		skip = p.rng.IntN(p.cfg.RandSkip)
		klog.Infof("Skipping first %d examples from each source", skip)
	}
	for _, def := range definitions {
		root, err := fsutil.RootFolder(def.root)
		if err != nil {
			return err
		}
		prov, err := provider.New(&p.cfg, p.rng, p.names)
		if err != nil {
			return err
		}
		count, err := example.LoadFile(def.path, p.names, parseOpts, prov)
		if err != nil {
			return err
		}
		if err := provider.SetupWithContext(prov, def.path); err != nil {
			return err
		}
		klog.Infof("Total examples in %q: %s, %s usable by %s", def.path,
			humanize.Comma(int64(count)), humanize.Comma(int64(prov.Size())), prov)
		for range skip {
			prov.Next()
		}
		p.sources = append(p.sources, &source{
			name: def.name, path: def.path, root: root, provider: prov})
	}
	return nil
}

// Config returns a copy of the pipeline configuration.
func (p *Pipeline) Config() config.Config { return p.cfg }

// Geometry of the grids.
func (p *Pipeline) Geometry() Geometry { return p.geometry }

// BatchSize returns the number of examples drawn per batch. The number of grids is NumSlots.
func (p *Pipeline) BatchSize() int { return p.batchSize }

// NumReceptorTypes returns the number of receptor channels, the first channels of each grid.
func (p *Pipeline) NumReceptorTypes() int { return p.numReceptorTypes }

// NumLigandTypes returns the number of ligand channels (per pose, if poses are merged).
func (p *Pipeline) NumLigandTypes() int { return p.numLigandTypes }

// ReceptorCache returns the cache of receptor molecules.
func (p *Pipeline) ReceptorCache() *molecule.Cache { return p.receptors }

// LigandCache returns the cache of ligand molecules.
func (p *Pipeline) LigandCache() *molecule.Cache { return p.ligands }

// Names returns the intern table of the file names.
func (p *Pipeline) Names() *example.Interner { return p.names }

// Warnings returns the warnings deduplication state.
func (p *Pipeline) Warnings() *warnonce.Set { return p.warnings }

// NumExamples returns the number of usable examples of each source.
func (p *Pipeline) NumExamples() []int {
	counts := make([]int, len(p.sources))
	for ii, src := range p.sources {
		counts[ii] = src.provider.Size()
	}
	return counts
}

// Provider returns the provider of the i-th source (0 or 1), or nil if there is no such source, as in
// in-memory mode. It must not be used concurrently with Forward.
func (p *Pipeline) Provider(i int) provider.Provider {
	if i < 0 || i >= len(p.sources) {
		return nil
	}
	return p.sources[i].provider
}

// ChannelInfo describes one channel of the grids.
type ChannelInfo struct {
	// Ligand is set for ligand channels, and Pose is the ligand pose of the channel when poses are merged.
	Ligand bool
	Pose   int

	// Name of the atom types of the channel, see molecule.TypeMap.ChannelName.
	Name string
}

// Channel returns the description of channel ch of the grids. It panics if ch is out of range.
func (p *Pipeline) Channel(ch int) ChannelInfo {
	if ch < 0 || ch >= p.geometry.NumChannels {
		exceptions.Panicf("grid channel %d out of range, grids have %d channels", ch, p.geometry.NumChannels)
	}
	if ch < p.numReceptorTypes {
		return ChannelInfo{Name: p.receptors.Atomizer().Map.ChannelName(ch)}
	}
	ch -= p.numReceptorTypes
	return ChannelInfo{
		Ligand: true,
		Pose:   ch / p.numLigandTypes,
		Name:   p.ligands.Atomizer().Map.ChannelName(ch % p.numLigandTypes),
	}
}

// ResetRotation restarts the cycle of axial rotations (config.Config.Rotate).
func (p *Pipeline) ResetRotation() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generator.ResetRotation()
}

// Summary returns a one line description of the pipeline.
func (p *Pipeline) Summary() string {
	var parts []string
	if p.cfg.InMemory {
		parts = append(parts, "in-memory")
	}
	for _, src := range p.sources {
		parts = append(parts, fmt.Sprintf("%s=%q: %s examples (%s)",
			src.name, src.path, humanize.Comma(int64(src.provider.Size())), src.provider))
	}
	g := p.geometry
	parts = append(parts,
		fmt.Sprintf("batch=%d", p.batchSize),
		fmt.Sprintf("channels=%d (%d receptor + %d ligand)", g.NumChannels, p.numReceptorTypes, g.NumChannels-p.numReceptorTypes),
		fmt.Sprintf("grid=%d³ (%gÅ at %gÅ)", g.Points, g.Dimension, g.Resolution))
	return strings.Join(parts, ", ")
}
