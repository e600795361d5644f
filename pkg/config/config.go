// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the options of the molecular grid data pipeline.
//
// A Config can be created with Default, and then modified directly, with a settings string
// (see ParseSettings) or from environment variables (see FromEnv). Setting names follow the
// data layer parameter names, e.g. "balanced=true;stratify_receptor=true;random_translate=2".
package config

import (
	"math"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config holds all options of the pipeline. The `setting` tag is the name used by ParseSettings,
// the `envconfig` tag the environment variable name (after the prefix) used by FromEnv.
type Config struct {
	// Source is the file listing the examples, one per line:
	// "<label> [<affinity>] [<rmsd>] <receptor> <ligand>..." -- see HasAffinity, HasRMSD and NumPoses.
	Source string `setting:"source" envconfig:"SOURCE"`

	// RootFolder is prepended to the receptor and ligand paths of Source.
	RootFolder string `setting:"root_folder" envconfig:"ROOT_FOLDER"`

	// Source2 is an optional second source, mixed into each batch according to SourceRatio.
	Source2 string `setting:"source2" envconfig:"SOURCE2"`

	// RootFolder2 is the root for Source2. If empty RootFolder is used.
	RootFolder2 string `setting:"root_folder2" envconfig:"ROOT_FOLDER2"`

	// SourceRatio is the ratio of examples taken from Source over Source2 in a batch.
	SourceRatio float64 `setting:"source_ratio" envconfig:"SOURCE_RATIO"`

	HasAffinity bool `setting:"has_affinity" envconfig:"HAS_AFFINITY"`
	HasRMSD     bool `setting:"has_rmsd" envconfig:"HAS_RMSD"`

	// NumPoses is the number of ligand files per example line.
	NumPoses int `setting:"num_poses" envconfig:"NUM_POSES"`

	// DuplicatePoses emits each pose as its own batch element, instead of merging all poses
	// into one grid with distinct ligand channels.
	DuplicatePoses bool `setting:"duplicate_poses" envconfig:"DUPLICATE_POSES"`

	BatchSize int `setting:"batch_size" envconfig:"BATCH_SIZE"`

	// RandSkip, if > 0, skips a random number (< RandSkip) of examples of each source at setup.
	RandSkip int `setting:"rand_skip" envconfig:"RAND_SKIP"`

	// Sampling strategies.
	Balanced             bool    `setting:"balanced" envconfig:"BALANCED"`
	StratifyReceptor     bool    `setting:"stratify_receptor" envconfig:"STRATIFY_RECEPTOR"`
	StratifyAffinityMin  float64 `setting:"stratify_affinity_min" envconfig:"STRATIFY_AFFINITY_MIN"`
	StratifyAffinityMax  float64 `setting:"stratify_affinity_max" envconfig:"STRATIFY_AFFINITY_MAX"`
	StratifyAffinityStep float64 `setting:"stratify_affinity_step" envconfig:"STRATIFY_AFFINITY_STEP"`
	Shuffle              bool    `setting:"shuffle" envconfig:"SHUFFLE"`

	// Affinity reweighting: if AffinityReweightStdCut > 0, examples with known affinity are weighted
	// by the inverse of a normal distribution with the given mean and standard deviation.
	AffinityReweightMean   float64 `setting:"affinity_reweight_mean" envconfig:"AFFINITY_REWEIGHT_MEAN"`
	AffinityReweightStd    float64 `setting:"affinity_reweight_std" envconfig:"AFFINITY_REWEIGHT_STD"`
	AffinityReweightStdCut float64 `setting:"affinity_reweight_stdcut" envconfig:"AFFINITY_REWEIGHT_STDCUT"`

	// Grid geometry, in Angstroms.
	Dimension  float64 `setting:"dimension" envconfig:"DIMENSION"`
	Resolution float64 `setting:"resolution" envconfig:"RESOLUTION"`

	// Options passed to the grid engine: atom densities extend to RadiusMultiple times the atom
	// radius (1 if BinaryOccupancy), and SphericalMask zeroes the grid points outside the sphere
	// inscribed in the cube.
	RadiusMultiple  float64 `setting:"radius_multiple" envconfig:"RADIUS_MULTIPLE"`
	BinaryOccupancy bool    `setting:"binary_occupancy" envconfig:"BINARY_OCCUPANCY"`
	SphericalMask   bool    `setting:"spherical_mask" envconfig:"SPHERICAL_MASK"`

	// Atom type maps: either the contents (RecMapString, LigMapString) or files (RecMap, LigMap).
	// If none is given the default maps are used.
	RecMap       string `setting:"recmap" envconfig:"RECMAP"`
	LigMap       string `setting:"ligmap" envconfig:"LIGMAP"`
	RecMapString string `setting:"recmap_string" envconfig:"RECMAP_STRING"`
	LigMapString string `setting:"ligmap_string" envconfig:"LIGMAP_STRING"`

	// RecMolCache and LigMolCache are pre-serialized molecule cache files loaded at setup.
	RecMolCache string `setting:"recmolcache" envconfig:"RECMOLCACHE"`
	LigMolCache string `setting:"ligmolcache" envconfig:"LIGMOLCACHE"`

	// CacheStructs memoizes parsed molecules. If false every example re-reads its files.
	CacheStructs bool `setting:"cache_structs" envconfig:"CACHE_STRUCTS"`

	// FixedRadius, if > 0, is used as the radius of every atom.
	FixedRadius       float64 `setting:"fixed_radius" envconfig:"FIXED_RADIUS"`
	UseCovalentRadius bool    `setting:"use_covalent_radius" envconfig:"USE_COVALENT_RADIUS"`

	// Augmentation.
	RandomRotation  bool    `setting:"random_rotation" envconfig:"RANDOM_ROTATION"`
	RandomTranslate float64 `setting:"random_translate" envconfig:"RANDOM_TRANSLATE"`
	Jitter          float64 `setting:"jitter" envconfig:"JITTER"`

	// Rotate, if > 0, cycles through that many of the 24 axial rotations, one per grid built.
	Rotate int `setting:"rotate" envconfig:"ROTATE"`

	// Ligand perturbation (the misspelling is kept for compatibility with existing settings).
	PeturbLigand          bool    `setting:"peturb_ligand" envconfig:"PETURB_LIGAND"`
	PeturbLigandTranslate float64 `setting:"peturb_ligand_translate" envconfig:"PETURB_LIGAND_TRANSLATE"`
	PeturbLigandRotate    bool    `setting:"peturb_ligand_rotate" envconfig:"PETURB_LIGAND_ROTATE"`
	PeturbBins            int     `setting:"peturb_bins" envconfig:"PETURB_BINS"`

	BatchRotate      bool    `setting:"batch_rotate" envconfig:"BATCH_ROTATE"`
	BatchRotateYaw   float64 `setting:"batch_rotate_yaw" envconfig:"BATCH_ROTATE_YAW"`
	BatchRotateRoll  float64 `setting:"batch_rotate_roll" envconfig:"BATCH_ROTATE_ROLL"`
	BatchRotatePitch float64 `setting:"batch_rotate_pitch" envconfig:"BATCH_ROTATE_PITCH"`

	// FixCenterToOrigin centers the grid at the origin instead of the ligand center.
	FixCenterToOrigin bool `setting:"fix_center_to_origin" envconfig:"FIX_CENTER_TO_ORIGIN"`

	// IgnoreLigand uses the ligand only to define the grid center, its atoms are not gridded.
	IgnoreLigand bool `setting:"ignore_ligand" envconfig:"IGNORE_LIGAND"`

	// InMemory takes the receptor and ligand from the pipeline setters instead of a source file.
	InMemory bool `setting:"inmemory" envconfig:"INMEMORY"`

	// UseDevice selects the device-resident path of the grid engine.
	UseDevice bool `setting:"use_device" envconfig:"USE_DEVICE"`

	// ComputeAtomGradients enables the backward pass onto atoms.
	ComputeAtomGradients bool `setting:"compute_atom_gradients" envconfig:"COMPUTE_ATOM_GRADIENTS"`

	// Seed for the random number generator. If 0 a time based seed is used.
	Seed uint64 `setting:"seed" envconfig:"SEED"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		SourceRatio:          1.0,
		NumPoses:             1,
		BatchSize:            1,
		StratifyAffinityStep: 1.0,
		AffinityReweightStd:  1.0,
		Dimension:            23.5,
		Resolution:           0.5,
		RadiusMultiple:       1.5,
		CacheStructs:         true,
	}
}

// Configuration validation errors.
var (
	ErrNoSource         = errors.New("no data source file provided")
	ErrBatchSize        = errors.New("positive batch_size required")
	ErrNumPoses         = errors.New("positive num_poses required")
	ErrResolution       = errors.New("resolution must be positive and evenly divide dimension")
	ErrSourceRatio      = errors.New("source_ratio must be non-negative when two sources are given")
	ErrAffinityStep     = errors.New("stratify_affinity_step must be positive")
	ErrNegativeOption   = errors.New("rand_skip, rotate, peturb_bins, jitter and random_translate must be non-negative")
	ErrGradientsOptions = errors.New("atom gradients require num_poses=1 and no duplicate_poses")
)

// Validate the configuration, before any data is read.
func (c *Config) Validate() error {
	if !c.InMemory && c.Source == "" {
		return ErrNoSource
	}
	if c.BatchSize <= 0 {
		return errors.Wrapf(ErrBatchSize, "got batch_size=%d", c.BatchSize)
	}
	if c.NumPoses <= 0 {
		return errors.Wrapf(ErrNumPoses, "got num_poses=%d", c.NumPoses)
	}
	if c.Resolution <= 0 || c.Dimension <= 0 || math.Abs(math.Remainder(c.Dimension, c.Resolution)) > 0.001 {
		return errors.Wrapf(ErrResolution, "got dimension=%g, resolution=%g", c.Dimension, c.Resolution)
	}
	if c.Source2 != "" && c.SourceRatio < 0 {
		return errors.Wrapf(ErrSourceRatio, "got source_ratio=%g", c.SourceRatio)
	}
	if c.StratifyAffinity() && c.StratifyAffinityStep <= 0 {
		return errors.Wrapf(ErrAffinityStep, "got stratify_affinity_step=%g", c.StratifyAffinityStep)
	}
	if c.RandSkip < 0 || c.Rotate < 0 || c.PeturbBins < 0 || c.Jitter < 0 || c.RandomTranslate < 0 {
		return ErrNegativeOption
	}
	if c.ComputeAtomGradients && (c.NumPoses != 1 || c.DuplicatePoses) {
		return errors.Wrapf(ErrGradientsOptions, "got num_poses=%d, duplicate_poses=%v", c.NumPoses, c.DuplicatePoses)
	}
	return nil
}

// StratifyAffinity returns whether affinity stratification is enabled, that is, min and max differ.
func (c *Config) StratifyAffinity() bool {
	return c.StratifyAffinityMin != c.StratifyAffinityMax
}

// GridPoints returns the number of grid points on each side of the cube.
func (c *Config) GridPoints() int {
	return int(math.Round(c.Dimension/c.Resolution)) + 1
}

// FromEnv creates a configuration from the defaults, overwritten by the environment variables
// prefixed by `prefix` (e.g. "MOLGRID_BALANCED=true").
//
// Optional dotEnvFiles are loaded first with godotenv: they never overwrite variables already
// set in the environment. Missing .env files are an error.
func FromEnv(prefix string, dotEnvFiles ...string) (*Config, error) {
	if len(dotEnvFiles) > 0 {
		if err := godotenv.Load(dotEnvFiles...); err != nil {
			return nil, errors.Wrapf(err, "failed to load environment files %q", dotEnvFiles)
		}
	}
	c := Default()
	if err := envconfig.Process(prefix, c); err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration from environment with prefix %q", prefix)
	}
	return c, nil
}
