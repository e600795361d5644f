// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	cfg := Default()
	paramsSet, err := ParseSettings(cfg,
		"balanced=true; stratify_receptor=true;random_translate=2.5;num_poses=3;source=train.types;rand_skip=1_000;seed=42;")
	require.NoError(t, err)
	require.Equal(t, []string{"balanced", "stratify_receptor", "random_translate", "num_poses", "source", "rand_skip", "seed"}, paramsSet)
	assert.True(t, cfg.Balanced)
	assert.True(t, cfg.StratifyReceptor)
	assert.Equal(t, 2.5, cfg.RandomTranslate)
	assert.Equal(t, 3, cfg.NumPoses)
	assert.Equal(t, "train.types", cfg.Source)
	assert.Equal(t, 1000, cfg.RandSkip)
	assert.Equal(t, uint64(42), cfg.Seed)

	// Untouched defaults.
	assert.Equal(t, 23.5, cfg.Dimension)
	assert.True(t, cfg.CacheStructs)

	_, err = ParseSettings(cfg, "unknown_option=1")
	require.Error(t, err)
	_, err = ParseSettings(cfg, "balanced")
	require.Error(t, err)
	_, err = ParseSettings(cfg, "num_poses=two")
	require.Error(t, err)
}

func TestParseSettingsFile(t *testing.T) {
	settingsPath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(settingsPath, []byte(
		"# Augmentation\nrandom_rotation=true;jitter=0.1\n\npeturb_ligand=true\npeturb_bins=10\n"), 0644))
	cfg := Default()
	paramsSet, err := ParseSettings(cfg, "file:"+settingsPath+";shuffle=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"random_rotation", "jitter", "peturb_ligand", "peturb_bins", "shuffle"}, paramsSet)
	assert.True(t, cfg.RandomRotation)
	assert.Equal(t, 0.1, cfg.Jitter)
	assert.True(t, cfg.PeturbLigand)
	assert.Equal(t, 10, cfg.PeturbBins)
	assert.True(t, cfg.Shuffle)

	out := SprintSettings(cfg, paramsSet...)
	assert.Contains(t, out, `"jitter": (float64) 0.1`)
	assert.NotContains(t, out, "dimension")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.ErrorIs(t, cfg.Validate(), ErrNoSource)

	cfg.Source = "train.types"
	require.NoError(t, cfg.Validate())

	cfg.BatchSize = 0
	require.ErrorIs(t, cfg.Validate(), ErrBatchSize)
	cfg.BatchSize = 10

	cfg.Resolution = 0.3
	require.ErrorIs(t, cfg.Validate(), ErrResolution)
	cfg.Resolution = 0.5
	assert.Equal(t, 48, cfg.GridPoints())

	cfg.StratifyAffinityMax = 10
	cfg.StratifyAffinityStep = 0
	require.True(t, cfg.StratifyAffinity())
	require.ErrorIs(t, cfg.Validate(), ErrAffinityStep)
	cfg.StratifyAffinityStep = 1

	cfg.ComputeAtomGradients = true
	cfg.NumPoses = 2
	require.True(t, errors.Is(cfg.Validate(), ErrGradientsOptions))
	cfg.NumPoses = 1
	require.NoError(t, cfg.Validate())

	cfg.InMemory = true
	cfg.Source = ""
	require.NoError(t, cfg.Validate())
}

func TestFromEnv(t *testing.T) {
	t.Setenv("MOLGRIDTEST_BALANCED", "true")
	t.Setenv("MOLGRIDTEST_BATCH_SIZE", "16")
	t.Setenv("MOLGRIDTEST_STRATIFY_AFFINITY_MAX", "12.5")

	envPath := filepath.Join(t.TempDir(), "molgrid.env")
	require.NoError(t, os.WriteFile(envPath, []byte("MOLGRIDTEST_SOURCE=from_dotenv.types\nMOLGRIDTEST_BATCH_SIZE=99\n"), 0644))

	cfg, err := FromEnv("MOLGRIDTEST", envPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("MOLGRIDTEST_SOURCE") })
	assert.True(t, cfg.Balanced)
	assert.Equal(t, 16, cfg.BatchSize, "variables already in the environment take precedence over .env files")
	assert.Equal(t, 12.5, cfg.StratifyAffinityMax)
	assert.Equal(t, "from_dotenv.types", cfg.Source)
	assert.Equal(t, 23.5, cfg.Dimension)

	_, err = FromEnv("MOLGRIDTEST", filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
}
