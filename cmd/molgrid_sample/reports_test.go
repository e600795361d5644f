// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffinityBin(t *testing.T) {
	// Bins of [2, 10) with step 2: [2,4) [4,6) [6,8) [8,10).
	assert.Equal(t, 0, affinityBin(0.5, 2, 10, 2))
	assert.Equal(t, 0, affinityBin(3.9, 2, 10, 2))
	assert.Equal(t, 1, affinityBin(-4, 2, 10, 2))
	assert.Equal(t, 3, affinityBin(9.99, 2, 10, 2))
	assert.Equal(t, 3, affinityBin(25, 2, 10, 2))
}

func TestDrawStats(t *testing.T) {
	cfg := config.Default()
	cfg.StratifyAffinityMin, cfg.StratifyAffinityMax, cfg.StratifyAffinityStep = 0, 10, 5
	names := example.NewInterner()
	recA, recB := names.Intern("recA"), names.Intern("recB")
	newRecord := func(receptor example.Handle, label, affinity float32) example.Record {
		rec := example.NewRecord()
		rec.Receptor, rec.Label, rec.Affinity = receptor, label, affinity
		return rec
	}

	stats := newDrawStats()
	stats.add(cfg, newRecord(recA, 1, 6))
	stats.add(cfg, newRecord(recB, 0, 0))
	stats.add(cfg, newRecord(recB, 0, -2))
	stats.add(cfg, newRecord(recB, 1, 0))

	assert.Equal(t, 4, stats.total)
	assert.Equal(t, 2, stats.withAffinity)
	assert.Equal(t, map[float32]int{0: 2, 1: 2}, stats.perLabel)
	assert.Equal(t, map[int]int{0: 1, 1: 1}, stats.perAffinity)
	require.Equal(t, []example.Handle{recB, recA}, stats.topReceptors(10))
	require.Equal(t, []example.Handle{recB}, stats.topReceptors(1))
}

func TestMoleculeNames(t *testing.T) {
	names := example.NewInterner()
	var records recordsList
	for _, line := range []string{
		"1 recA.gninatypes lig2.gninatypes",
		"0 recA.gninatypes lig1.gninatypes",
		"0 recB.gninatypes lig1.gninatypes",
	} {
		rec, err := example.ParseLine(names, line, example.ParseOptions{NumPoses: 1})
		require.NoError(t, err)
		records.Add(rec)
	}
	receptors, ligands := moleculeNames(names, records)
	assert.Equal(t, []string{"recA.gninatypes", "recB.gninatypes"}, receptors)
	assert.Equal(t, []string{"lig1.gninatypes", "lig2.gninatypes"}, ligands)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, "-", percent(1, 0))
	assert.Equal(t, "25.0%", percent(1, 4))
}
