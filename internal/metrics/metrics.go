// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors exported by the data pipeline.
//
// All collectors are registered in the default registry, so a binary only needs to
// expose promhttp.Handler to publish them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits counts molecule lookups served from a cache, by cache name ("receptor", "ligand").
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molgrid_cache_hits_total",
		Help: "Total number of molecule cache lookups served from memory",
	}, []string{"cache"})

	// CacheMisses counts molecule lookups that required reading a structure file.
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molgrid_cache_misses_total",
		Help: "Total number of molecule cache lookups that populated the cache",
	}, []string{"cache"})

	// CacheEntries is the current number of molecules held by each cache.
	CacheEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "molgrid_cache_entries",
		Help: "Current number of molecules held in the cache",
	}, []string{"cache"})

	// MoleculesLoaded counts molecules parsed, by origin ("file" or "cachefile").
	MoleculesLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molgrid_molecules_loaded_total",
		Help: "Total number of molecules parsed from structure or cache files",
	}, []string{"origin"})

	// AtomsDropped counts atoms discarded because their type has no channel.
	AtomsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "molgrid_atoms_dropped_total",
		Help: "Total number of atoms discarded for having an unmapped atom type",
	})

	// ExamplesEmitted counts examples drawn from the providers, by source ("source", "source2").
	ExamplesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molgrid_examples_emitted_total",
		Help: "Total number of examples drawn from the example providers",
	}, []string{"source"})

	// BatchBuildSeconds measures the time to assemble and rasterize one batch.
	BatchBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "molgrid_batch_build_seconds",
		Help:    "Time spent building one batch of grids",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	// WarningsSuppressed counts warnings dropped after the first of their category.
	WarningsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "molgrid_warnings_suppressed_total",
		Help: "Total number of repeated warnings suppressed, by category",
	}, []string{"category"})
)
