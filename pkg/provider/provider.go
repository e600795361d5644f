// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package provider implements the sampling strategies that decide which example to emit next.
//
// All providers share the same life cycle: examples are added with Add during the load phase,
// Setup is called exactly once after the last Add, and then Next is called indefinitely. Providers
// never report exhaustion: when all examples were visited they reset (and reshuffle, if configured)
// and start over.
//
// Strategies compose: AffinityStratified wraps ReceptorStratified, which wraps Balanced, which wraps
// Uniform. Use New to build the composition requested by a config.Config.
//
// Providers are not safe for concurrent use, and neither is the *rand.Rand they share.
package provider

import (
	"fmt"
	"math/rand/v2"

	"github.com/gomlx/molgrid/pkg/config"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/pkg/errors"
)

// Provider is the interface implemented by all sampling strategies.
type Provider interface {
	// Add an example during the load phase.
	Add(rec example.Record)

	// Setup is called once, after all examples were added. It returns an error if there are
	// no usable examples.
	Setup() error

	// Next returns the next example, resetting and reshuffling (if configured) when all examples were visited.
	Next() example.Record

	// Size returns the number of usable examples.
	Size() int
}

// Options shared by all strategies.
type Options struct {
	// Shuffle examples at Setup and every time a provider wraps around.
	Shuffle bool

	// RNG used for shuffling. If nil and Shuffle is set, a randomly seeded one is created.
	RNG *rand.Rand

	// Names is optionally used to print receptor names in log messages.
	Names *example.Interner
}

func (opts Options) withDefaults() Options {
	if opts.Shuffle && opts.RNG == nil {
		opts.RNG = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return opts
}

func (opts Options) receptorName(rec example.Record) string {
	if opts.Names == nil {
		return fmt.Sprintf("#%d", rec.Receptor)
	}
	return opts.Names.Name(rec.Receptor)
}

// New creates the provider composition configured in cfg.
//
// The order of precedence is affinity stratification > receptor stratification > balancing:
// the outermost decision is which affinity bin, then which receptor, then active or decoy.
// When both balanced and stratify_receptor are set, two examples (one active, one decoy) are
// drawn from each receptor before moving to the next one.
func New(cfg *config.Config, rng *rand.Rand, names *example.Interner) (Provider, error) {
	opts := Options{Shuffle: cfg.Shuffle, RNG: rng, Names: names}.withDefaults()
	newUniform := func() *Uniform { return NewUniform(opts) }
	newBalanced := func() *Balanced { return NewBalanced(opts) }

	if cfg.StratifyAffinity() {
		minA, maxA, step := cfg.StratifyAffinityMin, cfg.StratifyAffinityMax, cfg.StratifyAffinityStep
		switch {
		case cfg.StratifyReceptor && cfg.Balanced:
			return asProvider(NewAffinityStratified(minA, maxA, step, func() *ReceptorStratified[*Balanced] {
				return NewReceptorStratified(2, newBalanced, opts)
			}))
		case cfg.StratifyReceptor:
			return asProvider(NewAffinityStratified(minA, maxA, step, func() *ReceptorStratified[*Uniform] {
				return NewReceptorStratified(1, newUniform, opts)
			}))
		case cfg.Balanced:
			return asProvider(NewAffinityStratified(minA, maxA, step, newBalanced))
		default:
			return asProvider(NewAffinityStratified(minA, maxA, step, newUniform))
		}
	}
	switch {
	case cfg.StratifyReceptor && cfg.Balanced:
		return NewReceptorStratified(2, newBalanced, opts), nil
	case cfg.StratifyReceptor:
		return NewReceptorStratified(1, newUniform, opts), nil
	case cfg.Balanced:
		return newBalanced(), nil
	default:
		return newUniform(), nil
	}
}

// asProvider avoids returning a typed nil wrapped in the interface.
func asProvider[P Provider](p P, err error) (Provider, error) {
	if err != nil {
		return nil, err
	}
	return p, nil
}

// SetupWithContext calls p.Setup and annotates a failure with the source name.
func SetupWithContext(p Provider, source string) error {
	if err := p.Setup(); err != nil {
		return errors.WithMessagef(err, "failed to set up %s for examples in %q", p, source)
	}
	return nil
}
