// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package provider

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/pkg/errors"
)

// ErrNoExamples is returned by Setup when a provider ends up with no usable examples.
var ErrNoExamples = errors.New("not enough examples (or at least the right kinds) in training set")

// Uniform cycles over all its examples, optionally shuffling them at Setup and at every wrap around.
type Uniform struct {
	opts    Options
	all     []example.Record
	current int
}

var _ Provider = (*Uniform)(nil)

// NewUniform creates an empty Uniform provider.
func NewUniform(opts Options) *Uniform {
	return &Uniform{opts: opts.withDefaults()}
}

// Add implements Provider.
func (u *Uniform) Add(rec example.Record) {
	u.all = append(u.all, rec)
}

// Setup implements Provider. It is also called on every wrap around.
func (u *Uniform) Setup() error {
	u.reset()
	if len(u.all) == 0 {
		return ErrNoExamples
	}
	return nil
}

func (u *Uniform) reset() {
	u.current = 0
	if u.opts.Shuffle {
		u.opts.RNG.Shuffle(len(u.all), func(i, j int) {
			u.all[i], u.all[j] = u.all[j], u.all[i]
		})
	}
}

// Next implements Provider.
func (u *Uniform) Next() example.Record {
	if u.current >= len(u.all) {
		exceptions.Panicf("provider.Uniform.Next() called with %d examples at position %d, was Setup() called?",
			len(u.all), u.current)
	}
	rec := u.all[u.current]
	u.current++
	if u.current >= len(u.all) {
		u.reset()
	}
	return rec
}

// Size implements Provider.
func (u *Uniform) Size() int { return len(u.all) }

// String implements fmt.Stringer.
func (u *Uniform) String() string { return "Uniform" }
