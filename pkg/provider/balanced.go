// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package provider

import (
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/pkg/errors"
)

// Balanced alternates strictly between actives (label != 0) and decoys (label == 0), starting with an active.
type Balanced struct {
	actives, decoys *Uniform
	current         int
}

var _ Provider = (*Balanced)(nil)

// NewBalanced creates an empty Balanced provider.
func NewBalanced(opts Options) *Balanced {
	return &Balanced{
		actives: NewUniform(opts),
		decoys:  NewUniform(opts),
	}
}

// Add implements Provider.
func (b *Balanced) Add(rec example.Record) {
	if rec.IsActive() {
		b.actives.Add(rec)
	} else {
		b.decoys.Add(rec)
	}
}

// Setup implements Provider. Both classes must have examples.
func (b *Balanced) Setup() error {
	b.current = 0
	if err := b.actives.Setup(); err != nil {
		return errors.WithMessage(err, "no actives")
	}
	if err := b.decoys.Setup(); err != nil {
		return errors.WithMessage(err, "no decoys")
	}
	return nil
}

// Next implements Provider.
func (b *Balanced) Next() (rec example.Record) {
	if b.current%2 == 0 {
		rec = b.actives.Next()
	} else {
		rec = b.decoys.Next()
	}
	b.current++
	return
}

// Size implements Provider.
func (b *Balanced) Size() int { return b.actives.Size() + b.decoys.Size() }

func (b *Balanced) NumActives() int { return b.actives.Size() }
func (b *Balanced) NumDecoys() int  { return b.decoys.Size() }

// NextActive returns the next active example, without changing the alternation.
func (b *Balanced) NextActive() example.Record { return b.actives.Next() }

// NextDecoy returns the next decoy example, without changing the alternation.
func (b *Balanced) NextDecoy() example.Record { return b.decoys.Next() }

// String implements fmt.Stringer.
func (b *Balanced) String() string { return "Balanced" }
