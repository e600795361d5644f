// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package provider

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/molgrid/pkg/example"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// classProvider is implemented by providers that keep actives and decoys apart, like Balanced.
type classProvider interface {
	Provider
	NumActives() int
	NumDecoys() int
	NextActive() example.Record
	NextDecoy() example.Record
}

// ReceptorStratified partitions the examples by receptor, with one inner provider P per receptor,
// and draws K consecutive examples from each receptor before moving to the next.
//
// With a Balanced inner provider and K=2, receptors lacking either actives or decoys are dropped
// at Setup (logged at verbosity 1), so every receptor contributes one active and one decoy per visit.
// Otherwise, all receptors are kept and any failure of an inner Setup is an error.
type ReceptorStratified[P Provider] struct {
	opts     Options
	k        int
	newInner func() P

	// buckets[i] holds the examples of receptors[i]; byReceptor indexes both.
	buckets    []P
	receptors  []example.Handle
	byReceptor map[example.Handle]int
	currentI   int
	currentK   int
}

var _ Provider = (*ReceptorStratified[*Uniform])(nil)

// NewReceptorStratified creates an empty ReceptorStratified provider, with newInner
// creating the per-receptor providers. k must be positive, it is checked at Setup.
func NewReceptorStratified[P Provider](k int, newInner func() P, opts Options) *ReceptorStratified[P] {
	return &ReceptorStratified[P]{
		opts:       opts.withDefaults(),
		k:          k,
		newInner:   newInner,
		byReceptor: make(map[example.Handle]int),
	}
}

// Add implements Provider. Receptors are indexed in the order they are first seen.
func (r *ReceptorStratified[P]) Add(rec example.Record) {
	idx, found := r.byReceptor[rec.Receptor]
	if !found {
		idx = len(r.buckets)
		r.byReceptor[rec.Receptor] = idx
		r.buckets = append(r.buckets, r.newInner())
		r.receptors = append(r.receptors, rec.Receptor)
	}
	r.buckets[idx].Add(rec)
}

// Setup implements Provider.
func (r *ReceptorStratified[P]) Setup() error {
	if r.k <= 0 {
		return errors.Errorf("invalid sampling k=%d for receptor stratification, it must be > 0", r.k)
	}
	r.currentI, r.currentK = 0, 0
	if r.k == 2 && len(r.buckets) > 0 {
		if _, ok := any(r.buckets[0]).(classProvider); ok {
			r.removeMissingClasses()
		}
	}
	for ii, bucket := range r.buckets {
		if err := bucket.Setup(); err != nil {
			return errors.WithMessagef(err, "receptor bucket #%d", ii)
		}
	}
	if len(r.buckets) == 0 {
		return errors.WithMessage(ErrNoExamples, "no valid stratified examples")
	}
	r.shuffleBuckets()
	return nil
}

// removeMissingClasses drops the buckets without actives or without decoys.
func (r *ReceptorStratified[P]) removeMissingClasses() {
	kept, keptReceptors := r.buckets[:0], r.receptors[:0]
	for ii, bucket := range r.buckets {
		cp := any(bucket).(classProvider)
		switch {
		case cp.NumActives() > 0 && cp.NumDecoys() > 0:
			kept = append(kept, bucket)
			keptReceptors = append(keptReceptors, r.receptors[ii])
		case cp.NumActives() > 0:
			klog.V(1).Infof("Dropping receptor %s with no decoys.", r.opts.receptorName(cp.NextActive()))
		case cp.NumDecoys() > 0:
			klog.V(1).Infof("Dropping receptor %s with no actives.", r.opts.receptorName(cp.NextDecoy()))
		}
	}
	clear(r.buckets[len(kept):])
	r.buckets, r.receptors = kept, keptReceptors
	r.reindex()
}

// reindex rebuilds byReceptor after buckets are dropped or reordered.
func (r *ReceptorStratified[P]) reindex() {
	clear(r.byReceptor)
	for ii, receptor := range r.receptors {
		r.byReceptor[receptor] = ii
	}
}

func (r *ReceptorStratified[P]) shuffleBuckets() {
	if r.opts.Shuffle {
		r.opts.RNG.Shuffle(len(r.buckets), func(i, j int) {
			r.buckets[i], r.buckets[j] = r.buckets[j], r.buckets[i]
			r.receptors[i], r.receptors[j] = r.receptors[j], r.receptors[i]
		})
		r.reindex()
	}
}

// Next implements Provider.
func (r *ReceptorStratified[P]) Next() example.Record {
	if len(r.buckets) == 0 {
		exceptions.Panicf("provider.ReceptorStratified.Next(): no valid stratified examples, was Setup() called?")
	}
	if r.currentK >= r.k {
		r.currentK = 0
		r.currentI++
	}
	if r.currentI >= len(r.buckets) {
		r.currentI = 0
		r.shuffleBuckets()
	}
	rec := r.buckets[r.currentI].Next()
	r.currentK++
	return rec
}

// Size implements Provider.
func (r *ReceptorStratified[P]) Size() (total int) {
	for _, bucket := range r.buckets {
		total += bucket.Size()
	}
	return
}

// NumReceptors returns the number of receptor buckets (after Setup, only the retained ones).
func (r *ReceptorStratified[P]) NumReceptors() int { return len(r.buckets) }

// String implements fmt.Stringer.
func (r *ReceptorStratified[P]) String() string {
	return fmt.Sprintf("ReceptorStratified[%s, K=%d]", innerName(r.newInner), r.k)
}

// float32Epsilon is the difference between 1 and the next float32, used to keep
// affinities at the top of the range inside the last bin.
const float32Epsilon = 0x1p-23

// AffinityStratified bins examples by |affinity| in fixed-width bins over [min, max),
// with one inner provider per bin, and draws one example from each bin in turn.
// Affinities outside the range are clamped into the first and last bins.
type AffinityStratified[P Provider] struct {
	minAffinity, maxAffinity, step float64
	newInner                       func() P

	bins    []P
	current int
}

var _ Provider = (*AffinityStratified[*Uniform])(nil)

// NewAffinityStratified creates an AffinityStratified provider over the range [minAffinity, maxAffinity)
// with bins of the given step. It returns an error if the range is empty or has fewer than 2 bins.
func NewAffinityStratified[P Provider](minAffinity, maxAffinity, step float64, newInner func() P) (*AffinityStratified[P], error) {
	if minAffinity == maxAffinity || maxAffinity < minAffinity {
		return nil, errors.Errorf("empty range [%g, %g) for affinity stratification", minAffinity, maxAffinity)
	}
	if step <= 0 {
		return nil, errors.Errorf("affinity stratification step must be > 0, got %g", step)
	}
	a := &AffinityStratified[P]{
		minAffinity: minAffinity,
		maxAffinity: maxAffinity,
		step:        step,
		newInner:    newInner,
	}
	maxBin := a.Bin(maxAffinity)
	if maxBin <= 0 {
		return nil, errors.Errorf("not enough bins for affinity stratification of [%g, %g) with step %g",
			minAffinity, maxAffinity, step)
	}
	a.bins = make([]P, maxBin+1)
	for ii := range a.bins {
		a.bins[ii] = newInner()
	}
	return a, nil
}

// Bin returns the bin index for the given affinity.
func (a *AffinityStratified[P]) Bin(affinity float64) int {
	affinity = math.Abs(affinity)
	if affinity < a.minAffinity {
		affinity = a.minAffinity
	}
	if affinity >= a.maxAffinity {
		affinity = a.maxAffinity - float32Epsilon
	}
	return int(math.Floor((affinity - a.minAffinity) / a.step))
}

// NumBins returns the number of bins: before Setup all of them, after Setup only the non-empty ones.
func (a *AffinityStratified[P]) NumBins() int { return len(a.bins) }

// Add implements Provider.
func (a *AffinityStratified[P]) Add(rec example.Record) {
	bin := a.Bin(float64(rec.Affinity))
	if bin < 0 || bin >= len(a.bins) {
		exceptions.Panicf("provider.AffinityStratified.Add(): affinity %g binned to %d, outside of [0, %d)",
			rec.Affinity, bin, len(a.bins))
	}
	a.bins[bin].Add(rec)
}

// Setup implements Provider. Empty bins are discarded, keeping the order of the others.
func (a *AffinityStratified[P]) Setup() error {
	a.current = 0
	kept := make([]P, 0, len(a.bins))
	for ii, bin := range a.bins {
		if bin.Size() == 0 {
			klog.V(1).Infof("Empty affinity bucket %d", ii)
			continue
		}
		if err := bin.Setup(); err != nil {
			if errors.Is(err, ErrNoExamples) && bin.Size() == 0 {
				// All examples of the bucket were pruned by the inner provider.
				klog.V(1).Infof("Empty affinity bucket %d after pruning", ii)
				continue
			}
			return errors.WithMessagef(err, "affinity bucket #%d", ii)
		}
		kept = append(kept, bin)
	}
	a.bins = kept
	if len(a.bins) == 0 {
		return errors.WithMessage(ErrNoExamples, "no examples in affinity stratification")
	}
	return nil
}

// Next implements Provider.
func (a *AffinityStratified[P]) Next() example.Record {
	if len(a.bins) == 0 {
		exceptions.Panicf("provider.AffinityStratified.Next(): no bins with examples, was Setup() called?")
	}
	rec := a.bins[a.current].Next()
	a.current = (a.current + 1) % len(a.bins)
	return rec
}

// Size implements Provider.
func (a *AffinityStratified[P]) Size() (total int) {
	for _, bin := range a.bins {
		total += bin.Size()
	}
	return
}

// String implements fmt.Stringer.
func (a *AffinityStratified[P]) String() string {
	return fmt.Sprintf("AffinityStratified[%s, range=[%g, %g), step=%g]",
		innerName(a.newInner), a.minAffinity, a.maxAffinity, a.step)
}

// innerName describes the inner provider type using a throw-away instance.
func innerName[P Provider](newInner func() P) string {
	inner := newInner()
	if s, ok := any(inner).(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", inner)
}
