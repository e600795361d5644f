// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package warnonce deduplicates warnings by category: the first warning of a category is logged,
// the following ones are only counted.
package warnonce

import (
	"sync"

	"github.com/gomlx/molgrid/internal/metrics"
	"k8s.io/klog/v2"
)

// Category of a warning. Warnings are deduplicated per category, not per message.
type Category string

const (
	// UnknownAtomType is issued when an atom's type maps to no channel and the atom is discarded.
	UnknownAtomType Category = "unknown_atom_type"

	// DuplicateCacheEntry is issued when a molecule name appears more than once in a cache file.
	DuplicateCacheEntry Category = "duplicate_cache_entry"

	// EmptyReceptor is issued when an in-memory example is gridded without receptor atoms.
	EmptyReceptor Category = "empty_receptor"
)

// Set holds which categories were already reported. It is safe for concurrent use.
//
// The zero value is not usable, create it with New.
type Set struct {
	mu     sync.Mutex
	counts map[Category]int
	logf   func(format string, args ...any)
}

// New creates a Set that reports through klog.Warningf.
func New() *Set {
	return &Set{
		counts: make(map[Category]int),
		logf:   klog.Warningf,
	}
}

// WithLogger replaces the function used to emit warnings, and returns the Set to allow cascading calls.
// Mostly useful for tests.
func (s *Set) WithLogger(logf func(format string, args ...any)) *Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logf = logf
	return s
}

// Warningf logs the warning if it's the first one of its category, and returns whether it was logged.
func (s *Set) Warningf(category Category, format string, args ...any) bool {
	s.mu.Lock()
	count := s.counts[category]
	s.counts[category] = count + 1
	logf := s.logf
	s.mu.Unlock()
	if count > 0 {
		metrics.WarningsSuppressed.WithLabelValues(string(category)).Inc()
		return false
	}
	logf(format+" Future warnings of this kind are suppressed.", args...)
	return true
}

// Count returns how many times a warning of the category was raised, including the suppressed ones.
func (s *Set) Count(category Category) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[category]
}

// Emitted returns how many warnings of the category were actually logged: 0 or 1.
func (s *Set) Emitted(category Category) int {
	return min(s.Count(category), 1)
}

// Reset forgets all categories, so the next warning of each is logged again.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.counts)
}
