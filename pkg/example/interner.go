// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package example

import (
	"fmt"
	"strings"
	"sync"
)

// Handle refers to an interned string. It is stable for the lifetime of its Interner.
type Handle int32

// NoHandle is the zero-like value for an unset handle.
const NoHandle Handle = -1

// Interner stores each distinct string once, and maps it to a stable Handle.
//
// It is safe for concurrent use.
type Interner struct {
	mu      sync.RWMutex
	handles map[string]Handle
	names   []string
}

// NewInterner returns an empty intern table.
func NewInterner() *Interner {
	return &Interner{handles: make(map[string]Handle)}
}

// Intern returns the handle for s, creating one if s was not seen before.
func (in *Interner) Intern(s string) Handle {
	in.mu.RLock()
	h, found := in.handles[s]
	in.mu.RUnlock()
	if found {
		return h
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if h, found = in.handles[s]; found {
		return h
	}
	h = Handle(len(in.names))
	in.names = append(in.names, s)
	in.handles[s] = h
	return h
}

// Lookup returns the handle of s, if it was interned.
func (in *Interner) Lookup(s string) (Handle, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	h, found := in.handles[s]
	return h, found
}

// Name returns the string for handle h. It panics if h was not created by this Interner.
func (in *Interner) Name(h Handle) string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if h < 0 || int(h) >= len(in.names) {
		panic(fmt.Sprintf("example.Interner: invalid handle %d (only %d strings interned)", h, len(in.names)))
	}
	return in.names[h]
}

// Len returns the number of distinct strings interned.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.names)
}

// Describe returns the record with the file names resolved, for logging.
func (in *Interner) Describe(r Record) string {
	ligands := make([]string, 0, len(r.Ligands))
	for _, h := range r.Ligands {
		ligands = append(ligands, in.Name(h))
	}
	return fmt.Sprintf("label=%g affinity=%g rmsd=%g weight=%g receptor=%s ligands=[%s]",
		r.Label, r.Affinity, r.RMSD, r.Weight, in.Name(r.Receptor), strings.Join(ligands, " "))
}
