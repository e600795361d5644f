// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molecule

import (
	"bufio"
	"encoding/binary"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/pkg/errors"
)

// TypedAtom is an atom as read from a structure file: its position and its atom type.
type TypedAtom struct {
	X, Y, Z float32
	Type    AtomType
}

// Reader parses the typed atoms of one structure file.
//
// Readers for native chemistry formats (PDB, SDF, ...) are provided by external toolkits and
// registered with RegisterReader.
type Reader interface {
	ReadAtoms(path string) ([]TypedAtom, error)
}

// ReaderFunc adapts a function to a Reader.
type ReaderFunc func(path string) ([]TypedAtom, error)

// ReadAtoms implements Reader.
func (fn ReaderFunc) ReadAtoms(path string) ([]TypedAtom, error) { return fn(path) }

const (
	// GninatypesSuffix is the suffix of bare-atom files, read natively.
	GninatypesSuffix = ".gninatypes"

	// NoneSuffix is a reserved file name suffix that yields an empty molecule.
	NoneSuffix = "none"
)

var (
	muReaders sync.RWMutex
	readers   = map[string]Reader{
		GninatypesSuffix: ReaderFunc(ReadGninatypesFile),
	}
)

// RegisterReader registers the reader for files ending with the given suffix, e.g. ".pdb".
// Compression suffixes (".gz", ".zst") are removed before matching. Registering a suffix again
// replaces the previous reader.
func RegisterReader(suffix string, reader Reader) {
	muReaders.Lock()
	defer muReaders.Unlock()
	readers[suffix] = reader
}

// RegisteredSuffixes returns the suffixes with a registered reader, sorted.
func RegisteredSuffixes() []string {
	muReaders.RLock()
	defer muReaders.RUnlock()
	suffixes := make([]string, 0, len(readers))
	for suffix := range readers {
		suffixes = append(suffixes, suffix)
	}
	slices.Sort(suffixes)
	return suffixes
}

// ReadAtoms reads the typed atoms of the file with the reader registered for its suffix.
// Files ending in "none" yield no atoms.
func ReadAtoms(path string) ([]TypedAtom, error) {
	if strings.HasSuffix(path, NoneSuffix) {
		return nil, nil
	}
	base := fsutil.TrimCompressionSuffix(path)
	muReaders.RLock()
	var (
		reader      Reader
		matchLength int
	)
	for suffix, r := range readers {
		if strings.HasSuffix(base, suffix) && len(suffix) > matchLength {
			reader, matchLength = r, len(suffix)
		}
	}
	muReaders.RUnlock()
	if reader == nil {
		return nil, errors.Errorf("could not read %q: no reader registered for its format (registered: %q)",
			path, RegisteredSuffixes())
	}
	atoms, err := reader.ReadAtoms(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "could not read %q", path)
	}
	return atoms, nil
}

// gninatypesRecord is the on-disk layout of one atom: 3 float32 coordinates and an int32 type, little-endian.
type gninatypesRecord struct {
	X, Y, Z float32
	Type    int32
}

// ReadGninatypesFile reads a bare-atom file, possibly compressed.
func ReadGninatypesFile(path string) ([]TypedAtom, error) {
	f, err := fsutil.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadGninatypes(f)
}

// ReadGninatypes reads bare-atom records until the end of r. A truncated last record is an error.
// Reads from r are buffered.
func ReadGninatypes(r io.Reader) ([]TypedAtom, error) {
	br := bufio.NewReader(r)
	var atoms []TypedAtom
	for {
		var rec gninatypesRecord
		err := binary.Read(br, binary.LittleEndian, &rec)
		if err == io.EOF {
			return atoms, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read atom #%d", len(atoms))
		}
		atoms = append(atoms, TypedAtom{X: rec.X, Y: rec.Y, Z: rec.Z, Type: AtomType(rec.Type)})
	}
}

// WriteGninatypes writes the atoms as bare-atom records.
func WriteGninatypes(w io.Writer, atoms []TypedAtom) error {
	records := make([]gninatypesRecord, len(atoms))
	for ii, a := range atoms {
		records[ii] = gninatypesRecord{X: a.X, Y: a.Y, Z: a.Z, Type: int32(a.Type)}
	}
	return errors.Wrap(binary.Write(w, binary.LittleEndian, records), "failed to write atoms")
}
