// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package molecule

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/molgrid/internal/fsutil"
	"github.com/gomlx/molgrid/internal/metrics"
	"github.com/gomlx/molgrid/internal/warnonce"
	"github.com/gomlx/molgrid/internal/workerspool"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Cache memoizes the parsed molecules, keyed by their file name (relative to the data root).
// Entries are never evicted.
//
// A Cache is safe for concurrent use: concurrent misses on the same name read the file only once,
// and records are only published once fully built. The first record published for a name wins.
type Cache struct {
	name     string
	atomizer Atomizer
	memoize  bool

	mu      sync.RWMutex
	entries map[string]*Record
	group   singleflight.Group
}

// NewCache creates an empty cache. The name (e.g. "receptor", "ligand") labels its metrics and logs.
// If memoize is false, Populate reads the file on every call, and only the records bulk-loaded
// with LoadFile are kept.
func NewCache(name string, atomizer Atomizer, memoize bool) *Cache {
	return &Cache{
		name:     name,
		atomizer: atomizer,
		memoize:  memoize,
		entries:  make(map[string]*Record),
	}
}

// Name of the cache.
func (c *Cache) Name() string { return c.name }

// Atomizer used to build the records.
func (c *Cache) Atomizer() Atomizer { return c.atomizer }

// Get returns the cached record for the file name, if present. The record must not be modified.
func (c *Cache) Get(name string) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, found := c.entries[name]
	return rec, found
}

// Len returns the number of cached molecules.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NumAtoms returns the total number of atoms held in the cache.
func (c *Cache) NumAtoms() (total int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, rec := range c.entries {
		total += rec.Len()
	}
	return
}

// publish inserts rec, unless there is already a record for the name, and returns the one in the cache.
func (c *Cache) publish(name string, rec *Record) (published *Record, inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, found := c.entries[name]; found {
		return existing, false
	}
	c.entries[name] = rec
	metrics.CacheEntries.WithLabelValues(c.name).Set(float64(len(c.entries)))
	return rec, true
}

// Populate returns the record of the file name, reading root+name on a miss. Absolute names
// are not prefixed by root.
//
// The returned record is shared and must not be modified.
func (c *Cache) Populate(root, name string) (*Record, error) {
	if rec, found := c.Get(name); found {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return rec, nil
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()
	if !c.memoize {
		return c.read(root, name)
	}
	v, err, _ := c.group.Do(name, func() (any, error) {
		if rec, found := c.Get(name); found {
			return rec, nil
		}
		rec, err := c.read(root, name)
		if err != nil {
			return nil, err
		}
		rec, _ = c.publish(name, rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (c *Cache) read(root, name string) (*Record, error) {
	path := fsutil.InRoot(root, name)
	atoms, err := ReadAtoms(path)
	if err != nil {
		return nil, err
	}
	metrics.MoleculesLoaded.WithLabelValues("file").Inc()
	return c.atomizer.Build(path, atoms), nil
}

// Preload populates the cache with all the given file names, using the pool for parallelism.
// If onDone is given, it is called after each file is loaded (possibly concurrently).
// It returns the first error encountered, after all loads finished.
func (c *Cache) Preload(root string, names []string, pool *workerspool.Pool, onDone func()) error {
	var (
		wg       sync.WaitGroup
		muErr    sync.Mutex
		firstErr error
	)
	for _, name := range names {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			_, err := c.Populate(root, name)
			if err != nil {
				muErr.Lock()
				if firstErr == nil {
					firstErr = err
				}
				muErr.Unlock()
			}
			if onDone != nil {
				onDone()
			}
		})
	}
	wg.Wait()
	return firstErr
}

// LoadFile bulk-loads a molecule cache file (possibly compressed), in the format written by
// WriteCacheEntry. Relative paths are taken from root.
//
// Names already in the cache (or repeated in the file) keep their first record, with one warning per
// warnings Set. It returns the number of molecules added.
func (c *Cache) LoadFile(root, path string) (int, error) {
	path = fsutil.InRoot(root, path)
	f, err := fsutil.Open(path)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to open %s molecule cache", c.name)
	}
	defer func() { _ = f.Close() }()
	klog.Infof("Loading %s molecules from %q with cache at size %s", c.name, path, humanize.Comma(int64(c.Len())))

	r := bufio.NewReader(f)
	added := 0
	for {
		name, atoms, err := readCacheEntry(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return added, errors.WithMessagef(err, "molecule cache %q, after %d entries", path, added)
		}
		metrics.MoleculesLoaded.WithLabelValues("cachefile").Inc()
		if _, found := c.Get(name); found {
			if c.atomizer.Warnings != nil {
				c.atomizer.Warnings.Warningf(warnonce.DuplicateCacheEntry,
					"File %q duplicated in provided cache %q: keeping the first one.", name, path)
			}
			continue
		}
		if _, inserted := c.publish(name, c.atomizer.Build(name, atoms)); inserted {
			added++
		}
	}
	klog.Infof("Done loading from %q with cache at size %s", path, humanize.Comma(int64(c.Len())))
	return added, nil
}

// readCacheEntry reads one record of a cache file: 1 byte name length, name, int32 number of atoms
// and the atoms. It returns io.EOF only if there are no more entries.
func readCacheEntry(r *bufio.Reader) (name string, atoms []TypedAtom, err error) {
	nameLen, err := r.ReadByte()
	if err != nil {
		return // io.EOF at an entry boundary.
	}
	nameBytes := make([]byte, nameLen)
	if _, err = io.ReadFull(r, nameBytes); err != nil {
		err = errors.Wrap(noEOF(err), "failed to read molecule name")
		return
	}
	name = string(nameBytes)
	var numAtoms int32
	if err = binary.Read(r, binary.LittleEndian, &numAtoms); err != nil {
		err = errors.Wrapf(noEOF(err), "failed to read number of atoms of %q", name)
		return
	}
	if numAtoms < 0 {
		err = errors.Errorf("invalid number of atoms %d for %q", numAtoms, name)
		return
	}
	records := make([]gninatypesRecord, numAtoms)
	if err = binary.Read(r, binary.LittleEndian, records); err != nil {
		err = errors.Wrapf(noEOF(err), "failed to read the %d atoms of %q", numAtoms, name)
		return
	}
	atoms = make([]TypedAtom, numAtoms)
	for ii, rec := range records {
		atoms[ii] = TypedAtom{X: rec.X, Y: rec.Y, Z: rec.Z, Type: AtomType(rec.Type)}
	}
	return
}

// noEOF converts io.EOF in the middle of an entry to io.ErrUnexpectedEOF.
func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteCacheEntry writes one molecule in the cache file format read by Cache.LoadFile.
// Names are limited to 255 bytes.
func WriteCacheEntry(w io.Writer, name string, atoms []TypedAtom) error {
	if len(name) > 255 {
		return errors.Errorf("molecule name %q too long for a cache file (%d > 255 bytes)", name, len(name))
	}
	if _, err := w.Write(append([]byte{byte(len(name))}, name...)); err != nil {
		return errors.Wrapf(err, "failed to write cache entry for %q", name)
	}
	if err := binary.Write(w, binary.LittleEndian, int32(len(atoms))); err != nil {
		return errors.Wrapf(err, "failed to write cache entry for %q", name)
	}
	return errors.WithMessagef(WriteGninatypes(w, atoms), "cache entry for %q", name)
}
