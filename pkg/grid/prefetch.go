// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grid

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prefetcher builds batches of a Pipeline in a background goroutine, keeping up to a fixed number
// of them ready.
//
// Since batches are built ahead of time, the slots of the Pipeline don't correspond to the last batch
// returned by Next: it can't be used with atom gradients or in-memory mode.
//
// To avoid leaking the goroutine, call Stop when done.
type Prefetcher struct {
	pipeline *Pipeline

	buffer         chan *Batch
	stop, finished chan struct{}
	stopOnce       sync.Once

	muErr sync.Mutex
	err   error
}

// NewPrefetcher starts building batches of p in the background, keeping up to bufferSize of them
// (at least 1) ready.
func NewPrefetcher(p *Pipeline, bufferSize int) (*Prefetcher, error) {
	if p.cfg.ComputeAtomGradients {
		return nil, errors.New("batches can't be prefetched when compute_atom_gradients is set")
	}
	if p.cfg.InMemory {
		return nil, errors.New("batches can't be prefetched in in-memory mode")
	}
	pf := &Prefetcher{
		pipeline: p,
		buffer:   make(chan *Batch, max(bufferSize, 1)),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go pf.run()
	return pf, nil
}

func (pf *Prefetcher) run() {
	defer close(pf.finished)
	for {
		select {
		case <-pf.stop:
			return
		default:
			// Build the next batch.
		}
		batch, err := pf.pipeline.Forward()
		if err != nil {
			klog.Errorf("Prefetching of grid batches stopped: %+v", err)
			pf.muErr.Lock()
			pf.err = err
			pf.muErr.Unlock()
			return
		}
		select {
		case <-pf.stop:
			return
		case pf.buffer <- batch:
		}
	}
}

// Next returns the next prefetched batch, waiting for it if needed.
//
// It returns the error that stopped the background goroutine, if one failed, or ctx.Err() if the
// context is done first.
func (pf *Prefetcher) Next(ctx context.Context) (*Batch, error) {
	select {
	case batch := <-pf.buffer:
		return batch, nil
	default:
	}
	select {
	case batch := <-pf.buffer:
		return batch, nil
	case <-pf.finished:
		// Batches built before the goroutine finished are still returned.
		select {
		case batch := <-pf.buffer:
			return batch, nil
		default:
		}
		pf.muErr.Lock()
		defer pf.muErr.Unlock()
		if pf.err != nil {
			return nil, pf.err
		}
		return nil, errors.New("grid Prefetcher was stopped")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop the background goroutine and wait for it to finish. It can be called more than once.
func (pf *Prefetcher) Stop() {
	pf.stopOnce.Do(func() { close(pf.stop) })
	<-pf.finished
}
