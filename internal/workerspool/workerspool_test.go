// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPool_WaitToStart(t *testing.T) {
	const maxParallelism, numTasks = 3, 50
	pool := New().SetMaxParallelism(maxParallelism)

	var running, peak, done atomic.Int32
	var wg sync.WaitGroup
	for range numTasks {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			runtime.Gosched()
			running.Add(-1)
			done.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(numTasks), done.Load())
	assert.LessOrEqual(t, int(peak.Load()), maxParallelism)

	// No parallelism: tasks run inline.
	pool.SetMaxParallelism(0)
	var count int
	for range 5 {
		pool.WaitToStart(func() { count++ })
	}
	assert.Equal(t, 5, count)

	// Unlimited.
	pool.SetMaxParallelism(-1)
	done.Store(0)
	for range numTasks {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			done.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(numTasks), done.Load())
}
