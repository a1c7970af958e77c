/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package strategy implements the two serve strategies of spec.md
// §4.7-§4.8: single-mode (a bounded job channel plus a pool of worker
// threads) and cluster-mode (a supervising parent that forks one
// single-mode process per worker).
package strategy

import (
	"context"
	"errors"
	"sync"
)

// errNotRunning/errShuttingDown are the Health() sentinels (spec.md §4.14).
var (
	errNotRunning   = errors.New("strategy: not running")
	errShuttingDown = errors.New("strategy: shutdown pending")
)

// Phase is the RunningPhase watch value of spec.md §4.7.
type Phase uint8

const (
	Running Phase = iota
	ShutdownPending
	Shutdown
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case ShutdownPending:
		return "shutdown_pending"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// RequestJob is one unit of work handed to a single-mode worker. A nil
// Handle marks a Shutdown job: workers receiving it exit cleanly.
type RequestJob struct {
	Handle func()
}

// Single holds the bounded job channel and worker pool of spec.md §4.7.
type Single struct {
	jobs chan RequestJob

	mu      sync.RWMutex
	phase   Phase
	watch   []chan Phase
	workers map[int]context.CancelFunc

	wg     sync.WaitGroup
	nextID int
}

// NewSingle builds a Single strategy with the given job-channel depth.
func NewSingle(queueDepth int) *Single {
	return &Single{
		jobs:    make(chan RequestJob, queueDepth),
		workers: make(map[int]context.CancelFunc),
	}
}

// Phase returns the current RunningPhase.
func (s *Single) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Health reports the strategy's RunningPhase as a healthcheck error (spec.md
// §4.14): nil while Running, errShuttingDown during the drain started by
// Stop, errNotRunning before Run or after Stop completes. Mirrors the
// teacher's srv.HealthCheck shape (nil on healthy, a sentinel error
// otherwise) without the TCP self-dial, since a Single has no listener of
// its own to probe.
func (s *Single) Health() error {
	switch s.Phase() {
	case Running:
		return nil
	case ShutdownPending:
		return errShuttingDown
	default:
		return errNotRunning
	}
}

// Watch subscribes to RunningPhase transitions.
func (s *Single) Watch() <-chan Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Phase, 4)
	s.watch = append(s.watch, ch)
	return ch
}

func (s *Single) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	watchers := append([]chan Phase(nil), s.watch...)
	s.mu.Unlock()

	for _, ch := range watchers {
		ch <- p
	}
}

// Submit enqueues a job for a worker to pick up. It blocks if the job
// channel is saturated, applying backpressure to the acceptor.
func (s *Single) Submit(job RequestJob) {
	s.jobs <- job
}

// StartWorker spawns worker id, which pulls jobs from the shared channel
// until it receives a Shutdown job (nil Handle) or its context is
// cancelled.
func (s *Single) StartWorker(ctx context.Context, id int) {
	workerCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.workers[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-workerCtx.Done():
				return
			case job, ok := <-s.jobs:
				if !ok || job.Handle == nil {
					return
				}
				job.Handle()
			}
		}
	}()
}

// Run transitions to Running, spawning workerCount workers.
func (s *Single) Run(ctx context.Context, workerCount int) {
	s.setPhase(Running)
	for i := 0; i < workerCount; i++ {
		s.StartWorker(ctx, i)
	}
}

// Stop transitions the phase to ShutdownPending, pushes one Shutdown job
// per live worker, then waits (up to the caller's ctx deadline) for
// quiescence before moving to Shutdown.
func (s *Single) Stop(ctx context.Context) {
	s.setPhase(ShutdownPending)

	s.mu.RLock()
	n := len(s.workers)
	s.mu.RUnlock()

	for i := 0; i < n; i++ {
		s.jobs <- RequestJob{}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.setPhase(Shutdown)
}
