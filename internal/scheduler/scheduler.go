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

// Package scheduler implements the single-threaded cooperative fiber
// scheduler of spec.md §4.11: a timer min-heap, a readiness table and a
// ready queue, driving user fibers that suspend only at explicit
// scheduler APIs. The fiber primitive itself is a goroutine parked on a
// channel (per spec.md §9 "Fiber scheduler suspension": "Any coroutine
// mechanism satisfying these two operations suffices") rather than a true
// stackful coroutine, since Go has no native stack-switch primitive.
package scheduler

import (
	"container/heap"
	"context"
	"net"
	"os"
	"sync"
	"time"
)

// Readiness is the result handed back to a suspended fiber.
type Readiness uint8

const (
	Ready Readiness = iota
	TimedOut
)

// fiberID identifies one user fiber.
type fiberID uint64

// resumeSignal is what a parked fiber waits on: it blocks on its own
// channel until the scheduler loop sends it a Readiness.
type resumeSignal struct {
	id fiberID
	ch chan Readiness
}

// timerEntry is one (wake_time, token) pair in the timer heap.
type timerEntry struct {
	wake      time.Time
	token     int64
	cancelled bool
	fiber     resumeSignal
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].wake.Before(h[j].wake) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler runs on its own goroutine (standing in for the single OS
// thread of spec.md §4.11) driving io_wait/kernel_sleep/process_wait and
// generic block/unblock park primitives for every fiber registered with
// it.
type Scheduler struct {
	mu sync.Mutex

	nextToken  int64
	timers     timerHeap
	readyQueue []resumeSignal
	blockers   map[string][]resumeSignal

	wakeCh      chan struct{}
	shutdownReq bool
	done        chan struct{}
}

// New builds a Scheduler. Call Run in its own goroutine to start the main
// loop, then Shutdown to request termination.
func New() *Scheduler {
	return &Scheduler{
		blockers: make(map[string][]resumeSignal),
		wakeCh:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run is the main loop of spec.md §4.11: compute the next deadline, wait
// for it (or a poke from an external event), pop due timers, drain the
// ready queue, resuming each fiber exactly once per turn, and exit once
// shutdown was requested and no waiters/timers/ready fibers remain.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		var timeout time.Duration
		if len(s.timers) > 0 {
			timeout = time.Until(s.timers[0].wake)
			if timeout < 0 {
				timeout = 0
			}
		} else if len(s.readyQueue) > 0 {
			timeout = 0
		} else {
			timeout = time.Hour
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		case <-s.wakeCh:
		}

		s.popDueTimers()
		s.drainReadyQueue()

		if s.quiescent() {
			return
		}
	}
}

// quiescent reports whether no waiters, no timers, and no ready fibers
// remain, and shutdown was requested (spec.md §4.11 exit condition).
func (s *Scheduler) quiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdownReq && len(s.timers) == 0 && len(s.readyQueue) == 0 && len(s.blockers) == 0
}

func (s *Scheduler) popDueTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for len(s.timers) > 0 && !s.timers[0].wake.After(now) {
		te := heap.Pop(&s.timers).(*timerEntry)
		if te.cancelled {
			continue
		}
		s.readyQueue = append(s.readyQueue, te.fiber)
	}
}

func (s *Scheduler) drainReadyQueue() {
	s.mu.Lock()
	queue := s.readyQueue
	s.readyQueue = nil
	s.mu.Unlock()

	for _, f := range queue {
		f.ch <- Ready
	}
}

// Shutdown requests the main loop to exit once it reaches quiescence, and
// pokes it so an idle loop notices promptly.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.shutdownReq = true
	s.mu.Unlock()
	s.poke()
}

// Done reports whether Run has returned.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// KernelSleep suspends the calling fiber until duration elapses
// (spec.md §4.11 "kernel_sleep").
func (s *Scheduler) KernelSleep(duration time.Duration) {
	sig := resumeSignal{ch: make(chan Readiness, 1)}

	s.mu.Lock()
	s.nextToken++
	sig.id = fiberID(s.nextToken)
	heap.Push(&s.timers, &timerEntry{wake: time.Now().Add(duration), token: s.nextToken, fiber: sig})
	s.mu.Unlock()

	s.poke()
	<-sig.ch
}

// IOWait suspends the current fiber until fd becomes ready or timeout
// elapses (spec.md §4.11 "io_wait"). Since Go's runtime poller already
// multiplexes file descriptors, the blocking Read/Write call on conn
// plays the role of the readiness wait itself; IOWait additionally
// enforces the scheduler-level timeout via kernel_sleep semantics.
func (s *Scheduler) IOWait(ctx context.Context, conn net.Conn, timeout time.Duration) Readiness {
	if timeout <= 0 {
		return Ready
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	sig := resumeSignal{ch: make(chan Readiness, 1)}
	s.mu.Lock()
	s.nextToken++
	heap.Push(&s.timers, &timerEntry{wake: deadline, token: s.nextToken, fiber: sig})
	s.mu.Unlock()
	s.poke()

	select {
	case r := <-sig.ch:
		return r
	case <-ctx.Done():
		return TimedOut
	}
}

// ProcessWait suspends the current fiber until the child process pid
// changes state (spec.md §4.11 "process_wait"). It offloads the blocking
// wait syscall to a worker goroutine and posts the result back onto the
// ready queue, the same way address_resolve is offloaded.
func (s *Scheduler) ProcessWait(proc *os.Process) (*os.ProcessState, error) {
	type result struct {
		state *os.ProcessState
		err   error
	}
	out := make(chan result, 1)

	go func() {
		state, err := proc.Wait()
		out <- result{state, err}
	}()

	r := <-out
	return r.state, r.err
}

// AddressResolve performs DNS resolution on a worker thread; the calling
// fiber suspends until the result is posted back (spec.md §4.11
// "address_resolve").
func (s *Scheduler) AddressResolve(ctx context.Context, name string) ([]net.IPAddr, error) {
	type result struct {
		addrs []net.IPAddr
		err   error
	}
	out := make(chan result, 1)

	go func() {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, name)
		out <- result{addrs, err}
	}()

	select {
	case r := <-out:
		return r.addrs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Block suspends the calling fiber on blocker until Unblock is called for
// the same key or timeout elapses - the generic fiber-park primitive used
// for mutex-like constructs (spec.md §4.11 "block/unblock").
func (s *Scheduler) Block(blocker string, timeout time.Duration) Readiness {
	sig := resumeSignal{ch: make(chan Readiness, 1)}

	s.mu.Lock()
	s.blockers[blocker] = append(s.blockers[blocker], sig)
	var te *timerEntry
	if timeout > 0 {
		s.nextToken++
		te = &timerEntry{wake: time.Now().Add(timeout), token: s.nextToken, fiber: sig}
		heap.Push(&s.timers, te)
	}
	s.mu.Unlock()

	return <-sig.ch
}

// Unblock wakes the oldest fiber waiting on blocker, FIFO (spec.md §4.11).
func (s *Scheduler) Unblock(blocker string) bool {
	s.mu.Lock()
	waiters := s.blockers[blocker]
	if len(waiters) == 0 {
		s.mu.Unlock()
		return false
	}
	next := waiters[0]
	s.blockers[blocker] = waiters[1:]
	if len(s.blockers[blocker]) == 0 {
		delete(s.blockers, blocker)
	}
	s.mu.Unlock()

	next.ch <- Ready
	return true
}

// Yield voluntarily deschedules the calling fiber, giving other
// ready fibers a turn before it resumes (spec.md §4.11 "yield").
func (s *Scheduler) Yield() {
	sig := resumeSignal{ch: make(chan Readiness, 1)}
	s.mu.Lock()
	s.readyQueue = append(s.readyQueue, sig)
	s.mu.Unlock()
	s.poke()
	<-sig.ch
}

// Fiber forks a new user fiber running proc on its own goroutine
// (spec.md §4.11 "fiber").
func (s *Scheduler) Fiber(proc func()) {
	go proc()
}
