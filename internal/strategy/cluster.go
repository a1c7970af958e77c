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

package strategy

import (
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/itsi-go/server/internal/lifecycle"
)

// Worker is the parent's record for one forked child (spec.md §4.8
// "{worker_id, child_pid}").
type Worker struct {
	ID      int
	Process *os.Process
}

// Cluster is the parent side of cluster-mode: it forks one single-mode
// child process per worker and reacts to lifecycle events for that fleet.
//
// Reload vs Restart (spec.md §9 open question, resolved here): Reload is
// a single rolling replace of one worker (start N+1th, drain the oldest
// once the new one is healthy); Restart applies that same rolling
// sequence to every worker in turn, so the fleet is fully replaced one
// slot at a time rather than all at once.
//
// IncreaseWorkers/DecreaseWorkers change the desired worker count by
// exactly one per event; the control loop converges toward the desired
// count by spawning or draining a single slot per iteration.
type Cluster struct {
	mu             sync.Mutex
	workers        map[int]*Worker
	nextID         int
	desired        int
	autorestart    bool
	gracefulDeadline time.Duration

	childCmd func(id int) *exec.Cmd
	plane    *lifecycle.Plane
}

// NewCluster builds a Cluster that forks children via childCmd (typically
// re-execing this binary in single-mode with inherited listener fds) and
// reacts to events raised on plane.
func NewCluster(plane *lifecycle.Plane, childCmd func(id int) *exec.Cmd, graceful time.Duration, autorestart bool) *Cluster {
	return &Cluster{
		workers:          make(map[int]*Worker),
		childCmd:         childCmd,
		plane:            plane,
		gracefulDeadline: graceful,
		autorestart:      autorestart,
	}
}

// spawnLocked forks one new worker; caller must hold c.mu.
func (c *Cluster) spawnLocked() (*Worker, error) {
	id := c.nextID
	c.nextID++

	cmd := c.childCmd(id)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	w := &Worker{ID: id, Process: cmd.Process}
	c.workers[id] = w
	return w, nil
}

// Run forks desiredCount children and blocks, reacting to lifecycle
// events until Shutdown/ForceShutdown completes.
func (c *Cluster) Run(desiredCount int) error {
	c.mu.Lock()
	c.desired = desiredCount
	for i := 0; i < desiredCount; i++ {
		if _, err := c.spawnLocked(); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	events := c.plane.Subscribe(16)
	for ev := range events {
		switch ev {
		case lifecycle.ChildTerminated:
			c.reap()
		case lifecycle.IncreaseWorkers:
			c.adjustDesired(1)
		case lifecycle.DecreaseWorkers:
			c.adjustDesired(-1)
		case lifecycle.Reload:
			c.rollingReplace(1)
		case lifecycle.Restart:
			c.mu.Lock()
			n := len(c.workers)
			c.mu.Unlock()
			c.rollingReplace(n)
		case lifecycle.Shutdown:
			c.gracefulShutdownAll()
			return nil
		case lifecycle.ForceShutdown:
			c.killAll()
			return nil
		}
	}
	return nil
}

// reap performs a non-blocking waitpid over known workers, rebooting any
// slot that exited when autorestart is enabled.
func (c *Cluster) reap() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, w := range c.workers {
		var status syscall.WaitStatus
		pid, err := syscall.Wait4(w.Process.Pid, &status, syscall.WNOHANG, nil)
		if err != nil || pid == 0 {
			continue
		}
		delete(c.workers, id)
		if c.autorestart {
			c.spawnLocked()
		}
	}
}

// adjustDesired changes the desired count by delta and converges by
// spawning or draining exactly one slot (spec.md §8 testable property:
// the fleet converges one worker at a time, never overshooting).
func (c *Cluster) adjustDesired(delta int) {
	c.mu.Lock()
	c.desired += delta
	current := len(c.workers)
	desired := c.desired
	c.mu.Unlock()

	switch {
	case current < desired:
		c.mu.Lock()
		c.spawnLocked()
		c.mu.Unlock()
	case current > desired:
		c.drainOne()
	}
}

// drainOne soft-terminates (SIGTERM) the oldest worker.
func (c *Cluster) drainOne() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldestID = -1
	for id := range c.workers {
		if oldestID == -1 || id < oldestID {
			oldestID = id
		}
	}
	if oldestID == -1 {
		return
	}
	c.workers[oldestID].Process.Signal(syscall.SIGTERM)
	delete(c.workers, oldestID)
}

// rollingReplace replaces n workers one at a time: start a new worker,
// and once it has joined the fleet, drain the oldest pre-existing one.
func (c *Cluster) rollingReplace(n int) {
	for i := 0; i < n; i++ {
		c.mu.Lock()
		oldestID := -1
		for id := range c.workers {
			if oldestID == -1 || id < oldestID {
				oldestID = id
			}
		}
		_, err := c.spawnLocked()
		c.mu.Unlock()
		if err != nil {
			return
		}

		if oldestID != -1 {
			c.mu.Lock()
			if w, ok := c.workers[oldestID]; ok {
				w.Process.Signal(syscall.SIGTERM)
				delete(c.workers, oldestID)
			}
			c.mu.Unlock()
		}
	}
}

// gracefulShutdownAll sends SIGTERM to every worker, waits up to the
// configured graceful deadline, then SIGKILLs any laggards.
func (c *Cluster) gracefulShutdownAll() {
	c.mu.Lock()
	procs := make([]*os.Process, 0, len(c.workers))
	for _, w := range c.workers {
		procs = append(procs, w.Process)
	}
	c.mu.Unlock()

	for _, p := range procs {
		p.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		for _, p := range procs {
			p.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.gracefulDeadline):
		for _, p := range procs {
			p.Kill()
		}
	}

	c.mu.Lock()
	c.workers = make(map[int]*Worker)
	c.mu.Unlock()
}

// killAll immediately SIGKILLs every worker (spec.md §4.8 ForceShutdown).
func (c *Cluster) killAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, w := range c.workers {
		w.Process.Kill()
	}
	c.workers = make(map[int]*Worker)
}
