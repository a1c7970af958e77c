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

// Package lifecycle is the process-wide signal & lifecycle plane of
// spec.md §4.9: an atomic shutdown flag, an atomic SIGINT counter, a
// lazily-initialized broadcast channel, and a pending-event queue for
// events raised before any subscriber exists.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Event is one lifecycle transition raised by a signal or by an operator
// command (spec.md §4.8/§4.9).
type Event uint8

const (
	Shutdown Event = iota
	ForceShutdown
	Reload
	Restart
	PrintInfo
	IncreaseWorkers
	DecreaseWorkers
	ChildTerminated
)

func (e Event) String() string {
	switch e {
	case Shutdown:
		return "shutdown"
	case ForceShutdown:
		return "force_shutdown"
	case Reload:
		return "reload"
	case Restart:
		return "restart"
	case PrintInfo:
		return "print_info"
	case IncreaseWorkers:
		return "increase_workers"
	case DecreaseWorkers:
		return "decrease_workers"
	case ChildTerminated:
		return "child_terminated"
	default:
		return "unknown"
	}
}

// Plane is the process-wide lifecycle state (spec.md §4.9). The zero value
// is not usable; construct with New.
type Plane struct {
	shuttingDown atomic.Bool
	sigintCount  atomic.Int32

	mu          sync.Mutex
	subscribers []chan Event
	pending     []Event

	sigCh chan os.Signal
	stop  chan struct{}
}

// New builds a Plane with no subscribers yet; events raised before the
// first Subscribe call are queued and delivered once a subscriber attaches.
func New() *Plane {
	return &Plane{}
}

// Subscribe attaches a new FIFO delivery channel, draining any events that
// were queued before this (or any) subscriber existed.
func (p *Plane) Subscribe(buffer int) <-chan Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch := make(chan Event, buffer)
	p.subscribers = append(p.subscribers, ch)

	for _, ev := range p.pending {
		ch <- ev
	}
	p.pending = nil

	return ch
}

// Send enqueues ev when no subscriber exists yet, and broadcasts to every
// subscriber's channel otherwise (spec.md §4.9 "send_lifecycle_event").
func (p *Plane) Send(ev Event) {
	if ev == Shutdown || ev == ForceShutdown {
		p.shuttingDown.Store(true)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.subscribers) == 0 {
		p.pending = append(p.pending, ev)
		return
	}
	for _, ch := range p.subscribers {
		ch <- ev
	}
}

// ShuttingDown reports whether a Shutdown or ForceShutdown event has ever
// been raised.
func (p *Plane) ShuttingDown() bool {
	return p.shuttingDown.Load()
}

// ResetSignalHandlers installs the OS signal table of spec.md §4.9, mapping
// each signal to a lifecycle Event; it must be called before binding any
// listener. The second SIGTERM/SIGINT escalates Shutdown to ForceShutdown.
func (p *Plane) ResetSignalHandlers() {
	p.sigCh = make(chan os.Signal, 8)
	p.stop = make(chan struct{})

	signal.Notify(p.sigCh,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP,
		syscall.SIGUSR1, syscall.SIGUSR2,
		syscall.SIGTTIN, syscall.SIGTTOU, syscall.SIGCHLD,
	)

	go func() {
		for {
			select {
			case sig, ok := <-p.sigCh:
				if !ok {
					return
				}
				p.dispatchSignal(sig)
			case <-p.stop:
				return
			}
		}
	}()
}

func (p *Plane) dispatchSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		if p.sigintCount.Add(1) > 1 {
			p.Send(ForceShutdown)
		} else {
			p.Send(Shutdown)
		}
	case syscall.SIGHUP:
		p.Send(Reload)
	case syscall.SIGUSR1:
		p.Send(Restart)
	case syscall.SIGUSR2:
		p.Send(PrintInfo)
	case syscall.SIGTTIN:
		p.Send(IncreaseWorkers)
	case syscall.SIGTTOU:
		p.Send(DecreaseWorkers)
	case syscall.SIGCHLD:
		p.Send(ChildTerminated)
	}
}

// ClearSignalHandlers restores default signal dispositions, called on
// orderly exit (spec.md §4.9 "clear_signal_handlers").
func (p *Plane) ClearSignalHandlers() {
	if p.sigCh != nil {
		signal.Stop(p.sigCh)
		close(p.stop)
	}
}
