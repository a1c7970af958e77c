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

// Package ratelimit implements the pluggable rate-limit Backend contract
// of spec.md §4.4.5/§4.4.6 and an in-process backend built on the carried
// generic TTL cache plus golang.org/x/time/rate for the per-key counter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	cchlib "github.com/itsi-go/server/cache"
)

// Key identifies one rate-limit counter: a (principal, path) pair
// (spec.md §3 "Rate-limit key").
type Key struct {
	Principal string
	Path      string
}

// Backend implements increment(key, window) -> new_count (spec.md §4.4.5).
// Backend errors fail open: callers must treat an error as "admit".
type Backend interface {
	Increment(ctx context.Context, key Key, window time.Duration) (count int, err error)
}

// entry tracks one key's window start and count, reset whenever the window
// elapses - a simple fixed-window counter, sufficient for the "never
// reports a count greater than the number of increment calls" testable
// property (spec.md §8); a token-bucket limiter is used underneath for the
// smoothed variant some layers prefer (see Limiter).
type entry struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
}

// InProcess is the default Backend: an in-memory TTL map keyed by
// (principal, path), one entry per key, reset on window rollover.
type InProcess struct {
	cache cchlib.Cache[Key, *entry]
}

// NewInProcess builds an InProcess backend whose entries expire after ttl
// of inactivity (bounding memory for long-tail principals).
func NewInProcess(ctx context.Context, ttl time.Duration) *InProcess {
	return &InProcess{cache: cchlib.New[Key, *entry](ctx, ttl)}
}

func (b *InProcess) Increment(_ context.Context, key Key, window time.Duration) (int, error) {
	e, _, ok := b.cache.Load(key)
	if !ok {
		e = &entry{windowStart: time.Now(), count: 0}
		if existing, _, loaded := b.cache.LoadOrStore(key, e); loaded {
			e = existing
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if time.Since(e.windowStart) >= window {
		e.windowStart = time.Now()
		e.count = 0
	}

	e.count++
	return e.count, nil
}

func (b *InProcess) Close() error {
	return b.cache.Close()
}

// Limiter wraps golang.org/x/time/rate to smooth admission for layers that
// want a token-bucket shape (e.g. the proxy's upstream client) rather than
// a fixed-window counter.
type Limiter struct {
	mu       sync.Mutex
	limiters map[Key]*rate.Limiter
	r        rate.Limit
	burst    int
}

func NewLimiter(r rate.Limit, burst int) *Limiter {
	return &Limiter{limiters: make(map[Key]*rate.Limiter), r: r, burst: burst}
}

// Allow reports whether key may proceed right now, lazily creating a
// per-key token bucket on first use.
func (l *Limiter) Allow(key Key) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()

	return lim.Allow()
}
