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

// Package middleware defines the uniform before/after contract shared by
// every layer (spec.md §4.4) and a closed, tagged-variant Layer type for
// allocation-free dispatch (spec.md §9 "Pipeline polymorphism").
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itsi-go/server/internal/body"
)

// Response is a pipeline-internal, not-yet-written HTTP response. Layers
// mutate it during after() before the acceptor commits it to the wire.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// NewResponse builds a Response ready to be returned from Before to
// short-circuit the pipeline.
func NewResponse(status int, body []byte) *Response {
	return &Response{Status: status, Header: make(http.Header), Body: body}
}

// Context is created per HTTP request and visible to every layer
// (spec.md §3 "Request context").
type Context struct {
	PeerAddr string
	Pattern  string
	Format   string // negotiated from Accept
	Start    time.Time

	// Captures holds the matched route pattern's named capture groups,
	// resolved against the request path once at match time. The
	// string-rewrite engine (spec.md §4.4.14) resolves any placeholder
	// that isn't one of the reserved names against this map.
	Captures map[string]string

	// Body is the size-limited wrapper around the request's inbound
	// stream (spec.md §4.3). A layer's before() may call Body.SetLimit
	// to tighten or loosen the ceiling ahead of the app dispatcher
	// consuming it; nil when the acceptor was not configured with one.
	Body *body.Limited

	// RequestID correlates this request across log lines and, when a
	// layer chooses to forward it, across upstream calls. Generated once
	// per request in NewContext.
	RequestID string

	scratchMu sync.Mutex
	scratch   map[string]any

	compressionOnce sync.Once
	compression     string

	originOnce sync.Once
	origin     string
}

// NewContext creates a Context for one request.
func NewContext(peerAddr, pattern string) *Context {
	return &Context{
		PeerAddr:  peerAddr,
		Pattern:   pattern,
		Start:     time.Now(),
		RequestID: uuid.NewString(),
		scratch:   make(map[string]any),
	}
}

// SetCompression records the negotiated compression algorithm. Write-once:
// a second call is a no-op, matching the "write-once cells" policy for
// request-context fields (spec.md §5 "Shared-resource policy").
func (c *Context) SetCompression(algo string) {
	c.compressionOnce.Do(func() { c.compression = algo })
}

func (c *Context) Compression() string {
	return c.compression
}

// SetOrigin records the echoed CORS origin header. Write-once, see
// SetCompression.
func (c *Context) SetOrigin(origin string) {
	c.originOnce.Do(func() { c.origin = origin })
}

func (c *Context) Origin() string {
	return c.origin
}

// Scratch stores arbitrary per-request data for log templating and
// cross-layer communication (e.g. the string-rewrite engine's named
// capture groups).
func (c *Context) ScratchSet(key string, value any) {
	c.scratchMu.Lock()
	defer c.scratchMu.Unlock()
	c.scratch[key] = value
}

func (c *Context) ScratchGet(key string) (any, bool) {
	c.scratchMu.Lock()
	defer c.scratchMu.Unlock()
	v, ok := c.scratch[key]
	return v, ok
}

// Layer is the uniform contract every middleware concern implements
// (spec.md §4.4). Initialize runs once at process start; Before may
// mutate the request, short-circuit with a Response, or fail; After may
// rewrite a Response produced further down the traversed prefix.
type Layer interface {
	// Name identifies the layer kind for logging and the tagged-variant
	// fast-path switch.
	Name() string

	// Initialize performs one-shot, possibly expensive setup (regex
	// compilation, header-map construction). Called at most once per
	// server generation; a second call is a startup-time bug.
	Initialize() error

	// Before may return a mutated request, a short-circuit Response, or
	// an error. Exactly one of (request, response, error) is meaningful:
	// a non-nil Response always short-circuits regardless of request.
	Before(r *http.Request, ctx *Context) (*http.Request, *Response, error)

	// After runs only for layers whose Before ran, in reverse traversal
	// order (spec.md §4.5).
	After(resp *Response, ctx *Context) *Response
}

// Base provides the Initialize-once guard most layers embed, matching the
// "write-once cells... double-init is a startup-time bug and fails fast"
// policy (spec.md §5).
type Base struct {
	initOnce sync.Once
	initErr  error
	initDone bool
}

// Guard runs fct at most once; subsequent calls return the first error (or
// nil) without re-running fct. A second *attempt* to initialize is not
// itself an error - the contract only requires fct run once - but callers
// that need hard-fail-fast semantics should check Initialized first.
func (b *Base) Guard(fct func() error) error {
	b.initOnce.Do(func() {
		b.initErr = fct()
		b.initDone = true
	})
	return b.initErr
}

func (b *Base) Initialized() bool {
	return b.initDone
}

// MustOnce panics if Initialize is invoked a second time on a layer that
// requires strict single-init (e.g. layers compiling RegexSets that would
// silently double-compile otherwise).
func MustOnce(b *Base, name string) error {
	if b.Initialized() {
		return fmt.Errorf("middleware %s: Initialize called more than once", name)
	}
	return nil
}
