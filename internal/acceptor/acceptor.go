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

// Package acceptor drives one accepted connection end-to-end (spec.md
// §4.6): wraps the IoStream, serves HTTP/1 and HTTP/2 with automatic
// upgrade detection, drives each request through the middleware service,
// and races connection completion against the lifecycle shutdown watch.
package acceptor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/itsi-go/server/internal/body"
	"github.com/itsi-go/server/internal/itsierr"
	"github.com/itsi-go/server/internal/lifecycle"
	"github.com/itsi-go/server/internal/metrics"
	"github.com/itsi-go/server/internal/middleware"
	"github.com/itsi-go/server/internal/netw"
	"github.com/itsi-go/server/internal/pipeline"
)

// Server drives one Listener's accepted connections through the matched
// middleware pipeline, speaking both HTTP/1.1 and HTTP/2.
type Server struct {
	Listener *netw.Listener
	Service  *pipeline.Service
	Plane    *lifecycle.Plane

	// Generation, when set, takes priority over Service on every
	// request: a hot-reload swaps the pointer (spec.md §3 "Mutated only
	// by a hot-reload, which produces a new generation and swaps the
	// pointer; in-flight requests keep the old generation until
	// completion"), which this read achieves for free since a request
	// already in flight holds the *pipeline.Service it loaded at
	// dispatch time, not a reference to the swappable pointer itself.
	Generation *atomic.Pointer[pipeline.Service]

	// Metrics, when set, records one observation per completed request
	// (spec.md §4.12): latency from dispatch to response, labeled by the
	// matched route pattern and status class, plus a separate counter
	// when a rate_limit layer is the one that produced the response.
	Metrics *metrics.Registry

	// MaxBodyBytes is the default per-request body ceiling (spec.md
	// §4.3); non-positive means unlimited. Applied by wrapping r.Body
	// before the matched stack runs.
	MaxBodyBytes int64

	// Health, when set, backs the /itsi/health endpoint (spec.md §4.14):
	// a nil return serves 200, a non-nil return serves 503 with the
	// error's text as the body. The endpoint is served ahead of route
	// matching, bypassing the configured middleware stack entirely, so
	// it stays reachable even if the pipeline itself is misconfigured.
	Health func() error

	// ShutdownDeadline bounds how long Serve waits for in-flight
	// connections to finish once the lifecycle plane requests shutdown
	// (spec.md §4.6 step 5 "Join").
	ShutdownDeadline time.Duration

	h1        *http.Server
	h2        *http2.Server
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Serve accepts connections until the lifecycle plane raises Shutdown or
// ForceShutdown, then joins in-flight connections up to ShutdownDeadline.
func (s *Server) Serve(ctx context.Context) error {
	s.h2 = &http2.Server{}
	handler := s.httpHandler()
	s.h1 = &http.Server{Handler: h2cHandler(s.h2, handler)}

	events := s.Plane.Subscribe(4)
	acceptCtx, cancelAccept := context.WithCancel(ctx)
	defer cancelAccept()

	go func() {
		for ev := range events {
			if ev == lifecycle.Shutdown || ev == lifecycle.ForceShutdown {
				cancelAccept()
				s.Listener.Close()
				return
			}
		}
	}()

	for {
		stream, _, err := s.Listener.Accept()
		if err != nil {
			select {
			case <-acceptCtx.Done():
				return s.join()
			default:
				return err
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.h1.Serve(singleConnListener{stream})
		}()
	}
}

// join waits for in-flight connections to finish, up to ShutdownDeadline;
// connections still running at the deadline are abandoned (spec.md §4.6
// step 5).
func (s *Server) join() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	deadline := s.ShutdownDeadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}

	select {
	case <-done:
		return nil
	case <-time.After(deadline):
		return nil
	}
}

// service resolves the generation to dispatch against: Generation when
// set, falling back to the fixed Service otherwise.
func (s *Server) service() *pipeline.Service {
	if s.Generation != nil {
		if gen := s.Generation.Load(); gen != nil {
			return gen
		}
	}
	return s.Service
}

// httpHandler drives each request through the matched middleware stack
// (spec.md §4.6 step 3), resolving to the pipeline's default 500 when no
// layer produces a response.
func (s *Server) httpHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == healthPath && s.Health != nil {
			s.serveHealth(w)
			return
		}

		route := s.service().Match(r.URL.Path)
		var stack []middleware.Layer
		var captures map[string]string
		pattern := ""
		if route != nil {
			stack = route.Stack
			captures = route.Captures(r.URL.Path)
			pattern = route.Pattern.String()
		}

		limited := body.NewLimited(r.Body, s.MaxBodyBytes)
		r.Body = limited

		ctx := middleware.NewContext(r.RemoteAddr, pattern)
		ctx.Captures = captures
		ctx.Body = limited
		resp := pipeline.Run(stack, r, ctx)

		// The stream-ending error (spec.md §4.3) surfaces to whatever
		// read the body, not to Run itself; the acceptor is the pipeline
		// boundary that maps it to HTTP 413 regardless of what that
		// reader did with the error.
		if limited.Exceeded() {
			resp = middleware.NewResponse(itsierr.HTTPStatus(itsierr.PayloadTooLarge), nil)
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.Header().Set("X-Request-Id", ctx.RequestID)
		if resp.Status == 0 {
			resp.Status = http.StatusOK
		}
		w.WriteHeader(resp.Status)
		if resp.Body != nil {
			w.Write(resp.Body)
		}

		if s.Metrics != nil {
			s.Metrics.ObserveRequest(pattern, statusClass(resp.Status), time.Since(ctx.Start))
			if blockedByRateLimit(stack, resp.Status) {
				s.Metrics.ObserveRateLimitBlock(pattern)
			}
		}
	})
}

// healthPath is the static internal endpoint of spec.md §4.14, served
// ahead of the configured middleware stack rather than as a route in it.
const healthPath = "/itsi/health"

// serveHealth answers the health probe directly from s.Health, never
// touching s.service()'s matched stack.
func (s *Server) serveHealth(w http.ResponseWriter) {
	if err := s.Health(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(err.Error()))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// statusClass buckets an HTTP status into Prometheus's conventional "2xx"
// label shape.
func statusClass(status int) string {
	return fmt.Sprintf("%dxx", status/100)
}

// blockedByRateLimit reports whether resp looks like the short-circuit a
// rate_limit layer in stack would have produced (its own BlockedStatus).
func blockedByRateLimit(stack []middleware.Layer, status int) bool {
	for _, l := range stack {
		if rl, ok := l.(*middleware.RateLimit); ok && rl.BlockedStatus == status {
			return true
		}
	}
	return false
}
