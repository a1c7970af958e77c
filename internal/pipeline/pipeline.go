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

// Package pipeline drives one request through a matched middleware stack,
// implementing the before/after symmetry and short-circuit semantics of
// spec.md §4.5.
package pipeline

import (
	"net/http"
	"regexp"

	liblog "github.com/itsi-go/server/logger"

	"github.com/itsi-go/server/internal/middleware"
)

// Route maps a compiled route pattern to its ordered layer stack
// (spec.md §3 "Middleware map"). Pattern is compiled once, at config load
// time, by config.Manager.
type Route struct {
	Pattern *regexp.Regexp
	Stack   []middleware.Layer
}

// Service walks the matched route's stack for each request. A single
// request resolves to exactly one pattern (first match wins) or the
// empty stack (spec.md §3).
type Service struct {
	Routes []Route
	Log    liblog.Logger
}

// Match returns the first route whose Pattern matches path, or nil
// (first match wins, spec.md §3).
func (s *Service) Match(path string) *Route {
	for i := range s.Routes {
		if s.Routes[i].Pattern.MatchString(path) {
			return &s.Routes[i]
		}
	}
	return nil
}

// Captures resolves path's named capture groups against r's pattern, for
// the string-rewrite engine (spec.md §4.4.14 "other names resolve against
// regex named-capture groups of the matched route").
func (r *Route) Captures(path string) map[string]string {
	match := r.Pattern.FindStringSubmatch(path)
	if match == nil {
		return nil
	}
	names := r.Pattern.SubexpNames()
	out := make(map[string]string, len(names))
	for i, name := range names {
		if i == 0 || name == "" {
			continue
		}
		out[name] = match[i]
	}
	return out
}

// Run executes the before/after pipeline described in spec.md §4.5:
//
//	for layer in stack:
//	    match layer.before(req, ctx):
//	        Err(e)   -> return error
//	        Right(R) -> resp = R; break
//	        Left(r)  -> req = r; k += 1
//	if resp is None: return 500
//	for layer in reverse(stack[..k]):
//	    resp = layer.after(resp, ctx)
//	return resp
//
// k counts only layers that were traversed without short-circuiting:
// the layer that produces Right(R) is excluded from the after-loop, it
// never had its "continuing" half of before() committed.
func Run(stack []middleware.Layer, r *http.Request, ctx *middleware.Context) *middleware.Response {
	var resp *middleware.Response
	k := 0

	for _, layer := range stack {
		next, shortCircuit, err := layer.Before(r, ctx)
		if err != nil {
			return internalError(err)
		}
		if shortCircuit != nil {
			resp = shortCircuit
			break
		}
		k++
		r = next
	}

	if resp == nil {
		resp = middleware.NewResponse(http.StatusInternalServerError, nil)
	}

	for i := k - 1; i >= 0; i-- {
		resp = stack[i].After(resp, ctx)
	}

	return resp
}

func internalError(err error) *middleware.Response {
	resp := middleware.NewResponse(http.StatusInternalServerError, []byte(err.Error()))
	return resp
}
