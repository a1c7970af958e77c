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

package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

// CORS implements cross-origin headers (spec.md §4.4.7).
//
// Open-question resolution (spec.md §9): preflight responds 204, not the
// spec text's literal 200 - a 204 carries no body and is what the Go
// ecosystem's CORS middlewares (e.g. rs/cors) return, and is
// standards-compliant for an OPTIONS preflight with no content.
type CORS struct {
	Base

	AllowOrigins []string // "*" or an explicit list
	AllowMethods []string
	AllowHeaders []string
	MaxAge       int // seconds
}

func (l *CORS) Name() string { return "cors" }

func (l *CORS) Initialize() error { return l.Guard(func() error { return nil }) }

func (l *CORS) allowedOrigin(origin string) (string, bool) {
	for _, o := range l.AllowOrigins {
		if o == "*" {
			return "*", true
		}
		if o == origin {
			return origin, true
		}
	}
	return "", false
}

func (l *CORS) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return r, nil, nil
	}

	if r.Method == http.MethodOptions {
		resp := NewResponse(http.StatusNoContent, nil)
		resp.Header = http.Header{}
		if allowed, ok := l.allowedOrigin(origin); ok {
			resp.Header.Set("Access-Control-Allow-Origin", allowed)
		}
		resp.Header.Set("Access-Control-Allow-Methods", strings.Join(l.AllowMethods, ", "))
		resp.Header.Set("Access-Control-Allow-Headers", strings.Join(l.AllowHeaders, ", "))
		if l.MaxAge > 0 {
			resp.Header.Set("Access-Control-Max-Age", strconv.Itoa(l.MaxAge))
		}
		return r, resp, nil
	}

	if allowed, ok := l.allowedOrigin(origin); ok {
		ctx.SetOrigin(allowed)
	}
	return r, nil, nil
}

func (l *CORS) After(resp *Response, ctx *Context) *Response {
	origin := ctx.Origin()
	if origin == "" || resp == nil {
		return resp
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Access-Control-Allow-Origin", origin)
	if origin != "*" {
		resp.Header.Add("Vary", "Origin")
	}
	return resp
}
