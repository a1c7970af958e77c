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

// RequestHeaders removes then adds request header entries, in that order
// (spec.md §4.4.8 "Header manipulation with ordered removals then
// additions").
type RequestHeaders struct {
	Base
	Remove []string
	Add    map[string]string
}

func (l *RequestHeaders) Name() string      { return "request_headers" }
func (l *RequestHeaders) Initialize() error { return l.Guard(func() error { return nil }) }

func (l *RequestHeaders) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	for _, h := range l.Remove {
		r.Header.Del(h)
	}
	for k, v := range l.Add {
		r.Header.Set(k, v)
	}
	return r, nil, nil
}

func (l *RequestHeaders) After(resp *Response, ctx *Context) *Response { return resp }

// ResponseHeaders removes then adds response header entries, mirroring
// RequestHeaders but applied on the way out (spec.md §4.4.8).
type ResponseHeaders struct {
	Base
	Remove []string
	Add    map[string]string
}

func (l *ResponseHeaders) Name() string      { return "response_headers" }
func (l *ResponseHeaders) Initialize() error { return l.Guard(func() error { return nil }) }

func (l *ResponseHeaders) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	return r, nil, nil
}

func (l *ResponseHeaders) After(resp *Response, ctx *Context) *Response {
	if resp == nil {
		return resp
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	for _, h := range l.Remove {
		resp.Header.Del(h)
	}
	for k, v := range l.Add {
		resp.Header.Set(k, v)
	}
	return resp
}

// CacheControl composes the Cache-Control directive string once at
// Initialize and applies it on After, skipping caching-hostile statuses
// (spec.md §4.4.8: 401, 403, and any 5xx).
type CacheControl struct {
	Base

	MaxAge   int
	Public   bool
	NoStore  bool
	Immutable bool

	Expires string
	Vary    []string
	Extra   map[string]string

	directive string
}

func (l *CacheControl) Name() string { return "cache_control" }

func (l *CacheControl) Initialize() error {
	return l.Guard(func() error {
		var parts []string
		switch {
		case l.NoStore:
			parts = append(parts, "no-store")
		default:
			if l.Public {
				parts = append(parts, "public")
			} else {
				parts = append(parts, "private")
			}
			parts = append(parts, "max-age="+strconv.Itoa(l.MaxAge))
			if l.Immutable {
				parts = append(parts, "immutable")
			}
		}
		l.directive = strings.Join(parts, ", ")
		return nil
	})
}

func (l *CacheControl) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	return r, nil, nil
}

func cachingHostile(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden || status >= 500
}

func (l *CacheControl) After(resp *Response, ctx *Context) *Response {
	if resp == nil || cachingHostile(resp.Status) {
		return resp
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Cache-Control", l.directive)
	if l.Expires != "" {
		resp.Header.Set("Expires", l.Expires)
	}
	for _, v := range l.Vary {
		resp.Header.Add("Vary", v)
	}
	for k, v := range l.Extra {
		resp.Header.Set(k, v)
	}
	return resp
}
