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
	"time"

	liblog "github.com/itsi-go/server/logger"

	"github.com/itsi-go/server/internal/ratelimit"
)

// RateLimit enforces a per-(principal, path) request count within a
// rolling window, backed by a pluggable ratelimit.Backend (spec.md
// §4.4.5). Backend errors fail open: they are logged and the request is
// admitted rather than rejected.
type RateLimit struct {
	Base

	Backend       ratelimit.Backend
	HeaderOrQuery string // named header/query token; empty means peer-address key.
	MaxCount      int
	Window        time.Duration
	BlockedStatus int
	Log           liblog.Logger
}

func (l *RateLimit) Name() string { return "rate_limit" }

func (l *RateLimit) Initialize() error {
	return l.Guard(func() error {
		if l.BlockedStatus == 0 {
			l.BlockedStatus = http.StatusTooManyRequests
		}
		return nil
	})
}

func (l *RateLimit) principal(r *http.Request) string {
	if l.HeaderOrQuery != "" {
		if v := r.Header.Get(l.HeaderOrQuery); v != "" {
			return v
		}
		if v := r.URL.Query().Get(l.HeaderOrQuery); v != "" {
			return v
		}
	}
	return r.RemoteAddr
}

func (l *RateLimit) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	key := ratelimit.Key{Principal: l.principal(r), Path: r.URL.Path}

	count, err := l.Backend.Increment(r.Context(), key, l.Window)
	if err != nil {
		if l.Log != nil {
			l.Log.Warning("rate_limit: backend error, failing open", nil, err)
		}
		return r, nil, nil
	}

	if count > l.MaxCount {
		return r, NewResponse(l.BlockedStatus, nil), nil
	}
	return r, nil, nil
}

func (l *RateLimit) After(resp *Response, ctx *Context) *Response { return resp }
