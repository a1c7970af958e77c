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
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/itsi-go/server/internal/ratelimit"
)

// HeaderPattern is one per-header value pattern checked by IntrusionProtection.
type HeaderPattern struct {
	Header  string
	Pattern string

	re *regexp.Regexp
}

// IntrusionProtection pre-compiles regex sets for URL patterns and
// per-header value patterns; any match bans the principal for a
// configured duration via the same counter backend used by RateLimit
// (spec.md §4.4.6).
type IntrusionProtection struct {
	Base

	URLPatterns    []string
	HeaderPatterns []HeaderPattern
	BanDuration    time.Duration
	BannedStatus   int

	Backend ratelimit.Backend

	urlRe []*regexp.Regexp
}

func (l *IntrusionProtection) Name() string { return "intrusion_protection" }

func (l *IntrusionProtection) Initialize() error {
	return l.Guard(func() error {
		for _, p := range l.URLPatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return err
			}
			l.urlRe = append(l.urlRe, re)
		}
		for i, hp := range l.HeaderPatterns {
			re, err := regexp.Compile(hp.Pattern)
			if err != nil {
				return err
			}
			l.HeaderPatterns[i].re = re
		}
		if l.BannedStatus == 0 {
			l.BannedStatus = http.StatusForbidden
		}
		return nil
	})
}

func (l *IntrusionProtection) banKey(principal string) ratelimit.Key {
	return ratelimit.Key{Principal: principal, Path: "__banned__"}
}

// isBanned reports whether principal currently has an active ban record;
// the same increment(key,window) backend used for rate limiting tracks
// one counter per banned principal, keyed under a reserved path so it
// never collides with a real route's counter.
func (l *IntrusionProtection) isBanned(ctx context.Context, principal string) bool {
	count, err := l.Backend.Increment(ctx, l.banKey(principal), l.BanDuration)
	if err != nil {
		return false
	}
	return count > 1
}

func (l *IntrusionProtection) ban(ctx context.Context, principal string) {
	l.Backend.Increment(ctx, l.banKey(principal), l.BanDuration)
}

func (l *IntrusionProtection) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	principal := r.RemoteAddr

	if l.isBanned(r.Context(), principal) {
		return r, NewResponse(l.BannedStatus, nil), nil
	}

	for _, re := range l.urlRe {
		if re.MatchString(r.URL.Path) {
			l.ban(r.Context(), principal)
			return r, NewResponse(l.BannedStatus, nil), nil
		}
	}
	for _, hp := range l.HeaderPatterns {
		if hp.re.MatchString(r.Header.Get(hp.Header)) {
			l.ban(r.Context(), principal)
			return r, NewResponse(l.BannedStatus, nil), nil
		}
	}

	return r, nil, nil
}

func (l *IntrusionProtection) After(resp *Response, ctx *Context) *Response { return resp }
