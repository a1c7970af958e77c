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
	"regexp"
	"strings"
)

// AddressRule is one compiled allow/deny entry (spec.md §4.4.1).
type TrustedProxy struct {
	Header string
	Prefix string
}

// AllowDeny is a pre-compiled RegexSet of address patterns, with an
// optional trusted-proxy map that overrides the principal IP by
// extracting it from a named header.
type AllowDeny struct {
	Base

	Allow []string
	Deny  []string
	Proxy *TrustedProxy

	// DenyStatus is the configured error response on mismatch, default
	// 403 (spec.md §4.4.1 "Mismatch responds with the configured error
	// response (default 403)").
	DenyStatus int

	allowRe []*regexp.Regexp
	denyRe  []*regexp.Regexp
}

func (l *AllowDeny) Name() string { return "allow_deny" }

// Initialize pre-compiles the allow/deny pattern sets once at process
// start (spec.md §4.4 "initialize()").
func (l *AllowDeny) Initialize() error {
	return l.Guard(func() error {
		for _, p := range l.Allow {
			re, err := regexp.Compile(p)
			if err != nil {
				return err
			}
			l.allowRe = append(l.allowRe, re)
		}
		for _, p := range l.Deny {
			re, err := regexp.Compile(p)
			if err != nil {
				return err
			}
			l.denyRe = append(l.denyRe, re)
		}
		if l.DenyStatus == 0 {
			l.DenyStatus = http.StatusForbidden
		}
		return nil
	})
}

func (l *AllowDeny) principal(r *http.Request) string {
	addr := r.RemoteAddr
	if l.Proxy != nil {
		if v := r.Header.Get(l.Proxy.Header); v != "" {
			addr = strings.TrimPrefix(v, l.Proxy.Prefix)
		}
	}
	return addr
}

func (l *AllowDeny) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	addr := l.principal(r)

	for _, re := range l.denyRe {
		if re.MatchString(addr) {
			return r, NewResponse(l.DenyStatus, nil), nil
		}
	}

	if len(l.allowRe) == 0 {
		return r, nil, nil
	}
	for _, re := range l.allowRe {
		if re.MatchString(addr) {
			return r, nil, nil
		}
	}
	return r, NewResponse(l.DenyStatus, nil), nil
}

func (l *AllowDeny) After(resp *Response, ctx *Context) *Response { return resp }
