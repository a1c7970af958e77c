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
	"strings"

	"github.com/itsi-go/server/internal/passwordhash"
)

// AuthAPIKey extracts a key from a header (optionally prefix-stripped) or
// query parameter, verifying it against one or more stored hashes via
// internal/passwordhash (spec.md §4.4.2).
type AuthAPIKey struct {
	Base

	HeaderName   string
	HeaderPrefix string
	QueryParam   string

	// KeyIDParam selects a specific stored hash by key-id when present;
	// without it, the credential is checked against every stored hash.
	KeyIDParam string
	StoredHashes map[string][]string // key-id -> stored hashes; "" holds the unkeyed set.

	UnauthorizedStatus int
}

func (l *AuthAPIKey) Name() string { return "auth_api_key" }

func (l *AuthAPIKey) Initialize() error {
	return l.Guard(func() error {
		if l.UnauthorizedStatus == 0 {
			l.UnauthorizedStatus = http.StatusUnauthorized
		}
		return nil
	})
}

func (l *AuthAPIKey) extractKey(r *http.Request) string {
	if l.HeaderName != "" {
		if v := r.Header.Get(l.HeaderName); v != "" {
			return strings.TrimPrefix(v, l.HeaderPrefix)
		}
	}
	if l.QueryParam != "" {
		return r.URL.Query().Get(l.QueryParam)
	}
	return ""
}

func (l *AuthAPIKey) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	key := l.extractKey(r)
	if key == "" {
		return r, NewResponse(l.UnauthorizedStatus, nil), nil
	}

	keyID := ""
	if l.KeyIDParam != "" {
		keyID = r.URL.Query().Get(l.KeyIDParam)
	}

	hashes := l.StoredHashes[keyID]
	if keyID == "" {
		// Without key-id, match against any stored hash across all sets
		// (spec.md §4.4.2 "without key-id, match against any stored hash").
		for _, set := range l.StoredHashes {
			hashes = append(hashes, set...)
		}
	}

	if !passwordhash.VerifyAny(hashes, key) {
		return r, NewResponse(l.UnauthorizedStatus, nil), nil
	}
	return r, nil, nil
}

func (l *AuthAPIKey) After(resp *Response, ctx *Context) *Response { return resp }
