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
	"fmt"
	"net/http"

	"github.com/itsi-go/server/internal/passwordhash"
)

// AuthBasic implements RFC 7617 Basic auth, verifying the password
// against a per-user stored hash via internal/passwordhash (spec.md
// §4.4.3).
type AuthBasic struct {
	Base

	Realm        string
	StoredHashes map[string]string // username -> stored hash
}

func (l *AuthBasic) Name() string { return "auth_basic" }

func (l *AuthBasic) Initialize() error {
	return l.Guard(func() error {
		if l.Realm == "" {
			l.Realm = "itsi"
		}
		return nil
	})
}

func (l *AuthBasic) unauthorized() *Response {
	resp := NewResponse(http.StatusUnauthorized, nil)
	resp.Header = http.Header{}
	resp.Header.Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, l.Realm))
	return resp
}

func (l *AuthBasic) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return r, l.unauthorized(), nil
	}

	stored, ok := l.StoredHashes[user]
	if !ok || !passwordhash.Verify(stored, pass) {
		return r, l.unauthorized(), nil
	}
	return r, nil, nil
}

func (l *AuthBasic) After(resp *Response, ctx *Context) *Response { return resp }
