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
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWKSResolver resolves a key id to a verification key, for the JWKS
// validation path.
type JWKSResolver func(kid string) (interface{}, error)

// AuthJWT validates a bearer JWT's signature (symmetric, asymmetric, or
// via JWKS) and its standard claims, with configurable leeway and a
// required-claims map (spec.md §4.4.4).
type AuthJWT struct {
	Base

	Issuer, Audience, Subject string
	Leeway                    time.Duration
	RequiredClaims            map[string]string

	// Exactly one of SigningKey or JWKS should be set.
	SigningKey interface{}
	JWKS       JWKSResolver

	UnauthorizedStatus int
}

func (l *AuthJWT) Name() string { return "auth_jwt" }

func (l *AuthJWT) Initialize() error {
	return l.Guard(func() error {
		if l.UnauthorizedStatus == 0 {
			l.UnauthorizedStatus = http.StatusUnauthorized
		}
		return nil
	})
}

func (l *AuthJWT) keyFunc(t *jwt.Token) (interface{}, error) {
	if l.JWKS != nil {
		kid, _ := t.Header["kid"].(string)
		return l.JWKS(kid)
	}
	return l.SigningKey, nil
}

func (l *AuthJWT) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return r, NewResponse(l.UnauthorizedStatus, nil), nil
	}

	opts := []jwt.ParserOption{jwt.WithLeeway(l.Leeway)}
	if l.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(l.Issuer))
	}
	if l.Audience != "" {
		opts = append(opts, jwt.WithAudience(l.Audience))
	}
	if l.Subject != "" {
		opts = append(opts, jwt.WithSubject(l.Subject))
	}

	token, err := jwt.Parse(raw, l.keyFunc, opts...)
	if err != nil || !token.Valid {
		return r, NewResponse(l.UnauthorizedStatus, nil), nil
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return r, NewResponse(l.UnauthorizedStatus, nil), nil
	}
	for name, want := range l.RequiredClaims {
		got, _ := claims[name].(string)
		if got != want {
			return r, NewResponse(l.UnauthorizedStatus, nil), nil
		}
	}

	ctx.ScratchSet("jwt_claims", claims)
	return r, nil, nil
}

func (l *AuthJWT) After(resp *Response, ctx *Context) *Response { return resp }
