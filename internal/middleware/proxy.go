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
	"bytes"
	"crypto/tls"
	"io"
	"math/rand"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// Proxy forwards the request to one of a configured set of upstream
// destinations, chosen uniformly at random, rewritten via the
// string-rewrite engine (spec.md §4.4.11). Forwarding uses
// hashicorp/go-retryablehttp for retry/backoff on gateway errors.
type Proxy struct {
	Base

	Destinations  []string // rewrite templates
	Timeout       time.Duration
	TLSSkipVerify bool
	SNI           string
	OverrideHeaders map[string]string

	client    *retryablehttp.Client
	rewriters []Rewriter
}

func (l *Proxy) Name() string { return "proxy" }

func (l *Proxy) Initialize() error {
	return l.Guard(func() error {
		l.rewriters = make([]Rewriter, len(l.Destinations))
		for i, d := range l.Destinations {
			l.rewriters[i].Template = d
		}

		l.client = retryablehttp.NewClient()
		l.client.Logger = nil
		l.client.HTTPClient.Timeout = l.Timeout
		l.client.HTTPClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: l.TLSSkipVerify,
				ServerName:         l.SNI,
			},
		}
		return nil
	})
}

func (l *Proxy) pickDestination(r *http.Request, ctx *Context) string {
	i := rand.Intn(len(l.rewriters))
	return l.rewriters[i].Resolve(r, ctx)
}

func (l *Proxy) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	if len(l.rewriters) == 0 {
		return r, NewResponse(http.StatusBadGateway, nil), nil
	}

	dest := l.pickDestination(r, ctx)

	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
	}

	upstream, err := retryablehttp.NewRequest(r.Method, dest, bytes.NewReader(body))
	if err != nil {
		return r, NewResponse(http.StatusBadGateway, nil), nil
	}
	upstream = upstream.WithContext(r.Context())

	for k, vs := range r.Header {
		for _, v := range vs {
			upstream.Header.Add(k, v)
		}
	}
	for k, v := range l.OverrideHeaders {
		upstream.Header.Set(k, v)
	}

	res, err := l.client.Do(upstream)
	if err != nil {
		return r, NewResponse(http.StatusGatewayTimeout, nil), nil
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return r, NewResponse(http.StatusBadGateway, nil), nil
	}

	resp := NewResponse(res.StatusCode, respBody)
	for k, vs := range res.Header {
		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}
	return r, resp, nil
}

func (l *Proxy) After(resp *Response, ctx *Context) *Response { return resp }
