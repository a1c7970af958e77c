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
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// recognized compression algorithms, in the negotiation order spec.md
// §4.4.9 names as the tie-break: "the first listed supported value at the
// highest quality wins".
var supportedEncodings = []string{"zstd", "br", "gzip", "deflate"}

// Compression negotiates a response encoding from Accept-Encoding quality
// values and records the winner on the request Context so the acceptor's
// write path (After) can encode the body stream (spec.md §4.4.9).
type Compression struct {
	Base

	MinSize int // bodies smaller than this are never compressed
}

func (l *Compression) Name() string { return "compression" }

func (l *Compression) Initialize() error { return l.Guard(func() error { return nil }) }

type qEncoding struct {
	name string
	q    float64
}

// negotiate parses an Accept-Encoding header and picks the first
// supported encoding at the highest advertised quality.
func negotiate(header string) string {
	if header == "" {
		return ""
	}

	var offered []qEncoding
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name := part
		q := 1.0
		if i := strings.Index(part, ";"); i >= 0 {
			name = strings.TrimSpace(part[:i])
			if qv, ok := strings.CutPrefix(strings.TrimSpace(part[i+1:]), "q="); ok {
				if f, err := strconv.ParseFloat(qv, 64); err == nil {
					q = f
				}
			}
		}
		if q <= 0 {
			continue
		}
		offered = append(offered, qEncoding{name: name, q: q})
	}

	sort.SliceStable(offered, func(i, j int) bool { return offered[i].q > offered[j].q })

	byName := make(map[string]bool, len(offered))
	for _, o := range offered {
		byName[o.name] = true
	}
	if byName["*"] {
		return supportedEncodings[0]
	}

	topQ := -1.0
	if len(offered) > 0 {
		topQ = offered[0].q
	}
	for _, o := range offered {
		if o.q != topQ {
			break
		}
		for _, s := range supportedEncodings {
			if s == o.name {
				return s
			}
		}
	}
	return ""
}

func (l *Compression) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	if algo := negotiate(r.Header.Get("Accept-Encoding")); algo != "" {
		ctx.SetCompression(algo)
	}
	return r, nil, nil
}

// encode compresses body with algo, returning the original body unchanged
// for an unrecognized or empty algorithm.
func encode(algo string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	switch algo {
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "deflate":
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "br":
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return body, nil
	}
	return buf.Bytes(), nil
}

func (l *Compression) After(resp *Response, ctx *Context) *Response {
	algo := ctx.Compression()
	if algo == "" || resp == nil || len(resp.Body) < l.MinSize {
		return resp
	}

	encoded, err := encode(algo, resp.Body)
	if err != nil {
		return resp
	}

	resp.Body = encoded
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	resp.Header.Set("Content-Encoding", algo)
	resp.Header.Add("Vary", "Accept-Encoding")
	return resp
}
