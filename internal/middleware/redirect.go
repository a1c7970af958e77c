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

import "net/http"

// Redirect resolves its destination via the string-rewrite engine and
// responds with the configured status (spec.md §4.4.10).
type Redirect struct {
	Base

	To     string // rewrite template
	Status int    // 301, 302, 307, or 308

	rewriter Rewriter
}

func (l *Redirect) Name() string { return "redirect" }

func (l *Redirect) Initialize() error {
	return l.Guard(func() error {
		if l.Status == 0 {
			l.Status = http.StatusFound
		}
		l.rewriter.Template = l.To
		return nil
	})
}

func (l *Redirect) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	dest := l.rewriter.Resolve(r, ctx)

	resp := NewResponse(l.Status, nil)
	resp.Header.Set("Location", dest)
	return r, resp, nil
}

func (l *Redirect) After(resp *Response, ctx *Context) *Response { return resp }
