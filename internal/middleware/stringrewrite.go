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
	"sync"
)

// rewriteSegment is one piece of a compiled template: either a literal
// run or a placeholder name to resolve per-request.
type rewriteSegment struct {
	literal     string
	placeholder string
	isLiteral   bool
}

// Rewriter compiles a `{placeholder}` template lazily on first use, then
// caches the compiled segment list (spec.md §4.4.14 "Compile segments
// lazily on first use, then cache").
type Rewriter struct {
	Template string

	once     sync.Once
	segments []rewriteSegment
}

func (rw *Rewriter) compile() {
	rw.once.Do(func() {
		t := rw.Template
		for len(t) > 0 {
			i := strings.IndexByte(t, '{')
			if i < 0 {
				rw.segments = append(rw.segments, rewriteSegment{literal: t, isLiteral: true})
				break
			}
			if i > 0 {
				rw.segments = append(rw.segments, rewriteSegment{literal: t[:i], isLiteral: true})
			}
			j := strings.IndexByte(t[i:], '}')
			if j < 0 {
				rw.segments = append(rw.segments, rewriteSegment{literal: t[i:], isLiteral: true})
				break
			}
			name := t[i+1 : i+j]
			rw.segments = append(rw.segments, rewriteSegment{placeholder: name})
			t = t[i+j+1:]
		}
	})
}

// Resolve expands the template against r and ctx. Reserved names:
// method, path, host, query (empty or "?..."), port. Any other name
// resolves against ctx.Captures, the matched route's named capture
// groups (spec.md §4.4.14).
func (rw *Rewriter) Resolve(r *http.Request, ctx *Context) string {
	rw.compile()

	var b strings.Builder
	for _, seg := range rw.segments {
		if seg.isLiteral {
			b.WriteString(seg.literal)
			continue
		}
		b.WriteString(rw.resolvePlaceholder(seg.placeholder, r, ctx))
	}
	return b.String()
}

func (rw *Rewriter) resolvePlaceholder(name string, r *http.Request, ctx *Context) string {
	switch name {
	case "method":
		return r.Method
	case "path":
		return r.URL.Path
	case "host":
		return r.URL.Hostname()
	case "query":
		if r.URL.RawQuery == "" {
			return ""
		}
		return "?" + r.URL.RawQuery
	case "port":
		return r.URL.Port()
	default:
		if ctx != nil && ctx.Captures != nil {
			return ctx.Captures[name]
		}
		return ""
	}
}
