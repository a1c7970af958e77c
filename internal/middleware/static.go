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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// cachedFile is one small-file entry in the in-memory tier.
type cachedFile struct {
	data     []byte
	modTime  time.Time
	cachedAt time.Time
}

// StaticAssets serves files rooted at Root with a two-tier cache: small
// files are held in memory with periodic mtime revalidation, large files
// stream directly from disk (spec.md §4.4.12). An upstream X-Sendfile
// response header (set by the app dispatcher) triggers a static-file
// serve that replaces the response body, handled in After.
//
// The in-memory tier is a bespoke bounded map rather than the carried
// cache.Cache[K,V] (see internal/ratelimit, internal/acme for that cache
// elsewhere): that cache is a pure TTL store with no entry-count or
// per-entry-size cap, and both bounds are load-bearing here (spec.md
// "moka bounded by entry count and per-file size").
type StaticAssets struct {
	Base

	Root              string
	MaxCachedEntries  int
	MaxCachedFileSize int64
	RecheckInterval   time.Duration

	mu    sync.Mutex
	cache map[string]*cachedFile
}

func (l *StaticAssets) Name() string { return "static_assets" }

func (l *StaticAssets) Initialize() error {
	return l.Guard(func() error {
		l.cache = make(map[string]*cachedFile)
		if l.RecheckInterval == 0 {
			l.RecheckInterval = 5 * time.Second
		}
		return nil
	})
}

func (l *StaticAssets) resolvePath(urlPath string) string {
	clean := filepath.Clean("/" + urlPath)
	return filepath.Join(l.Root, clean)
}

func (l *StaticAssets) Before(r *http.Request, ctx *Context) (*http.Request, *Response, error) {
	path := l.resolvePath(r.URL.Path)
	resp, err := l.serveFile(path, r)
	if err != nil {
		return r, NewResponse(http.StatusNotFound, nil), nil
	}
	return r, resp, nil
}

// serveFile builds the Response for one file, honoring If-Modified-Since,
// Range, and HEAD.
func (l *StaticAssets) serveFile(path string, r *http.Request) (*Response, error) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, os.ErrNotExist
	}

	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil && !info.ModTime().After(t) {
			resp := NewResponse(http.StatusNotModified, nil)
			return resp, nil
		}
	}

	data, modTime, err := l.read(path, info)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(http.StatusOK, data)
	resp.Header.Set("Last-Modified", modTime.UTC().Format(http.TimeFormat))
	resp.Header.Set("Accept-Ranges", "bytes")

	if rng := r.Header.Get("Range"); rng != "" {
		start, end, ok := parseRange(rng, int64(len(data)))
		if !ok {
			resp.Status = http.StatusRequestedRangeNotSatisfiable
			resp.Body = nil
			return resp, nil
		}
		resp.Status = http.StatusPartialContent
		resp.Body = data[start : end+1]
		resp.Header.Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(int64(len(data)), 10))
	}

	if r.Method == http.MethodHead {
		resp.Header.Set("Content-Length", strconv.Itoa(len(resp.Body)))
		resp.Body = nil
	}

	return resp, nil
}

// parseRange parses a single-range "bytes=start-end" header, with
// u64::MAX-equivalent open-endedness when end is omitted. end < start is
// rejected (spec.md §8 "Range request start..end with end < start ⇒
// 416").
func parseRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		return start, size - 1, true
	}

	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	start = s

	if parts[1] == "" {
		end = size - 1
	} else {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return 0, 0, false
		}
		end = e
	}

	if end < start || start >= size {
		return 0, 0, false
	}
	if end >= size {
		end = size - 1
	}
	return start, end, true
}

// read serves from the in-memory tier when cached and still fresh,
// revalidating against the file's current mtime every RecheckInterval;
// large files always stream from disk.
func (l *StaticAssets) read(path string, info os.FileInfo) ([]byte, time.Time, error) {
	if l.MaxCachedFileSize > 0 && info.Size() > l.MaxCachedFileSize {
		data, err := os.ReadFile(path)
		return data, info.ModTime(), err
	}

	l.mu.Lock()
	entry, hit := l.cache[path]
	if hit && time.Since(entry.cachedAt) < l.RecheckInterval && entry.modTime.Equal(info.ModTime()) {
		data := entry.data
		l.mu.Unlock()
		return data, entry.modTime, nil
	}
	l.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, time.Time{}, err
	}

	l.mu.Lock()
	if l.MaxCachedEntries <= 0 || len(l.cache) < l.MaxCachedEntries {
		l.cache[path] = &cachedFile{data: data, modTime: info.ModTime(), cachedAt: time.Now()}
	}
	l.mu.Unlock()

	return data, info.ModTime(), nil
}

func (l *StaticAssets) After(resp *Response, ctx *Context) *Response {
	if resp == nil {
		return resp
	}
	sendfile := resp.Header.Get("X-Sendfile")
	if sendfile == "" {
		return resp
	}

	path := l.resolvePath(sendfile)
	served, err := l.serveFile(path, &http.Request{Header: http.Header{}, Method: http.MethodGet})
	if err != nil {
		resp.Status = http.StatusNotFound
		resp.Body = nil
		return resp
	}
	served.Header.Del("X-Sendfile")
	return served
}
