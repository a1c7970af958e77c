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

package acceptor

import (
	"io"
	"net"
	"net/http"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/itsi-go/server/internal/netw"
)

// singleConnListener adapts one already-accepted netw.IoStream into a
// net.Listener that yields it exactly once, so each connection gets its
// own *http.Server.Serve call and per-connection task (spec.md §4.6
// "Per-connection task").
type singleConnListener struct {
	stream *netw.IoStream
}

func (l singleConnListener) Accept() (net.Conn, error) {
	if l.stream == nil {
		return nil, io.EOF
	}
	conn := l.stream.RawConn()
	l.stream = nil
	return conn, nil
}

func (l singleConnListener) Close() error   { return nil }
func (l singleConnListener) Addr() net.Addr { return nil }

// h2cHandler wraps handler so that HTTP/1.1 requests are served normally
// and HTTP/2 cleartext (h2c) upgrade requests are detected and served over
// the same connection (spec.md §4.6 step 2 "automatic upgrade detection").
func h2cHandler(h2s *http2.Server, handler http.Handler) http.Handler {
	return h2c.NewHandler(handler, h2s)
}
