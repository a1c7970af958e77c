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

// Package netw wraps one bound socket (spec.md §4.2) across the four bind
// variants - Tcp, TcpTls, Unix, UnixTls - behind a uniform Listener/IoStream
// pair, with TLS variants handshaking lazily at first read/write so a slow
// TLS peer never blocks the accept loop itself.
package netw

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/itsi-go/server/internal/bind"
	"github.com/itsi-go/server/internal/nettype"
)

// ErrClosed is returned by Read/Write once the stream has been shut down.
var ErrClosed = errors.New("netw: write on closed stream")

// ListenerInfo is the small value-object (scheme, host, port) spec.md §4.2
// says is visible to middleware.
type ListenerInfo struct {
	Scheme bind.Scheme
	Host   string
	Port   int
}

// Listener owns one bound resource and yields accepted connections as a
// uniform stream of IoStream + peer address pairs.
type Listener struct {
	info ListenerInfo
	raw  net.Listener
	tls  *tls.Config
}

// Listen constructs a Listener for b. For the two TLS variants, tlsConfig
// must be non-nil; the handshake itself is deferred to first use on the
// accepted IoStream, not performed here.
func Listen(b bind.Bind, tlsConfig *tls.Config) (*Listener, error) {
	network, addr := dialArgs(b)

	raw, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		info: ListenerInfo{Scheme: b.Scheme, Host: b.Host, Port: b.Port},
		raw:  raw,
	}
	if b.Scheme.RequiresTLS() {
		l.tls = tlsConfig
	}
	return l, nil
}

// dialArgs resolves b's net.Listen network/address pair. The network name
// itself comes from nettype, not a local "tcp"/"unix" literal, so the bind
// scheme's transport family and the name net.Listen expects stay in one
// place.
func dialArgs(b bind.Bind) (network, addr string) {
	proto := nettype.TCP
	if b.Scheme.IsUnix() {
		proto = nettype.Unix
	}

	if proto == nettype.Unix {
		return proto.String(), b.Host
	}
	return proto.String(), net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Info returns the listener's scheme/host/port value-object.
func (l *Listener) Info() ListenerInfo { return l.info }

// Accept blocks for the next connection, returning an IoStream ready for
// lazy TLS handshake (if the listener requires TLS) and its peer address.
func (l *Listener) Accept() (*IoStream, net.Addr, error) {
	conn, err := l.raw.Accept()
	if err != nil {
		return nil, nil, err
	}
	peer := conn.RemoteAddr()
	return &IoStream{conn: conn, tlsConfig: l.tls}, peer, nil
}

// Close releases the underlying bound resource.
func (l *Listener) Close() error {
	return l.raw.Close()
}

// IoStream is a unified byte-stream over any of the four bind variants
// (spec.md §4.2/§4.4 "IoStream"). TLS handshake happens lazily, on first
// Read or Write, so the acceptor loop is never blocked by a slow-TLS peer.
type IoStream struct {
	conn      net.Conn
	tlsConfig *tls.Config

	handshakeOnce sync.Once
	handshakeErr  error

	mu     sync.Mutex
	closed bool
}

// ensureHandshake upgrades the raw connection to TLS exactly once, the
// first time the stream is actually used.
func (s *IoStream) ensureHandshake() error {
	s.handshakeOnce.Do(func() {
		if s.tlsConfig == nil {
			return
		}
		tlsConn := tls.Server(s.conn, s.tlsConfig)
		s.handshakeErr = tlsConn.Handshake()
		if s.handshakeErr == nil {
			s.conn = tlsConn
		}
	})
	return s.handshakeErr
}

func (s *IoStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if err := s.ensureHandshake(); err != nil {
		return 0, err
	}
	return s.conn.Read(p)
}

func (s *IoStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if err := s.ensureHandshake(); err != nil {
		return 0, err
	}
	return s.conn.Write(p)
}

// Shutdown half-closes the stream for writes where the underlying
// transport supports it (tcp), else falls back to a full close.
func (s *IoStream) Shutdown() error {
	if cw, ok := s.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return s.Close()
}

// Close fully closes the stream; subsequent Read/Write return ErrClosed.
func (s *IoStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// PeerAddr returns the stream's remote address.
func (s *IoStream) PeerAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// RawConn exposes the underlying net.Conn for callers that need the raw
// file descriptor (e.g. propagation to the request context), per spec.md
// §4.2's "raw-fd accessor".
func (s *IoStream) RawConn() net.Conn {
	return s.conn
}
