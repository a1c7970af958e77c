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

// Package bind parses the server's bind-string grammar
// (scheme://host[:port][?k=v&...]) into a normalized Bind describing one
// listening endpoint, including its TLS material requirements.
package bind

import (
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	liberr "github.com/itsi-go/server/errors"
	"github.com/itsi-go/server/internal/itsierr"
)

// Scheme is the transport-and-security choice of a Bind.
type Scheme uint8

const (
	Http Scheme = iota
	Https
	Unix
	UnixTls
)

func (s Scheme) String() string {
	switch s {
	case Http:
		return "http"
	case Https:
		return "https"
	case Unix:
		return "unix"
	case UnixTls:
		return "unix+tls"
	default:
		return "unknown"
	}
}

func (s Scheme) RequiresTLS() bool {
	return s == Https || s == UnixTls
}

func (s Scheme) IsUnix() bool {
	return s == Unix || s == UnixTls
}

// TLSMaterial describes where certificate/key material comes from, or the
// ACME provisioning parameters when the "acme" scheme is requested.
type TLSMaterial struct {
	CertFile  string
	KeyFile   string
	CAFile    string
	SNI       string
	ACME      bool
	ACMEEmail string
}

// Bind is the normalized description of one listening endpoint (spec.md §3).
type Bind struct {
	Scheme Scheme
	Host   string
	Port   int // 0 means "none" (e.g. unix sockets)
	TLS    *TLSMaterial

	// raw holds the original option map for round-tripping via Format.
	raw map[string]string
}

// recognizedOptions is the closed set of behaviorally meaningful query
// keys (spec.md §6); unknown options are ignored, not rejected.
var recognizedOptions = map[string]bool{
	"cert":       true,
	"key":        true,
	"ca":         true,
	"sni":        true,
	"acme":       true,
	"acme_email": true,
}

// Parse turns a bind string into a Bind, or fails with itsierr.InvalidInput
// on an unparseable port, an unbracketed IPv6 literal with an explicit port,
// or an unknown scheme.
func Parse(s string) (Bind, liberr.Error) {
	u, e := url.Parse(s)
	if e != nil {
		return Bind{}, itsierr.InvalidInput.Error(e)
	}

	scheme := u.Scheme
	if scheme == "" {
		scheme = "https"
	}

	var b Bind
	switch strings.ToLower(scheme) {
	case "http":
		b.Scheme = Http
	case "https":
		b.Scheme = Https
	case "unix":
		b.Scheme = Unix
	case "unix+tls":
		b.Scheme = UnixTls
	default:
		return Bind{}, itsierr.InvalidInput.Error(fmt.Errorf("unknown scheme %q", scheme))
	}

	host, port, err := splitHostPort(u, b.Scheme)
	if err != nil {
		return Bind{}, err
	}
	b.Host = host
	b.Port = port

	opts, err := parseOptions(u.RawQuery)
	if err != nil {
		return Bind{}, err
	}
	b.raw = opts

	if tls := buildTLSMaterial(b.Scheme, opts); tls != nil {
		b.TLS = tls
	}

	return b, nil
}

func splitHostPort(u *url.URL, scheme Scheme) (string, int, liberr.Error) {
	host := u.Host
	if host == "" {
		// url.Parse puts filesystem paths (unix sockets) in Opaque or Path.
		if u.Opaque != "" {
			return u.Opaque, 0, nil
		}
		return u.Path, 0, nil
	}

	if scheme.IsUnix() {
		return host, 0, nil
	}

	// Bracketed IPv6 with a port: net.SplitHostPort understands "[::1]:80".
	if strings.HasPrefix(host, "[") {
		if !strings.Contains(host, "]") {
			return "", 0, itsierr.InvalidInput.Error(fmt.Errorf("ipv6 host %q missing closing bracket", host))
		}
		h, p, e := net.SplitHostPort(host)
		if e != nil {
			// "[::1]" with no port at all is legal - strip the brackets.
			return strings.Trim(host, "[]"), defaultPort(scheme), nil
		}
		port, pe := strconv.Atoi(p)
		if pe != nil {
			return "", 0, itsierr.InvalidInput.Error(fmt.Errorf("unparseable port %q", p))
		}
		return h, port, nil
	}

	if strings.Contains(host, ":") {
		h, p, e := net.SplitHostPort(host)
		if e != nil {
			return "", 0, itsierr.InvalidInput.Error(fmt.Errorf("malformed host:port %q", host))
		}
		if ip := net.ParseIP(h); ip != nil && strings.Contains(h, ":") {
			return "", 0, itsierr.InvalidInput.Error(fmt.Errorf("ipv6 host %q requires brackets when a port is given", h))
		}
		port, pe := strconv.Atoi(p)
		if pe != nil {
			return "", 0, itsierr.InvalidInput.Error(fmt.Errorf("unparseable port %q", p))
		}
		return h, port, nil
	}

	return host, defaultPort(scheme), nil
}

func defaultPort(scheme Scheme) int {
	switch scheme {
	case Http:
		return 80
	case Https:
		return 443
	default:
		return 0
	}
}

func parseOptions(raw string) (map[string]string, liberr.Error) {
	opts := make(map[string]string)
	if raw == "" {
		return opts, nil
	}

	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, found := strings.Cut(pair, "=")
		if !found {
			opts[k] = ""
			continue
		}
		dv, e := url.QueryUnescape(v)
		if e != nil {
			return nil, itsierr.InvalidInput.Error(fmt.Errorf("unparseable option value %q", v))
		}
		opts[k] = dv
	}

	return opts, nil
}

func buildTLSMaterial(scheme Scheme, opts map[string]string) *TLSMaterial {
	cert, hasCert := opts["cert"]

	if !scheme.RequiresTLS() && !hasCert {
		return nil
	}

	tls := &TLSMaterial{
		KeyFile: opts["key"],
		CAFile:  opts["ca"],
		SNI:     opts["sni"],
	}

	if cert == "acme" || opts["acme"] != "" {
		tls.ACME = true
		tls.ACMEEmail = opts["acme_email"]
	} else {
		tls.CertFile = cert
	}

	return tls
}

// Format renders a Bind back to its canonical bind-string form. Combined
// with Parse, parse(format(bind)) == bind for any non-lossy Bind (spec.md §8).
func (b Bind) Format() string {
	var sb strings.Builder

	sb.WriteString(b.Scheme.String())
	sb.WriteString("://")

	if strings.Contains(b.Host, ":") && !b.Scheme.IsUnix() {
		sb.WriteString("[")
		sb.WriteString(b.Host)
		sb.WriteString("]")
	} else {
		sb.WriteString(b.Host)
	}

	if b.Port != 0 && !b.Scheme.IsUnix() {
		sb.WriteString(":")
		sb.WriteString(strconv.Itoa(b.Port))
	}

	opts := make(map[string]string, len(b.raw))
	for k, v := range b.raw {
		if recognizedOptions[k] {
			opts[k] = v
		}
	}

	if len(opts) == 0 {
		return sb.String()
	}

	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sb.WriteString("?")
	for i, k := range keys {
		if i > 0 {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(url.QueryEscape(opts[k]))
	}

	return sb.String()
}

func (b Bind) String() string {
	return fmt.Sprintf("%s (tls=%v)", b.Format(), b.TLS != nil)
}
