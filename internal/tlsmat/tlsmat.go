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

// Package tlsmat turns one bind.TLSMaterial into the *tls.Config netw.Listen
// needs, the way certificates/model.go's (*config).TlsConfig assembles a
// *tls.Config from its own option set - minimum version pinned, SNI applied,
// a client CA pool built when one is supplied. Unlike certificates.Config,
// which accumulates cipher suites, curves and client-auth policy across many
// setter calls, a Bind names at most one cert/key pair, one CA file and one
// SNI hostname, so the conversion is a single pure function rather than a
// stateful builder.
package tlsmat

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"

	"github.com/itsi-go/server/internal/acme"
	"github.com/itsi-go/server/internal/bind"
	liberr "github.com/itsi-go/server/errors"
	"github.com/itsi-go/server/internal/itsierr"
)

// MinVersion is the floor enforced on every TLS listener regardless of bind
// options, matching certificates/model.go's pattern of a config-wide
// minimum rather than letting each endpoint negotiate down to SSLv3-era
// defaults.
const MinVersion = tls.VersionTLS12

var (
	errACMERequiresManager = errors.New("tlsmat: ACME material requires a non-nil acme.Manager")
	errMissingCertMaterial = errors.New("tlsmat: TLS scheme requires either ACME or a cert/key file pair")
	errInvalidCAPem        = errors.New("tlsmat: CA file contains no usable PEM certificates")
)

// Build converts tm into a *tls.Config suitable for netw.Listen. When
// tm.ACME is set, certificate material is fetched lazily per handshake via
// acme.Manager.Certificate (GetCertificate), since the cache may not yet
// hold a certificate for tm.SNI at listener-construction time; otherwise
// the cert/key pair is loaded once from tm.CertFile/tm.KeyFile.
func Build(tm *bind.TLSMaterial, acmeMgr *acme.Manager) (*tls.Config, liberr.Error) {
	if tm == nil {
		return nil, nil
	}

	cnf := &tls.Config{
		MinVersion: MinVersion,
	}
	if tm.SNI != "" {
		cnf.ServerName = tm.SNI
	}

	if tm.CAFile != "" {
		pool, err := loadCAPool(tm.CAFile)
		if err != nil {
			return nil, itsierr.InvalidInput.Error(err)
		}
		cnf.ClientCAs = pool
		cnf.ClientAuth = tls.VerifyClientCertIfGiven
	}

	switch {
	case tm.ACME:
		if acmeMgr == nil {
			return nil, itsierr.InvalidInput.Error(errACMERequiresManager)
		}
		domain := tm.SNI
		cnf.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			d := domain
			if hello.ServerName != "" {
				d = hello.ServerName
			}
			return acmeMgr.Certificate(hello.Context(), d)
		}
	case tm.CertFile != "" && tm.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(tm.CertFile, tm.KeyFile)
		if err != nil {
			return nil, itsierr.InvalidInput.Error(err)
		}
		cnf.Certificates = []tls.Certificate{cert}
	default:
		return nil, itsierr.InvalidInput.Error(errMissingCertMaterial)
	}

	return cnf, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errInvalidCAPem
	}
	return pool, nil
}
