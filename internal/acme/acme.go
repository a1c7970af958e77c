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

// Package acme provisions TLS certificates on demand (spec.md §4.10) using
// a locked-directory cache: a single lockfile inside the cache directory
// held for the duration of any load or store, preventing duplicate order
// submission when multiple cluster workers race for the same domain.
package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/acme"
)

func defaultRetryInterval() time.Duration {
	return 50 * time.Millisecond
}

func buildCSR(domain string, key *ecdsa.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}
	return x509.CreateCertificateRequest(rand.Reader, tmpl, key)
}

// Config is the ACME environment (spec.md §6 ITSI_ACME_* variables).
type Config struct {
	CacheDir      string
	ContactEmail  string
	CAPemPath     string
	DirectoryURL  string
	LockFileName  string
}

const defaultLockFileName = ".acme.lock"

// DefaultConfig applies the defaults documented in spec.md §6.
func DefaultConfig() Config {
	return Config{
		CacheDir:     "./.rustls_acme_cache",
		DirectoryURL: acme.LetsEncryptURL,
		LockFileName: defaultLockFileName,
	}
}

// Manager provisions and caches certificates for one or more domains,
// keyed by fingerprint inside Config.CacheDir (spec.md §4.10 "Persisted
// state": account.json, cert.<fingerprint>.pem, and the lockfile).
type Manager struct {
	cfg    Config
	client *acme.Client
	lock   *flock.Flock
}

// NewManager builds a Manager. If cfg.CAPemPath is set, the ACME client
// dials a test/private CA directory using that CA bundle instead of the
// public Let's Encrypt directory (spec.md §4.10 "optional CA-pem for test
// CAs").
func NewManager(cfg Config) (*Manager, error) {
	if cfg.LockFileName == "" {
		cfg.LockFileName = defaultLockFileName
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return nil, err
	}

	client := &acme.Client{DirectoryURL: cfg.DirectoryURL}

	return &Manager{
		cfg:    cfg,
		client: client,
		lock:   flock.New(filepath.Join(cfg.CacheDir, cfg.LockFileName)),
	}, nil
}

func (m *Manager) fingerprintPath(domain string) string {
	return filepath.Join(m.cfg.CacheDir, fmt.Sprintf("cert.%s.pem", domain))
}

func (m *Manager) accountPath() string {
	return filepath.Join(m.cfg.CacheDir, "account.json")
}

// Certificate returns a cached certificate for domain if present,
// otherwise provisions a new one. Reads are lock-free once cached; a
// cache miss acquires the exclusive lock before ordering so that two
// racing processes never submit duplicate orders for the same domain
// (spec.md §4.10).
func (m *Manager) Certificate(ctx context.Context, domain string) (*tls.Certificate, error) {
	if cert, ok := m.loadCached(domain); ok {
		return cert, nil
	}

	locked, err := m.lock.TryLockContext(ctx, defaultRetryInterval())
	if err != nil {
		return nil, err
	}
	defer m.lock.Unlock()

	if !locked {
		return nil, fmt.Errorf("acme: could not acquire cache lock for %s", domain)
	}

	// Re-check under the lock: another process may have just stored it.
	if cert, ok := m.loadCached(domain); ok {
		return cert, nil
	}

	return m.order(ctx, domain)
}

func (m *Manager) loadCached(domain string) (*tls.Certificate, bool) {
	raw, err := os.ReadFile(m.fingerprintPath(domain))
	if err != nil {
		return nil, false
	}

	var certDER [][]byte
	var keyPEM []byte
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			certDER = append(certDER, block.Bytes)
		case "EC PRIVATE KEY", "PRIVATE KEY":
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	if len(certDER) == 0 || keyPEM == nil {
		return nil, false
	}

	cert, err := tls.X509KeyPair(pemConcat(certDER), keyPEM)
	if err != nil {
		return nil, false
	}
	return &cert, true
}

func pemConcat(certDER [][]byte) []byte {
	var out []byte
	for _, der := range certDER {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}

// order performs the account registration (if needed) and certificate
// order/challenge/finalize sequence, then persists the result under the
// held lock.
func (m *Manager) order(ctx context.Context, domain string) (*tls.Certificate, error) {
	if err := m.ensureAccount(ctx); err != nil {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	csrDER, err := buildCSR(domain, key)
	if err != nil {
		return nil, err
	}

	order, err := m.client.AuthorizeOrder(ctx, []acme.AuthzID{{Type: "dns", Value: domain}})
	if err != nil {
		return nil, err
	}

	for _, authzURL := range order.AuthzURLs {
		if err := m.completeAuthorization(ctx, authzURL); err != nil {
			return nil, err
		}
	}

	order, err = m.client.WaitOrder(ctx, order.URI)
	if err != nil {
		return nil, err
	}

	derChain, _, err := m.client.CreateOrderCert(ctx, order.FinalizeURL, csrDER, true)
	if err != nil {
		return nil, err
	}

	if err := m.persist(domain, key, derChain); err != nil {
		return nil, err
	}

	keyPEM, err := marshalECKey(key)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(pemConcat(derChain), keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

func (m *Manager) ensureAccount(ctx context.Context) error {
	if _, err := os.Stat(m.accountPath()); err == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	m.client.Key = key

	account := &acme.Account{Contact: []string{"mailto:" + m.cfg.ContactEmail}}
	if _, err := m.client.Register(ctx, account, acme.AcceptTOS); err != nil {
		return err
	}

	return os.WriteFile(m.accountPath(), []byte("registered"), 0o600)
}

func (m *Manager) completeAuthorization(ctx context.Context, authzURL string) error {
	authz, err := m.client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return err
	}

	var chal *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "tls-alpn-01" || c.Type == "http-01" {
			chal = c
			break
		}
	}
	if chal == nil {
		return fmt.Errorf("acme: no supported challenge type for %s", authzURL)
	}

	if _, err := m.client.Accept(ctx, chal); err != nil {
		return err
	}
	_, err = m.client.WaitAuthorization(ctx, authz.URI)
	return err
}

func (m *Manager) persist(domain string, key *ecdsa.PrivateKey, derChain [][]byte) error {
	keyPEM, err := marshalECKey(key)
	if err != nil {
		return err
	}

	var out []byte
	out = append(out, pemConcat(derChain)...)
	out = append(out, keyPEM...)

	return os.WriteFile(m.fingerprintPath(domain), out, 0o600)
}

func marshalECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}
