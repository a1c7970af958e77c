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

package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/itsi-go/server/internal/middleware"
	"github.com/itsi-go/server/internal/pipeline"
	"github.com/itsi-go/server/internal/ratelimit"
)

// LayerBuilder decodes one "layers" entry's option map into a concrete
// middleware.Layer. Shared, stateful dependencies that cannot come from a
// config file (a rate-limit backend, the embedded application handler)
// are closed over by the builder rather than threaded through the map.
type LayerBuilder func(opts map[string]interface{}) (middleware.Layer, error)

// Registry is the closed set of layer kinds buildable from configuration
// (spec.md §4.4, §6 "middleware"). app_dispatcher is intentionally absent:
// its gin.Engine/GRPCHandler are wired in code, not expressed as config.
type Registry struct {
	Backend  ratelimit.Backend
	builders map[string]LayerBuilder
}

// NewRegistry wires the stock layer builders against the given shared
// rate-limit backend, the way certificates.Config.New() seeds one
// concrete implementation behind its TLSConfig interface.
func NewRegistry(backend ratelimit.Backend) *Registry {
	reg := &Registry{Backend: backend}
	reg.builders = map[string]LayerBuilder{
		"allow_deny":           reg.buildAllowDeny,
		"auth_api_key":         reg.buildAuthAPIKey,
		"auth_basic":           reg.buildAuthBasic,
		"auth_jwt":             reg.buildAuthJWT,
		"rate_limit":           reg.buildRateLimit,
		"intrusion_protection": reg.buildIntrusionProtection,
		"cors":                 reg.buildCORS,
		"request_headers":      reg.buildRequestHeaders,
		"response_headers":     reg.buildResponseHeaders,
		"cache_control":        reg.buildCacheControl,
		"compression":          reg.buildCompression,
		"redirect":             reg.buildRedirect,
		"proxy":                reg.buildProxy,
		"static_assets":        reg.buildStaticAssets,
	}
	return reg
}

// Register adds or overrides a builder for name, letting an embedder
// register app_dispatcher (or a custom layer) without forking Registry.
func (reg *Registry) Register(name string, b LayerBuilder) {
	reg.builders[name] = b
}

func (reg *Registry) build(name string, opts map[string]interface{}) (middleware.Layer, error) {
	b, ok := reg.builders[name]
	if !ok {
		return nil, fmt.Errorf("config: unknown middleware layer %q", name)
	}
	layer, err := b(opts)
	if err != nil {
		return nil, fmt.Errorf("config: building layer %q: %w", name, err)
	}
	if err := layer.Initialize(); err != nil {
		return nil, fmt.Errorf("config: initializing layer %q: %w", name, err)
	}
	return layer, nil
}

// foldName strips underscores and lowercases, so a "deny_status" config
// key matches a DenyStatus struct field without requiring every
// middleware layer to carry mapstructure tags.
func foldName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

// decode is a mapstructure.Decode wrapper matching the loose, untyped
// YAML/TOML "layers" entries viper hands back for each rule against the
// layer structs' Go-cased field names.
func decode(opts map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return foldName(mapKey) == foldName(fieldName)
		},
	})
	if err != nil {
		return err
	}
	return dec.Decode(opts)
}

// secondsOrDefault turns a config integer-seconds value into a
// time.Duration, falling back to def when unset.
func secondsOrDefault(seconds, def int) time.Duration {
	if seconds <= 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(seconds) * time.Second
}

func (reg *Registry) buildAllowDeny(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.AllowDeny
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	if l.DenyStatus == 0 {
		l.DenyStatus = 403
	}
	return &l, nil
}

func (reg *Registry) buildAuthAPIKey(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.AuthAPIKey
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	if l.UnauthorizedStatus == 0 {
		l.UnauthorizedStatus = 401
	}
	return &l, nil
}

func (reg *Registry) buildAuthBasic(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.AuthBasic
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// authJWTOptions mirrors middleware.AuthJWT's config-expressible subset;
// SigningKey arrives as a base string (symmetric secret) since a
// JWKSResolver or asymmetric key cannot be named in a config file -
// those are wired by Registry.Register("auth_jwt", ...) overrides.
type authJWTOptions struct {
	Issuer, Audience, Subject string
	LeewaySeconds             int `mapstructure:"leeway_seconds"`
	RequiredClaims            map[string]string
	Secret                    string
	UnauthorizedStatus        int
}

func (reg *Registry) buildAuthJWT(opts map[string]interface{}) (middleware.Layer, error) {
	var o authJWTOptions
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	l := &middleware.AuthJWT{
		Issuer:             o.Issuer,
		Audience:           o.Audience,
		Subject:            o.Subject,
		RequiredClaims:     o.RequiredClaims,
		UnauthorizedStatus: o.UnauthorizedStatus,
	}
	if l.UnauthorizedStatus == 0 {
		l.UnauthorizedStatus = 401
	}
	if o.Secret != "" {
		l.SigningKey = []byte(o.Secret)
	}
	return l, nil
}

func (reg *Registry) buildRateLimit(opts map[string]interface{}) (middleware.Layer, error) {
	var o struct {
		HeaderOrQuery string `mapstructure:"header_or_query"`
		MaxCount      int    `mapstructure:"max_count"`
		WindowSeconds int    `mapstructure:"window_seconds"`
		BlockedStatus int    `mapstructure:"blocked_status"`
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	l := &middleware.RateLimit{
		Backend:       reg.Backend,
		HeaderOrQuery: o.HeaderOrQuery,
		MaxCount:      o.MaxCount,
		Window:        secondsOrDefault(o.WindowSeconds, 60),
		BlockedStatus: o.BlockedStatus,
	}
	if l.BlockedStatus == 0 {
		l.BlockedStatus = 429
	}
	return l, nil
}

func (reg *Registry) buildIntrusionProtection(opts map[string]interface{}) (middleware.Layer, error) {
	var o struct {
		URLPatterns    []string `mapstructure:"url_patterns"`
		HeaderPatterns []struct {
			Header  string
			Pattern string
		} `mapstructure:"header_patterns"`
		BanSeconds   int `mapstructure:"ban_seconds"`
		BannedStatus int `mapstructure:"banned_status"`
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	l := &middleware.IntrusionProtection{
		URLPatterns:  o.URLPatterns,
		BanDuration:  secondsOrDefault(o.BanSeconds, 300),
		BannedStatus: o.BannedStatus,
		Backend:      reg.Backend,
	}
	if l.BannedStatus == 0 {
		l.BannedStatus = 403
	}
	for _, hp := range o.HeaderPatterns {
		l.HeaderPatterns = append(l.HeaderPatterns, middleware.HeaderPattern{Header: hp.Header, Pattern: hp.Pattern})
	}
	return l, nil
}

func (reg *Registry) buildCORS(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.CORS
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (reg *Registry) buildRequestHeaders(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.RequestHeaders
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (reg *Registry) buildResponseHeaders(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.ResponseHeaders
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (reg *Registry) buildCacheControl(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.CacheControl
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (reg *Registry) buildCompression(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.Compression
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (reg *Registry) buildRedirect(opts map[string]interface{}) (middleware.Layer, error) {
	var l middleware.Redirect
	if err := decode(opts, &l); err != nil {
		return nil, err
	}
	if l.Status == 0 {
		l.Status = 302
	}
	return &l, nil
}

func (reg *Registry) buildProxy(opts map[string]interface{}) (middleware.Layer, error) {
	var o struct {
		Destinations    []string
		TimeoutSeconds  int    `mapstructure:"timeout_seconds"`
		TLSSkipVerify   bool   `mapstructure:"tls_skip_verify"`
		SNI             string
		OverrideHeaders map[string]string `mapstructure:"override_headers"`
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &middleware.Proxy{
		Destinations:    o.Destinations,
		Timeout:         secondsOrDefault(o.TimeoutSeconds, 30),
		TLSSkipVerify:   o.TLSSkipVerify,
		SNI:             o.SNI,
		OverrideHeaders: o.OverrideHeaders,
	}, nil
}

func (reg *Registry) buildStaticAssets(opts map[string]interface{}) (middleware.Layer, error) {
	var o struct {
		Root                string
		MaxCachedEntries    int   `mapstructure:"max_cached_entries"`
		MaxCachedFileSize   int64 `mapstructure:"max_cached_file_size"`
		RecheckIntervalSecs int   `mapstructure:"recheck_interval_seconds"`
	}
	if err := decode(opts, &o); err != nil {
		return nil, err
	}
	return &middleware.StaticAssets{
		Root:              o.Root,
		MaxCachedEntries:  o.MaxCachedEntries,
		MaxCachedFileSize: o.MaxCachedFileSize,
		RecheckInterval:   secondsOrDefault(o.RecheckIntervalSecs, 5),
	}, nil
}

// BuildRoutes compiles every MiddlewareRule into a pipeline.Route, in
// config-file order, matching Service.Match's documented first-match-wins
// contract (spec.md §3).
func (reg *Registry) BuildRoutes(rules []MiddlewareRule) ([]pipeline.Route, error) {
	routes := make([]pipeline.Route, 0, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("config: compiling route pattern %q: %w", rule.Pattern, err)
		}

		stack := make([]middleware.Layer, 0, len(rule.Layers))
		for _, entry := range rule.Layers {
			name, _ := entry["name"].(string)
			layer, err := reg.build(name, entry)
			if err != nil {
				return nil, err
			}
			stack = append(stack, layer)
		}

		routes = append(routes, pipeline.Route{Pattern: re, Stack: stack})
	}
	return routes, nil
}
