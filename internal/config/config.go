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

// Package config loads and hot-reloads the server's configuration file
// (spec.md §6 "Configuration options") on top of spf13/viper, watching
// the file with fsnotify and exposing the same Init/Start/Reload/Stop
// component lifecycle the teacher's config components used.
package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// MiddlewareRule is one entry of the "middleware" config key: a route
// pattern mapped to an ordered list of layer names with their options.
type MiddlewareRule struct {
	Pattern string                   `mapstructure:"pattern"`
	Layers  []map[string]interface{} `mapstructure:"layers"`
}

// ServerConfig is the closed set of behaviorally meaningful keys from
// spec.md §6.
type ServerConfig struct {
	Workers         int              `mapstructure:"workers"`
	Threads         int              `mapstructure:"threads"`
	ShutdownTimeout float64          `mapstructure:"shutdown_timeout"`
	Silence         bool             `mapstructure:"silence"`
	Binds           []string         `mapstructure:"binds"`
	Middleware      []MiddlewareRule `mapstructure:"middleware"`
	Preload         bool             `mapstructure:"preload"`

	// MaxBodyBytes is the default ceiling applied to every inbound
	// request body (spec.md §4.3); non-positive means unlimited.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// ClusterMode reports whether workers > 1 selects cluster mode
// (spec.md §6 "workers").
func (c ServerConfig) ClusterMode() bool {
	return c.Workers > 1
}

// ReloadFunc is invoked with the newly parsed configuration whenever the
// underlying file changes.
type ReloadFunc func(ServerConfig) error

// Manager owns the viper instance and fsnotify watch, following the
// Init/Start/Reload/Stop component contract.
type Manager struct {
	v *viper.Viper

	mu      sync.RWMutex
	current ServerConfig
	onReload []ReloadFunc

	path string
}

// NewManager builds a Manager bound to the configuration file at path.
// It does not read the file until Init is called.
func NewManager(path string) *Manager {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("workers", 1)
	v.SetDefault("threads", 1)
	v.SetDefault("shutdown_timeout", 5.0)
	v.SetDefault("silence", false)
	v.SetDefault("preload", false)

	return &Manager{v: v, path: path}
}

// Init performs the one-shot initial read and unmarshal; failures abort
// startup (spec.md §4.4 "initialize()" idiom, applied to configuration).
func (m *Manager) Init() error {
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reading %s: %w", m.path, err)
	}

	var cfg ServerConfig
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: unmarshaling %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()
	return nil
}

// Start begins watching the configuration file for changes, invoking
// Reload on every write event.
func (m *Manager) Start() {
	m.v.OnConfigChange(func(_ fsnotify.Event) {
		_ = m.Reload()
	})
	m.v.WatchConfig()
}

// Reload re-reads and re-unmarshals the configuration file and notifies
// every registered ReloadFunc, matching spec.md §4.9's SIGHUP -> Reload
// lifecycle event.
func (m *Manager) Reload() error {
	if err := m.v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: reload %s: %w", m.path, err)
	}

	var cfg ServerConfig
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("config: reload unmarshal %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.current = cfg
	hooks := append([]ReloadFunc(nil), m.onReload...)
	m.mu.Unlock()

	for _, h := range hooks {
		if err := h(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Stop is a no-op placeholder in the component lifecycle; viper has no
// explicit watch-teardown API, so the fsnotify watcher it owns is
// released when the process exits.
func (m *Manager) Stop() error {
	return nil
}

// OnReload registers fn to run on every successful Reload.
func (m *Manager) OnReload(fn ReloadFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReload = append(m.onReload, fn)
}

// Current returns the most recently loaded configuration.
func (m *Manager) Current() ServerConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}
