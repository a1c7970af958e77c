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

// Command itsi-server is the process entrypoint: it loads configuration,
// stands up the lifecycle plane, binds every configured listener, and
// runs either directly (single-mode) or as a forking supervisor
// (cluster-mode), per spec.md §4.7-§4.8.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itsi-go/server/internal/acceptor"
	"github.com/itsi-go/server/internal/acme"
	"github.com/itsi-go/server/internal/bind"
	"github.com/itsi-go/server/internal/config"
	"github.com/itsi-go/server/internal/lifecycle"
	"github.com/itsi-go/server/internal/metrics"
	"github.com/itsi-go/server/internal/netw"
	"github.com/itsi-go/server/internal/pipeline"
	"github.com/itsi-go/server/internal/ratelimit"
	"github.com/itsi-go/server/internal/strategy"
	"github.com/itsi-go/server/internal/tlsmat"
	"github.com/itsi-go/server/logger"
	loglvl "github.com/itsi-go/server/logger/level"
)

func main() {
	configPath := flag.String("config", "itsi.yaml", "path to the server configuration file")
	worker := flag.Bool("worker", false, "internal: run in single-mode as a cluster child; set by the parent, not by operators")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
	flag.Parse()

	log := logger.New(context.Background())
	log.SetLevel(loglvl.InfoLevel)

	if err := run(*configPath, *worker, *metricsAddr, log); err != nil {
		log.Fatal("itsi-server: fatal", nil, err)
	}
}

func run(configPath string, isWorker bool, metricsAddr string, log logger.Logger) error {
	plane := lifecycle.New()
	plane.ResetSignalHandlers()

	mgr := config.NewManager(configPath)
	if err := mgr.Init(); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	mgr.Start()

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)
	go serveMetrics(metricsAddr, promReg, log)

	backend := ratelimit.NewInProcess(context.Background(), time.Hour)
	defer backend.Close()

	layers := config.NewRegistry(backend)

	var generation atomic.Pointer[pipeline.Service]
	rebuild := func(cfg config.ServerConfig) error {
		routes, err := layers.BuildRoutes(cfg.Middleware)
		if err != nil {
			return err
		}
		generation.Store(&pipeline.Service{Routes: routes, Log: log})
		return nil
	}
	if err := rebuild(mgr.Current()); err != nil {
		return fmt.Errorf("building middleware pipeline: %w", err)
	}
	mgr.OnReload(func(cfg config.ServerConfig) error {
		if err := rebuild(cfg); err != nil {
			log.Error("itsi-server: reload rejected, keeping prior generation", nil, err)
			return err
		}
		log.Info("itsi-server: configuration reloaded, new generation active", nil)
		return nil
	})

	cfg := mgr.Current()

	if cfg.ClusterMode() && !isWorker {
		graceful := time.Duration(cfg.ShutdownTimeout * float64(time.Second))
		return runCluster(plane, configPath, cfg.Workers, graceful)
	}

	return runSingle(context.Background(), plane, cfg, &generation, metricsReg, log)
}

// runCluster forks cfg.Workers single-mode children re-execing this
// binary with -worker, and blocks reacting to lifecycle events for that
// fleet (spec.md §4.8).
func runCluster(plane *lifecycle.Plane, configPath string, workerCount int, graceful time.Duration) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path for cluster children: %w", err)
	}

	childCmd := func(id int) *exec.Cmd {
		cmd := exec.Command(self, "-config", configPath, "-worker")
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = append(os.Environ(), fmt.Sprintf("ITSI_WORKER_ID=%d", id))
		return cmd
	}

	cluster := strategy.NewCluster(plane, childCmd, graceful, true)
	return cluster.Run(workerCount)
}

// runSingle binds every configured listener and drives its acceptor
// (spec.md §4.6-§4.7), blocking until every listener's Serve returns.
func runSingle(ctx context.Context, plane *lifecycle.Plane, cfg config.ServerConfig, generation *atomic.Pointer[pipeline.Service], metricsReg *metrics.Registry, log logger.Logger) error {
	metricsReg.WorkersCurrent.Set(float64(maxInt(cfg.Threads, 1)))

	single := strategy.NewSingle(1024)
	single.Run(ctx, maxInt(cfg.Threads, 1))
	defer single.Stop(ctx)

	var acmeMgr *acme.Manager
	errCh := make(chan error, len(cfg.Binds))
	active := 0

	for _, raw := range cfg.Binds {
		b, parseErr := bind.Parse(raw)
		if parseErr != nil {
			return fmt.Errorf("parsing bind %q: %w", raw, parseErr)
		}

		var tlsConfig *tls.Config
		if b.Scheme.RequiresTLS() {
			if b.TLS != nil && b.TLS.ACME && acmeMgr == nil {
				mgr, acmeErr := newAcmeManager(*b.TLS)
				if acmeErr != nil {
					return fmt.Errorf("provisioning ACME manager for %q: %w", raw, acmeErr)
				}
				acmeMgr = mgr
			}
			cnf, tlsErr := tlsmat.Build(b.TLS, acmeMgr)
			if tlsErr != nil {
				return fmt.Errorf("building TLS config for %q: %w", raw, tlsErr)
			}
			tlsConfig = cnf
		}

		listener, listenErr := netw.Listen(b, tlsConfig)
		if listenErr != nil {
			return fmt.Errorf("listening on %q: %w", raw, listenErr)
		}

		srv := &acceptor.Server{
			Listener:         listener,
			Generation:       generation,
			Metrics:          metricsReg,
			MaxBodyBytes:     cfg.MaxBodyBytes,
			Health:           single.Health,
			Plane:            plane,
			ShutdownDeadline: time.Duration(cfg.ShutdownTimeout * float64(time.Second)),
		}

		log.Info("itsi-server: listening", map[string]interface{}{"bind": raw, "scheme": b.Scheme.String()})

		active++
		go func() {
			errCh <- srv.Serve(ctx)
		}()
	}

	if active == 0 {
		return fmt.Errorf("no binds configured")
	}

	var firstErr error
	for i := 0; i < active; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func serveMetrics(addr string, reg *prometheus.Registry, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("itsi-server: metrics server exited", nil, err)
	}
}

func newAcmeManager(tm bind.TLSMaterial) (*acme.Manager, error) {
	cfg := acme.DefaultConfig()
	if tm.ACMEEmail != "" {
		cfg.ContactEmail = tm.ACMEEmail
	}
	return acme.NewManager(cfg)
}
