// Package guard is the embeddable facade over ProcessGuard's core
// packages, mirroring provisr's top-level provisr.go: a single
// exported Daemon type that owns construction and lifecycle of every
// collaborator (OS Facade, Log Manager, Dependency Graph, Crash Engine,
// Sampler, Alert Bus, Supervisor, Audit Logger, REST control plane) so
// that cmd/processguardd only has to call guard.New and guard.Run.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/processguard/processguard/internal/alerts"
	"github.com/processguard/processguard/internal/apiserver"
	"github.com/processguard/processguard/internal/audit"
	"github.com/processguard/processguard/internal/config"
	"github.com/processguard/processguard/internal/crash"
	"github.com/processguard/processguard/internal/depgraph"
	"github.com/processguard/processguard/internal/logs"
	"github.com/processguard/processguard/internal/metrics"
	"github.com/processguard/processguard/internal/osfacade"
	"github.com/processguard/processguard/internal/sampler"
	"github.com/processguard/processguard/internal/supervisor"
	"github.com/processguard/processguard/internal/tlssetup"
)

// Daemon wires together one running instance of ProcessGuard.
type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	facade    osfacade.Facade
	graph     *depgraph.Graph
	crashEng  *crash.Engine
	logMgr    *logs.Manager
	smp       *sampler.Sampler
	bus       *alerts.Bus
	alertPub  *alertAdapter
	sup       *supervisor.Supervisor
	auditLog  *audit.Logger
	auditDB   audit.Store
	apiServer *apiserver.Server

	metricsServer *http.Server
	httpServer    *http.Server
}

// Option configures a Daemon at construction time.
type Option func(*Daemon)

func WithLogger(l *slog.Logger) Option {
	return func(d *Daemon) {
		if l != nil {
			d.log = l
		}
	}
}

// New builds a Daemon from a loaded Config but starts nothing.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(d)
	}

	d.facade = osfacade.New()
	d.graph = depgraph.New()
	d.crashEng = crash.New(d.graph)

	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "."
	}
	d.logMgr = logs.NewManager(logs.Config{Dir: logDir})

	sinks, err := buildSinks(cfg)
	if err != nil {
		return nil, fmt.Errorf("building alert sinks: %w", err)
	}
	dedup := time.Minute
	maxRetained := 0
	if cfg.Alerts != nil {
		if cfg.Alerts.DedupWindowSeconds > 0 {
			dedup = time.Duration(cfg.Alerts.DedupWindowSeconds) * time.Second
		}
		maxRetained = cfg.Alerts.MaxRetained
	}
	var busOpts []alerts.Option
	busOpts = append(busOpts, alerts.WithLogger(d.log))
	if maxRetained > 0 {
		busOpts = append(busOpts, alerts.WithRingSize(maxRetained))
	}
	d.bus = alerts.New(dedup, sinks, busOpts...)
	adapter := newAlertAdapter(d.bus)
	d.alertPub = adapter

	d.smp = sampler.New(d.facade, adapter, sampler.WithLogger(d.log))

	if cfg.Audit != nil && cfg.Audit.Enabled {
		store, err := audit.NewFromDSN(cfg.Audit.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening audit store: %w", err)
		}
		if err := store.EnsureSchema(context.Background()); err != nil {
			return nil, fmt.Errorf("audit schema: %w", err)
		}
		d.auditDB = store
	}
	d.auditLog = audit.NewLogger(d.auditDB, d.log)

	d.sup = supervisor.New(d.facade, d.logMgr, d.crashEng, d.graph, d.smp,
		supervisor.WithAlertPublisher(adapter),
		supervisor.WithAuditRecorder(d.auditLog),
		supervisor.WithLogger(d.log),
	)
	// The Sampler's ExitNotifier/UptimeObserver are the Supervisor, which in
	// turn needs the Sampler to construct, so these are wired after the
	// fact rather than through sampler.New's options.
	d.smp.SetExitNotifier(d.sup)
	d.smp.SetUptimeObserver(d.sup)

	var apiBasePath string
	var apiTokens []string
	if cfg.Server != nil {
		apiBasePath = cfg.Server.BasePath
	}
	d.apiServer = apiserver.New(apiserver.Config{
		Supervisor:  d.sup,
		CrashEngine: d.crashEng,
		AlertBus:    d.bus,
		Sampler:     d.smp,
		Graph:       d.graph,
		LogManager:  d.logMgr,
		AuditLogger: d.auditLog,
		Facade:      d.facade,
		BasePath:    apiBasePath,
		AuthTokens:  apiTokens,
	})

	if err := metrics.Register(prometheus.DefaultRegisterer, d.smp.Collectors()...); err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	return d, nil
}

func buildSinks(cfg *config.Config) ([]alerts.Sink, error) {
	if cfg.Alerts == nil {
		return nil, nil
	}
	var sinks []alerts.Sink
	if cfg.Alerts.SMTP != nil {
		sinks = append(sinks, alerts.NewSMTPSink(alerts.SMTPConfig{
			Server:     cfg.Alerts.SMTP.Host,
			Port:       cfg.Alerts.SMTP.Port,
			Username:   cfg.Alerts.SMTP.Username,
			Password:   cfg.Alerts.SMTP.Password,
			UseTLS:     cfg.Alerts.SMTP.UseTLS,
			Recipients: cfg.Alerts.SMTP.To,
			From:       cfg.Alerts.SMTP.From,
		}))
	}
	for _, wh := range cfg.Alerts.Webhooks {
		if wh.Slack {
			sinks = append(sinks, alerts.NewSlackSink(wh.URL))
			continue
		}
		sinks = append(sinks, alerts.NewWebhookSink(wh.URL, wh.Headers))
	}
	return sinks, nil
}

// RegisterProcesses registers every process decoded from the config file,
// merging the config's global environment ahead of each process's own.
func (d *Daemon) RegisterProcesses() error {
	for _, spec := range d.cfg.Specs {
		merged := make([]string, 0, len(d.cfg.GlobalEnv)+len(spec.Env))
		merged = append(merged, d.cfg.GlobalEnv...)
		merged = append(merged, spec.Env...)
		spec.Env = merged
		if err := d.sup.Register(spec); err != nil {
			return fmt.Errorf("registering process %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Run starts the sampler tick loop, auto-starts every registered process
// in dependency order, serves the REST control plane, and (if configured)
// the Prometheus metrics endpoint. It blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	go d.smp.Run(ctx)
	go d.apiServer.RunMetricsFeed(ctx)

	if err := d.sup.StartAll(); err != nil {
		d.log.Error("auto-start failed", "err", err)
	}

	tlsConfig, err := tlssetup.Setup(d.cfg.Server)
	if err != nil {
		return fmt.Errorf("setting up TLS: %w", err)
	}
	if tlsConfig != nil {
		watcher := tlssetup.NewWatcher(d.cfg.Server, d.alertPub, d.log)
		go watcher.Run(ctx)
	}

	if d.cfg.Metrics != nil && d.cfg.Metrics.Enabled && d.cfg.Metrics.Listen != "" {
		d.metricsServer = &http.Server{Addr: d.cfg.Metrics.Listen, Handler: metrics.Handler(), TLSConfig: tlsConfig, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			var err error
			if tlsConfig != nil {
				err = d.metricsServer.ListenAndServeTLS("", "")
			} else {
				err = d.metricsServer.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				d.log.Error("metrics server failed", "err", err)
			}
		}()
	}

	addr := ":8080"
	if d.cfg.Server != nil && d.cfg.Server.Listen != "" {
		addr = d.cfg.Server.Listen
	}
	d.httpServer = apiserver.NewHTTPServer(addr, d.apiServer)
	d.httpServer.TLSConfig = tlsConfig
	errCh := make(chan error, 1)
	go func() {
		if tlsConfig != nil {
			errCh <- d.httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- d.httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		return d.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown stops the sampler and the HTTP servers and closes the audit
// store; supervised processes and their mailboxes are left as they are.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.smp.Stop()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(ctx)
	}
	if d.metricsServer != nil {
		_ = d.metricsServer.Shutdown(ctx)
	}
	if d.auditDB != nil {
		_ = d.auditDB.Close()
	}
	return nil
}

// Supervisor exposes the underlying Supervisor for callers embedding the
// daemon directly rather than driving it through the REST API.
func (d *Daemon) Supervisor() *supervisor.Supervisor { return d.sup }
