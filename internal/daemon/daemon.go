// Package daemon runs phasegate as a long-lived server. It owns the history
// store, applies phase outcomes sent over the Unix socket, reloads the
// runtime when the config changes and serves Prometheus metrics.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/msageha/phasegate/internal/agent"
	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/events"
	"github.com/msageha/phasegate/internal/history"
	"github.com/msageha/phasegate/internal/lock"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/metrics"
	"github.com/msageha/phasegate/internal/notify"
	"github.com/msageha/phasegate/internal/uds"
	"github.com/msageha/phasegate/internal/watch"
	"github.com/msageha/phasegate/internal/workflow"
)

const (
	lockFileName  = "serve.lock"
	busBufferSize = 256
	notifyTimeout = 10 * time.Second
)

type Options struct {
	Logger *logging.Logger
	// Agent replaces the configured decision agent on every load.
	Agent agent.Executor
	// Debounce overrides the reload debounce.
	Debounce time.Duration
	Version  string
}

// Daemon is the phasegate server process.
type Daemon struct {
	configPath string
	cfg        *config.Config
	stateDir   string
	opts       Options
	log        *logging.Logger

	fileLock *lock.FileLock
	store    history.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	runner   *workflow.Runner
	reloader *watch.Reloader
	server   *uds.Server
	http     *http.Server
	httpAddr string

	startedAt time.Time
	ready     chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
}

// New prepares a daemon for the config loaded from configPath.
func New(cfg *config.Config, configPath string, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	stateDir := cfg.Resolve(cfg.Server.StateDir)
	return &Daemon{
		configPath: abs,
		cfg:        cfg,
		stateDir:   stateDir,
		opts:       opts,
		log:        log.With("daemon"),
		fileLock:   lock.NewFileLock(filepath.Join(stateDir, lockFileName)),
		ready:      make(chan struct{}),
	}, nil
}

// SocketPath is where the daemon listens.
func (d *Daemon) SocketPath() string {
	return SocketPath(d.cfg)
}

// SocketPath returns the socket a daemon for cfg listens on.
func SocketPath(cfg *config.Config) string {
	return filepath.Join(cfg.Resolve(cfg.Server.StateDir), uds.DefaultSocketName)
}

// MetricsAddr is the bound metrics address, empty when metrics are off.
// Valid after Ready.
func (d *Daemon) MetricsAddr() string { return d.httpAddr }

// Ready is closed once the socket accepts requests.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Run starts the daemon and blocks until ctx is done or a shutdown command
// arrives, then shuts down gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	if err := os.MkdirAll(d.stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	// Step 1: Acquire file lock
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log.Infof("daemon starting pid=%d config=%s", os.Getpid(), d.configPath)

	ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()

	if err := d.start(ctx); err != nil {
		d.Shutdown()
		return err
	}
	close(d.ready)
	d.log.Infof("daemon ready")

	<-ctx.Done()
	d.Shutdown()
	return nil
}

func (d *Daemon) start(ctx context.Context) error {
	// Step 2: History store and observers
	store, err := workflow.OpenStore(d.cfg)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	d.store = store
	d.bus = events.NewBus(busBufferSize, d.log)
	notifiers := notify.FromConfig(d.cfg.Server.Notify)
	d.bus.Subscribe(events.EventEscalation, func(ev events.Event) {
		d.log.Warnf("%s needs a human: %v", ev.IssueID, ev.Data["reason"])
		esc := notify.FromEvent(ev)
		for _, n := range notifiers {
			nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
			if err := n.Notify(nctx, esc); err != nil {
				d.log.Warnf("notify %s: %v", ev.IssueID, err)
			}
			cancel()
		}
	})
	d.metrics = metrics.NewMetrics()
	if err := d.metrics.RegisterGaugeFunc("phasegate_event_bus_dropped",
		"Events dropped because a subscriber fell behind.",
		func() float64 { return float64(d.bus.Dropped()) }); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	// Step 3: Runtime and runner
	rt, err := d.build(d.cfg)
	if err != nil {
		return err
	}
	d.runner, err = workflow.NewRunner(rt, workflow.Options{
		Store:   d.store,
		Bus:     d.bus,
		Metrics: d.metrics,
		Logger:  d.log,
	})
	if err != nil {
		return err
	}

	// Step 4: Config watcher
	d.reloader, err = watch.New(d.load, d.runner, watch.Options{
		Paths:    watchPaths(d.cfg, d.configPath),
		Debounce: d.opts.Debounce,
		Bus:      d.bus,
		Metrics:  d.metrics,
		Logger:   d.log,
	})
	if err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.reloader.Run(ctx); err != nil {
			d.log.Errorf("config watcher stopped: %v", err)
		}
	}()

	// Step 5: UDS server
	d.server = uds.NewServer(d.SocketPath(), d.log)
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log.Infof("UDS server listening on %s", d.SocketPath())

	// Step 6: Metrics endpoint
	if d.cfg.Metrics.Enabled {
		if err := d.startMetricsServer(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) build(cfg *config.Config) (*workflow.Runtime, error) {
	rt, err := workflow.Build(cfg, d.store, workflow.BuildOptions{Agent: d.opts.Agent, Logger: d.log})
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	return rt, nil
}

// load rereads the config for the reloader. Settings bound at startup keep
// their original values until restart.
func (d *Daemon) load() (*workflow.Runtime, error) {
	cfg, err := config.Load(d.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.History != d.cfg.History || cfg.Server != d.cfg.Server || cfg.Metrics != d.cfg.Metrics {
		d.log.Warnf("history, server and metrics settings change only on restart")
	}
	return d.build(cfg)
}

func watchPaths(cfg *config.Config, configPath string) []string {
	paths := []string{configPath}
	if cfg.PoliciesFile != "" {
		paths = append(paths, cfg.Resolve(cfg.PoliciesFile))
	}
	if cfg.Templates.Dir != "" {
		paths = append(paths, cfg.Resolve(cfg.Templates.Dir))
	}
	return paths
}

func (d *Daemon) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	ln, err := net.Listen("tcp", d.cfg.Metrics.Addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	d.http = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	d.httpAddr = ln.Addr().String()
	d.log.Infof("metrics listening on %s", d.httpAddr)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Errorf("metrics server: %v", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests, drains in-flight ones within the
// configured timeout and releases resources. Safe to call more than once.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log.Infof("shutdown started")

		// 1. Stop producers
		if d.cancel != nil {
			d.cancel()
		}

		// 2. Drain in-flight requests
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Server.ShutdownTimeout())
		defer cancel()
		if d.server != nil {
			if err := d.server.Stop(ctx); err != nil {
				d.log.Warnf("shutdown timeout, some requests were cancelled: %v", err)
			}
		}
		if d.http != nil {
			if err := d.http.Shutdown(ctx); err != nil {
				d.log.Warnf("metrics server shutdown: %v", err)
			}
		}
		d.wg.Wait()

		// 3. Cleanup
		d.cleanup()
		d.log.Infof("daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	if d.bus != nil {
		d.bus.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warnf("close history: %v", err)
		}
	}
	if err := d.fileLock.Unlock(); err != nil {
		d.log.Warnf("release lock: %v", err)
	}
}
