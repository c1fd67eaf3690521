// Package watch runs the dispatcher whenever a new failure report lands.
//
// This replaces the cron-style wiring around one-shot runs: the watcher
// observes the report directory with fsnotify, waits for a report file to
// settle, and hands it to the run callback. An optional Prometheus endpoint
// exposes run and outcome counters.
package watch

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cidoctor/internal/dispatcher"
)

// RunFunc executes one dispatch run against the report at reportPath.
type RunFunc func(ctx context.Context, reportPath string) (*dispatcher.Summary, error)

// DefaultSettle is how long a report file must be quiet before it is
// processed, so half-written files are not dispatched.
const DefaultSettle = 500 * time.Millisecond

// Config wires a Watcher.
type Config struct {
	// Dir is the report directory to observe.
	Dir string
	// Pattern is the report filename glob.
	Pattern string
	// Run is invoked for each settled report file.
	Run RunFunc
	// Settle overrides DefaultSettle; mainly for tests.
	Settle time.Duration
	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	Logger      *zap.Logger
}

// Watcher observes a report directory and dispatches new reports.
type Watcher struct {
	dir         string
	pattern     string
	run         RunFunc
	settle      time.Duration
	metricsAddr string
	logger      *zap.Logger

	registry      *prometheus.Registry
	runsTotal     *prometheus.CounterVec
	outcomesTotal *prometheus.CounterVec
}

// New validates cfg and builds a Watcher.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("watch directory is required")
	}
	if cfg.Pattern == "" {
		return nil, errors.New("report pattern is required")
	}
	if cfg.Run == nil {
		return nil, errors.New("run callback is required")
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Watcher{
		dir:         cfg.Dir,
		pattern:     cfg.Pattern,
		run:         cfg.Run,
		settle:      cfg.Settle,
		metricsAddr: cfg.MetricsAddr,
		logger:      cfg.Logger,
		registry:    registry,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cidoctor_runs_total",
			Help: "Dispatcher runs triggered by watched reports.",
		}, []string{"result"}),
		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cidoctor_outcomes_total",
			Help: "Per-event outcomes across watched runs.",
		}, []string{"status"}),
	}, nil
}

// Start blocks, dispatching new reports until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Join(errors.New("initialize filesystem watcher"), err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return errors.Join(errors.New("watch report directory "+w.dir), err)
	}

	var metricsSrv *http.Server
	if w.metricsAddr != "" {
		metricsSrv = w.startMetricsServer()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	w.logger.Info("watching for failure reports",
		zap.String("dir", w.dir),
		zap.String("pattern", w.pattern))

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("filesystem watcher closed unexpectedly")
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			if matched, _ := filepath.Match(w.pattern, filepath.Base(event.Name)); !matched {
				continue
			}
			pending[event.Name] = time.Now()

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("filesystem watcher closed unexpectedly")
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))

		case <-ticker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < w.settle {
					continue
				}
				delete(pending, path)
				w.handle(ctx, path)
			}
		}
	}
}

// handle runs the dispatcher for one settled report and updates counters.
func (w *Watcher) handle(ctx context.Context, path string) {
	w.logger.Info("new failure report", zap.String("path", path))

	summary, err := w.run(ctx, path)
	if err != nil {
		w.runsTotal.WithLabelValues("error").Inc()
		w.logger.Error("dispatch run failed", zap.String("path", path), zap.Error(err))
		return
	}

	w.runsTotal.WithLabelValues("ok").Inc()
	for _, outcome := range summary.Outcomes {
		w.outcomesTotal.WithLabelValues(string(outcome.Status)).Inc()
	}
	w.logger.Info("dispatch run complete",
		zap.String("run_id", summary.RunID),
		zap.Int("executed", summary.TotalExecuted),
		zap.Int("failed", summary.Failed))
}

// startMetricsServer serves the Prometheus registry in the background.
func (w *Watcher) startMetricsServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: w.metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	w.logger.Info("metrics endpoint listening", zap.String("addr", w.metricsAddr))
	return srv
}

// Registry exposes the metrics registry, mainly for tests.
func (w *Watcher) Registry() *prometheus.Registry {
	return w.registry
}
