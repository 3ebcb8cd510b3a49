package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/enrich/internal/enrichment"
	"github.com/zjrosen/enrich/internal/grok"
	"github.com/zjrosen/enrich/internal/log"
	"github.com/zjrosen/enrich/internal/metrics"
	"github.com/zjrosen/enrich/internal/notify"
	"github.com/zjrosen/enrich/internal/session"
	"github.com/zjrosen/enrich/internal/tracing"
	"github.com/zjrosen/enrich/internal/watcher"
)

var (
	sessionScript      string
	sessionWatch       bool
	sessionMetricsAddr string
	sessionOutput      string
)

var sessionCmd = &cobra.Command{
	Use:   "session NAME -s SCRIPT.yaml",
	Short: "Replay a scripted enrichment session",
	Long: `Replay a YAML script of UI events against the enrichment state machine for
stream NAME, then print the final state, notifications and the diff between
the persisted processors and the ones an update would commit.

Example script:
  steps:
    - event: processors.add
      processor:
        dissect: {field: message, pattern: "%{method} %{path}"}
    - event: processor.send
      index: -1
      input: stage
    - event: simulation.viewDataPreview
      wait: simulation.ready
    - event: stream.update
      wait: ready.stream.idle

With --watch, changes to the store made by other processes refresh the
session's definition while it runs.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	sessionCmd.Flags().StringVarP(&sessionScript, "script", "s", "", "event script (YAML)")
	sessionCmd.Flags().BoolVarP(&sessionWatch, "watch", "w", false, "refresh when the store changes (overrides watch.enabled)")
	sessionCmd.Flags().StringVar(&sessionMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	sessionCmd.Flags().StringVarP(&sessionOutput, "output", "o", "yaml", "output format: yaml or json")
	_ = sessionCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(sessionCmd)
}

// sessionReport is what `enrich session` prints.
type sessionReport struct {
	Snapshot      enrichment.Snapshot   `json:"snapshot" yaml:"snapshot"`
	Notifications []notify.Notification `json:"notifications,omitempty" yaml:"notifications,omitempty"`
	Diff          string                `json:"diff,omitempty" yaml:"diff,omitempty"`
}

func runSession(cmd *cobra.Command, args []string) error {
	name := args[0]
	script, err := session.LoadScript(sessionScript)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatCLI, "tracing shutdown failed", err)
		}
	}()

	opts := session.Options{
		SampleSize:        cfg.Simulation.SampleSize,
		SimulationTimeout: cfg.Simulation.Timeout,
		UpsertTimeout:     cfg.Upsert.Timeout,
		Grok: []grok.Option{
			grok.WithPatternsDir(cfg.Grok.PatternsDir),
			grok.WithCacheTTL(cfg.Grok.CacheTTL),
		},
		Tracer: provider.Tracer(),
		Notifier: notify.SinkFunc(func(n notify.Notification) {
			log.Info(log.CatUpsert, "notification", "level", n.Level, "title", n.Title, "stream", n.Stream)
		}),
	}

	addr := cfg.Metrics.Addr
	if cmd.Flags().Changed("metrics-addr") {
		addr = sessionMetricsAddr
	}
	if addr != "" {
		mx, shutdown, err := serveMetrics(addr)
		if err != nil {
			return err
		}
		defer shutdown()
		opts.Metrics = mx
	}

	watch := cfg.Watch.Enabled
	if cmd.Flags().Changed("watch") {
		watch = sessionWatch
	}
	if watch {
		w, err := watcher.New(watcher.Config{DBPath: db.Path(), Debounce: cfg.Watch.Debounce})
		if err != nil {
			return err
		}
		changes, err := w.Start()
		if err != nil {
			_ = w.Stop()
			return err
		}
		defer func() { _ = w.Stop() }()
		opts.Changes = changes
	}

	res, runErr := session.NewRunner(db.StreamRepository(), opts).Run(ctx, name, script)
	if res.Snapshot.State != "" {
		if err := writeOutput(cmd.OutOrStdout(), sessionOutput, sessionReport{
			Snapshot:      res.Snapshot,
			Notifications: res.Notifications,
			Diff:          res.Diff,
		}); err != nil {
			return err
		}
	}
	return runErr
}

// serveMetrics starts a /metrics endpoint on addr.
func serveMetrics(addr string) (*metrics.Metrics, func(), error) {
	reg := metrics.NewRegistry()
	mx, err := metrics.New(reg)
	if err != nil {
		return nil, nil, fmt.Errorf("registering metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorErr(log.CatCLI, "metrics server failed", err, "addr", addr)
		}
	}()
	log.Info(log.CatCLI, "serving metrics", "addr", addr)

	return mx, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
