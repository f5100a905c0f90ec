package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/ptyhandoff/internal/activation"
	"github.com/zjrosen/ptyhandoff/internal/config"
	"github.com/zjrosen/ptyhandoff/internal/handoff"
	"github.com/zjrosen/ptyhandoff/internal/journal"
	"github.com/zjrosen/ptyhandoff/internal/log"
	"github.com/zjrosen/ptyhandoff/internal/metrics"
	"github.com/zjrosen/ptyhandoff/internal/pubsub"
	"github.com/zjrosen/ptyhandoff/internal/tracing"
	"github.com/zjrosen/ptyhandoff/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve [flags] [-- command [args...]]",
	Short: "Register an activation identity and hand deliveries to a consumer",
	Long: `Register the activation identity and wait for activators.

Each delivery's In/Out channels become stdin/stdout of the command given
after "--" (or handoff.exec in the config). Without a command the delivery
is reported and its handles closed.

With --once the registration is retired after the first delivery and
serve exits.

Example:
  ptyhandoff serve --id 6a3f2c1e-9b7d-4e2a-8c5f-1d0b9e8a7c6b -- /bin/sh -i
  ptyhandoff serve --once --metrics-addr 127.0.0.1:9464`,
	RunE: runServe,
}

var (
	serveID          string
	serveOnce        bool
	serveTimeout     time.Duration
	serveMetricsAddr string
	serveFollowLog   bool
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveID, "id", "", "activation identity (overrides handoff.activation_id)")
	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "accept a single delivery, then exit")
	serveCmd.Flags().DurationVar(&serveTimeout, "timeout", 0, "delivery timeout (overrides handoff.delivery_timeout, 0 waits forever)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	serveCmd.Flags().BoolVar(&serveFollowLog, "follow-log", false, "mirror debug log lines to stderr")
}

func runServe(cmd *cobra.Command, args []string) error {
	cleanupLog, err := setupLogging("serve")
	if err != nil {
		return err
	}
	defer cleanupLog()

	applyServeFlags(cmd, args)
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Handoff.ActivationID == "" {
		return fmt.Errorf("no activation identity: pass --id or set handoff.activation_id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if serveFollowLog {
		followLog(ctx, cmd)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("creating tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatCLI, "Tracer shutdown", err)
		}
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []handoff.Option{
		handoff.WithDeliveryTimeout(cfg.Handoff.DeliveryTimeout),
		handoff.WithMetrics(metrics.New(promReg)),
		handoff.WithTracer(provider.Tracer()),
	}

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(promReg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info(log.CatMetrics, "Metrics listener starting", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.ErrorErr(log.CatMetrics, "Metrics listener failed", err, "addr", srv.Addr)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, handoff.WithRecorder(j))
	}

	registry, err := activation.NewSocketRegistry(cfg.Activation.SocketDir, activation.WithRetiredTTL(cfg.Activation.RevokedTTL))
	if err != nil {
		return fmt.Errorf("creating activation registry: %w", err)
	}
	defer registry.Close()

	mgr := handoff.New(registry, opts...)
	events := mgr.Subscribe(ctx)

	cons := newConsumer(cfg.Handoff.Exec, cmd.OutOrStdout())
	if err := mgr.Register(cfg.Handoff.ActivationID, cons.Deliver, cfg.Handoff.Once); err != nil {
		return err
	}
	watchConfig()

	id := activation.MustParseID(cfg.Handoff.ActivationID)
	sockPath := activation.SocketPath(registry.Dir(), id)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening for %s on %s\n", id, sockPath)

	var removed <-chan struct{}
	if w, err := watcher.New(watcher.DefaultConfig(sockPath)); err != nil {
		log.ErrorErr(log.CatRegistry, "Socket watcher unavailable", err)
	} else if removed, err = w.Start(); err != nil {
		log.ErrorErr(log.CatRegistry, "Socket watcher unavailable", err)
		_ = w.Stop()
	} else {
		defer func() { _ = w.Stop() }()
	}

	reregister := func() {
		log.Warn(log.CatRegistry, "Activation socket removed, registering again", "path", sockPath)
		mgr.Unregister()
		if err := mgr.Register(cfg.Handoff.ActivationID, cons.Deliver, cfg.Handoff.Once); err != nil {
			log.ErrorErr(log.CatRegistry, "Re-registration failed", err)
			fmt.Fprintf(cmd.ErrOrStderr(), "re-registration failed: %v\n", err)
		}
	}

	waitForShutdown(ctx, cmd, events, removed, reregister)

	mgr.Close()
	cons.Wait()
	fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
	return nil
}

// applyServeFlags lays explicitly set flags and trailing args over cfg.
func applyServeFlags(cmd *cobra.Command, args []string) {
	if serveID != "" {
		cfg.Handoff.ActivationID = serveID
	}
	if cmd.Flags().Changed("once") {
		cfg.Handoff.Once = serveOnce
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Handoff.DeliveryTimeout = serveTimeout
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Addr = serveMetricsAddr
	}
	if len(args) > 0 {
		cfg.Handoff.Exec = args
	}
}

// waitForShutdown returns on a signal, or once a single-use registration
// has been retired. A removed socket triggers reregister.
func waitForShutdown(ctx context.Context, cmd *cobra.Command, events <-chan pubsub.Event[handoff.Event], removed <-chan struct{}, reregister func()) {
	for {
		var ev pubsub.Event[handoff.Event]
		var ok bool
		select {
		case <-removed:
			reregister()
			continue
		case <-ctx.Done():
		case ev, ok = <-events:
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
			return
		}
		switch ev.Type {
		case handoff.EventRejected:
			fmt.Fprintf(cmd.ErrOrStderr(), "activation rejected: %s\n", ev.Payload.Outcome)
		case handoff.EventRetired:
			fmt.Fprintln(cmd.OutOrStdout(), "Single-use registration retired")
			return
		}
	}
}

func metricsMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	return mux
}

// watchConfig applies log level changes live. Other settings take effect
// on the next serve.
func watchConfig() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		var next config.Config
		if err := viper.Unmarshal(&next); err != nil {
			log.ErrorErr(log.CatConfig, "Reloading config", err, "file", e.Name)
			return
		}
		level, err := log.ParseLevel(next.Log.Level)
		if err != nil {
			log.ErrorErr(log.CatConfig, "Ignoring invalid log level", err, "file", e.Name)
			return
		}
		log.SetMinLevel(level)
		log.Info(log.CatConfig, "Config reloaded", "file", e.Name, "op", e.Op.String(), "log_level", level)
	})
	viper.WatchConfig()
}

func followLog(ctx context.Context, cmd *cobra.Command) {
	lines := log.NewListener(ctx)
	if lines == nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "--follow-log needs --debug")
		return
	}
	go func() {
		for ev := range lines {
			fmt.Fprint(cmd.ErrOrStderr(), ev.Payload)
		}
	}()
}
