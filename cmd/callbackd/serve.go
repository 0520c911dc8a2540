package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggoodman/diary-callbacks/broker/redis"
	"github.com/ggoodman/diary-callbacks/delivery"
	"github.com/ggoodman/diary-callbacks/httpapi"
	"github.com/ggoodman/diary-callbacks/internal/config"
	"github.com/ggoodman/diary-callbacks/internal/dedup"
	"github.com/ggoodman/diary-callbacks/internal/metrics"
	"github.com/ggoodman/diary-callbacks/relay"
	"github.com/ggoodman/diary-callbacks/sessions"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var (
		addr       string
		brokerKind string
		instanceID string
		anyOrigin  bool
		dropGroup  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay instance",
		Long: `Serve consumes the callback topic as this instance's own subscriber
group, keeps the session registry for locally connected clients and serves
the realtime endpoint, the session hooks and the worker publish endpoint.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// An instance without a configured id gets a fresh group each start.
			ephemeral := os.Getenv("INSTANCE_ID") == "" && instanceID == ""

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.HTTPAddr = addr
			}
			if cmd.Flags().Changed("broker") {
				cfg.Broker = brokerKind
			}
			if instanceID != "" {
				cfg.InstanceID = instanceID
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if !cmd.Flags().Changed("drop-group") {
				dropGroup = ephemeral
			}

			log, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, log, serveOptions{anyOrigin: anyOrigin, dropGroup: dropGroup})
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVar(&brokerKind, "broker", "memory", "Bus implementation: memory or redis (overrides BROKER)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Subscriber group name (overrides INSTANCE_ID)")
	cmd.Flags().BoolVar(&anyOrigin, "allow-any-origin", false, "Accept websocket upgrades from any origin")
	cmd.Flags().BoolVar(&dropGroup, "drop-group", false, "Destroy this instance's redis group on exit (default when no instance id is set)")
	return cmd
}

type serveOptions struct {
	anyOrigin bool
	dropGroup bool
}

func serve(ctx context.Context, cfg *config.Config, log *slog.Logger, opts serveOptions) error {
	b, err := openBroker(cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	reg := sessions.NewRegistry(
		sessions.WithPolicy(sessions.TTLPolicy(cfg.TTLPolicy)),
		sessions.WithMaxAge(cfg.SessionMaxAge),
	)
	guard := dedup.New(dedup.WithMaxAge(cfg.EventMaxAge))
	hub := delivery.NewHub(delivery.WithHubLogger(log))
	dispatcher := relay.NewDispatcher(reg, guard, hub, relay.WithLogger(log), relay.WithMetrics(m))
	gauges := m.RegisterSessionGauges(reg.Len, hub.Connections)

	ctrl := sessions.NewController(reg,
		sessions.WithLogger(log),
		sessions.WithReplayer(dispatcher),
		sessions.WithSweeper(guard),
		sessions.WithSweepInterval(cfg.SweepInterval),
		sessions.WithEvictionHook(func(ids []string) { gauges.Evicted.Add(float64(len(ids))) }),
	)

	serverOpts := []delivery.ServerOption{delivery.WithServerLogger(log)}
	if opts.anyOrigin {
		serverOpts = append(serverOpts, delivery.WithCheckOrigin(func(*http.Request) bool { return true }))
	}

	apiOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithRealtime(delivery.NewServer(hub, ctrl, serverOpts...)),
		httpapi.WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	}
	auth, err := newAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("worker auth: %w", err)
	}
	if auth != nil {
		apiOpts = append(apiOpts, httpapi.WithAuthenticator(auth))
	}
	pub := relay.NewPublisher(b, cfg.Topic, relay.WithLogger(log), relay.WithMetrics(m))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(ctrl, reg, pub, apiOpts...),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.InfoContext(ctx, "serve.start",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("broker", cfg.Broker),
		slog.String("topic", cfg.Topic),
		slog.String("instance_id", cfg.InstanceID),
		slog.String("ttl_policy", cfg.TTLPolicy),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(dispatcher.Run(gctx, b, cfg.Topic, cfg.InstanceID))
	})
	g.Go(func() error {
		return ignoreCanceled(ctrl.Run(gctx))
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if rb, ok := b.(*redis.Broker); ok && opts.dropGroup {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if derr := rb.DestroyGroup(cleanupCtx, cfg.Topic, cfg.InstanceID); derr != nil {
			log.WarnContext(cleanupCtx, "serve.group.destroy.err", slog.String("err", derr.Error()))
		}
	}

	log.InfoContext(context.WithoutCancel(ctx), "serve.stop")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
