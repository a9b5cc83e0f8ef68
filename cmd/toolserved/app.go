package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/toolserve/toolserve-go/broker"
	"github.com/toolserve/toolserve-go/broker/memory"
	redisbroker "github.com/toolserve/toolserve-go/broker/redis"
	"github.com/toolserve/toolserve-go/config"
	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/internal/logctx"
	"github.com/toolserve/toolserve-go/internal/metrics"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/server"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/tasks"
	"github.com/toolserve/toolserve-go/transport"
	"github.com/toolserve/toolserve-go/transport/httpserver"
	"github.com/toolserve/toolserve-go/transport/stdio"
	"github.com/toolserve/toolserve-go/transport/wsserver"
)

const (
	appName    = "toolserved"
	appVersion = "0.3.0"
)

func newRootCommand() *cobra.Command {
	v := viper.New()
	config.Setup(v)

	var configFile string

	cmd := &cobra.Command{
		Use:           appName,
		Short:         "JSON-RPC control-protocol server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("read config: %w", err)
				}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configFile)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a config file (yaml)")
	flags.String(config.KeyListen, ":8420", "HTTP/WebSocket listen address")
	flags.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	flags.String(config.KeyLogFormat, "text", "log format (text or json)")
	flags.Float64(config.KeyRequestsPerSecond, 100, "global rate limit refill per second")
	flags.Int(config.KeyBurstSize, 200, "global rate limit burst capacity")
	flags.Float64(config.KeyPerSessionLimit, 50, "per-session rate limit capacity")
	flags.Int(config.KeyMaxSessions, 1000, "maximum concurrently live sessions")
	flags.Duration(config.KeySessionTimeout, 30*time.Minute, "idle session expiry")
	flags.Int(config.KeyMaxConcurrentTasks, 10, "maximum simultaneously running tasks")
	flags.Duration(config.KeyTaskTimeout, time.Minute, "per-task execution timeout")
	flags.Duration(config.KeyTaskRetentionTime, 5*time.Minute, "how long finished tasks stay queryable")
	flags.Int(config.KeyMaxConnections, 1000, "maximum concurrent websocket connections")
	flags.Duration(config.KeyHeartbeatInterval, 30*time.Second, "websocket heartbeat interval")
	flags.String(config.KeyMaxMessageSize, "4 MiB", "maximum inbound message size")
	flags.Bool(config.KeyAuthEnabled, false, "require bearer-token authentication")
	flags.StringSlice(config.KeyAuthTokens, nil, "accepted bearer tokens")
	flags.StringSlice(config.KeyCORSOrigins, nil, "allowed cross-origin origins")
	flags.Bool(config.KeyStdio, false, "also serve newline-delimited JSON-RPC on stdin/stdout")
	flags.String(config.KeyBroker, "memory", "event broker backend (memory or redis)")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s/%s\n", appName, appVersion, runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newLogger(cfg *config.Config, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var base slog.Handler
	if cfg.LogFormat == "json" {
		base = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		base = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logctx.Handler{Handler: base})
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func runServe(ctx context.Context, v *viper.Viper, configFile string) error {
	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	level := &slog.LevelVar{}
	level.Set(parseLevel(cfg.LogLevel))
	log := newLogger(cfg, level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sink := metrics.NewPromSink("toolserve")

	var events broker.Broker
	switch cfg.Broker {
	case "redis":
		rb, err := redisbroker.NewFromEnv()
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		events = rb
	default:
		events = memory.New()
	}
	defer events.Close()

	sessionMgr := sessions.NewManager(sessions.Config{
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
	}, sessions.WithLogger(log), sessions.WithMetricsSink(sink), sessions.WithEventBroker(events))
	sessionMgr.Start(ctx)
	defer sessionMgr.Stop()

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RequestsPerSecond,
		BurstSize:         float64(cfg.BurstSize),
		PerSessionLimit:   cfg.PerSessionLimit,
	}, ratelimit.WithLogger(log), ratelimit.WithMetricsSink(sink))
	limiter.Start(ctx)
	defer limiter.Stop()

	taskMgr := tasks.NewManager(tasks.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		TaskTimeout:   cfg.TaskTimeout,
		RetentionTime: cfg.TaskRetentionTime,
	}, tasks.WithLogger(log), tasks.WithMetricsSink(sink), tasks.WithEventBroker(events))
	taskMgr.Start(ctx)
	defer taskMgr.Stop()

	var verifier *authz.Verifier
	if cfg.AuthEnabled {
		verifier = authz.New(cfg.AuthTokens)
	}

	dispatcher := server.New(
		server.WithLogger(log),
		server.WithSessionManager(sessionMgr),
		server.WithTaskManager(taskMgr),
		server.WithRateLimiter(limiter),
	)
	registerBuiltinExecutors(dispatcher)

	info := transport.ServerInfo{
		Name:    appName,
		Version: appVersion,
		Capabilities: map[string]any{
			"tasks":     true,
			"sessions":  true,
			"executors": dispatcher.ExecutorNames(),
		},
	}

	httpTransport := httpserver.New(
		httpserver.WithLogger(log),
		httpserver.WithSessionManager(sessionMgr),
		httpserver.WithRateLimiter(limiter),
		httpserver.WithAuth(verifier),
		httpserver.WithServerInfo(info),
		httpserver.WithCORSOrigins(cfg.CORSOrigins),
		httpserver.WithMaxBodySize(int64(cfg.MaxMessageSize)),
		httpserver.WithMetricsHandler(sink.Handler()),
	)
	wsTransport := wsserver.New(
		wsserver.WithLogger(log),
		wsserver.WithSessionManager(sessionMgr),
		wsserver.WithRateLimiter(limiter),
		wsserver.WithAuth(verifier),
		wsserver.WithServerInfo(info),
		wsserver.WithMaxConnections(cfg.MaxConnections),
		wsserver.WithHeartbeatInterval(cfg.HeartbeatInterval),
		wsserver.WithMaxMessageSize(int64(cfg.MaxMessageSize)),
		wsserver.WithAllowedOrigins(cfg.CORSOrigins),
	)

	transports := []transport.Transport{httpTransport, wsTransport}
	if cfg.Stdio {
		transports = append(transports, stdio.New(
			stdio.WithLogger(log),
			stdio.WithSessionManager(sessionMgr),
			stdio.WithServerInfo(info),
			stdio.WithMaxMessageSize(int(cfg.MaxMessageSize)),
		))
	}

	for _, t := range transports {
		t.OnRequest(dispatcher.HandleRequest)
		t.OnNotification(dispatcher.HandleNotification)
		if err := t.Start(ctx); err != nil {
			return fmt.Errorf("start transport: %w", err)
		}
	}

	notifier := server.NewNotifier(events, transports, log)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("start notifier: %w", err)
	}

	if configFile != "" {
		err := config.Watch(ctx, v, configFile, log, func(next *config.Config) {
			// Only the log level takes effect without a restart.
			level.Set(parseLevel(next.LogLevel))
		})
		if err != nil {
			log.Warn("config.watch.unavailable", slog.String("err", err.Error()))
		}
	}

	router := chi.NewRouter()
	router.Handle("/ws", wsTransport)
	router.Mount("/", httpTransport)
	srv := &http.Server{Addr: cfg.Listen, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server.listen", slog.String("addr", cfg.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("server.shutdown.begin")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("server.shutdown.err", slog.String("err", err.Error()))
	}
	notifier.Stop()
	for _, t := range transports {
		if err := t.Stop(shutdownCtx); err != nil {
			log.Warn("transport.stop.err", slog.String("err", err.Error()))
		}
	}
	log.Info("server.shutdown.done")
	return nil
}
