package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/flitsinc/agent-relay/internal/api"
	"github.com/flitsinc/agent-relay/internal/config"
	"github.com/flitsinc/agent-relay/internal/handoff"
	"github.com/flitsinc/agent-relay/internal/log"
	"github.com/flitsinc/agent-relay/internal/sessions"
	"github.com/flitsinc/agent-relay/internal/state"
	"github.com/flitsinc/agent-relay/internal/upstream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var configPath, addr, logLevel string
	flagSet := pflag.NewFlagSet("relayd", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flagSet.StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.HTTPAddr = addr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "agent-relay"})
	logger := log.WithComponent("relayd")

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := state.NewStore(db)
	if err := store.Seed(ctx, cfg.Agents); err != nil {
		return err
	}

	client := upstream.NewClient(store, cfg.UpstreamOptions())
	manager := sessions.NewManager(client, cfg.SessionConfig())
	sweeper := &sessions.Sweeper{Manager: manager, Interval: cfg.Sessions.SweepInterval}

	apiServer := &api.Server{
		Sessions:       manager,
		Agents:         store,
		StartRateLimit: cfg.API.StartRateLimit,
		StartedAt:      time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:     cfg.HTTPAddr,
			DBPath:       cfg.DBPath,
			DefaultAgent: cfg.DefaultAgent,
			UpstreamMode: cfg.Upstream.Mode,
			BusyPolicy:   cfg.Sessions.BusyPolicy,
			Overflow:     cfg.Sessions.Overflow,
			Verbosity:    cfg.Sessions.Verbosity,
		},
	}

	listener, inherited, err := handoff.Listen(cfg.HTTPAddr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str(log.FieldEvent, "relayd.listening").
			Str("addr", listener.Addr().String()).
			Bool("inherited", inherited).
			Str("default_agent", cfg.DefaultAgent).
			Int("agents", len(cfg.Agents)).
			Msg("agent relay listening")
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return restartOnHangup(gctx, stop, listener)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Str(log.FieldEvent, "relayd.shutdown").Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()
		// Open streams end on the final event the manager folds here.
		if err := manager.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("session manager did not stop cleanly")
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// restartOnHangup starts a successor on the same socket when SIGHUP arrives,
// then stops this process so it drains and exits.
func restartOnHangup(ctx context.Context, stop context.CancelFunc, listener net.Listener) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	logger := log.WithComponent("relayd")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
		}
		successor := &handoff.Successor{
			Listener: listener,
			Args:     os.Args,
			Env:      os.Environ(),
			Stdout:   os.Stdout,
			Stderr:   os.Stderr,
		}
		proc, err := successor.Start()
		if err != nil {
			logger.Error().Err(err).Str(log.FieldEvent, "relayd.restart_failed").Msg("could not start successor; still serving")
			continue
		}
		logger.Info().Str(log.FieldEvent, "relayd.restart").Int("pid", proc.Pid).Msg("successor started; draining")
		stop()
		return nil
	}
}
