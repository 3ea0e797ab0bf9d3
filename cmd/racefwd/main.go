package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/racefwd/internal/admin"
	"github.com/danmuck/racefwd/internal/chronotrack"
	"github.com/danmuck/racefwd/internal/config"
	"github.com/danmuck/racefwd/internal/forwarder"
	"github.com/danmuck/racefwd/internal/logging"
	"github.com/danmuck/racefwd/internal/mylaps"
	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "racefwd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("racefwd", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config.toml (optional)")
	showVersion := flags.BoolP("version", "v", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.ConfigureRuntime()
	logger := observability.InitLogger("racefwd")
	observability.RegisterMetrics()

	cfg, err := loadRuntimeConfig(*configPath, os.Getenv, version)
	if err != nil {
		return err
	}
	for _, line := range envReport(cfg) {
		logger.Info().Msg(line)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := upstream.NewClient(cfg.Upstream)
	if err != nil {
		return err
	}
	go checkUpstream(ctx, client, logger)

	var tasks []func(context.Context) error
	dispatcher, pending := buildDispatcher(cfg, client, logger, &tasks)

	registry := admin.NewRegistry()
	if cfg.ChronoEnabled {
		traffic, closeTraffic, err := openTrafficLog(cfg.TrafficLog)
		if err != nil {
			return err
		}
		defer closeTraffic()
		chronoCfg := cfg.Chrono
		chronoCfg.Traffic = traffic
		fwd, err := newForwarder(chronotrack.NewProtocol(chronoCfg), cfg, cfg.ChronoPort, dispatcher, logger)
		if err != nil {
			return err
		}
		registry.Register(fwd)
		tasks = append(tasks, fwd.ListenAndServe)
	}
	if cfg.MyLapsEnabled {
		fwd, err := newForwarder(mylaps.NewProtocol(cfg.MyLaps), cfg, cfg.MyLapsPort, dispatcher, logger)
		if err != nil {
			return err
		}
		registry.Register(fwd)
		tasks = append(tasks, fwd.ListenAndServe)
	}
	if cfg.AdminAddr != "" {
		srv := admin.New(admin.Config{
			Addr:        cfg.AdminAddr,
			CORSOrigins: cfg.CORSOrigins,
			Version:     version,
			Token:       cfg.AdminToken,
		}, registry, observability.Component(logger, "admin"))
		if pending != nil {
			srv.WithPending(pending)
		}
		tasks = append(tasks, srv.Run)
	}

	return runAll(ctx, stop, tasks, logger)
}

func buildDispatcher(
	cfg runtimeConfig,
	client *upstream.Client,
	logger zerolog.Logger,
	tasks *[]func(context.Context) error,
) (upstream.Dispatcher, func() []session.PendingDelivery) {
	dlog := observability.Component(logger, "upstream")
	if cfg.Dispatch == config.DispatchQueued {
		q := upstream.NewQueued(client, cfg.Queue, dlog)
		*tasks = append(*tasks, q.Run)
		return q, q.Pending
	}
	return upstream.NewFireAndForget(client, dlog), nil
}

func newForwarder(
	proto forwarder.Protocol,
	cfg runtimeConfig,
	port int,
	dispatcher upstream.Dispatcher,
	logger zerolog.Logger,
) (*forwarder.Forwarder, error) {
	flog := observability.Component(logger, proto.Name)
	fwd, err := forwarder.New(proto, forwarder.Config{
		Host:    cfg.ListenMode.Host(),
		Port:    port,
		Session: cfg.Session,
	}, dispatcher, flog)
	if err != nil {
		return nil, fmt.Errorf("%s forwarder: %w", proto.Name, err)
	}
	fwd.Observe(func(st forwarder.State) {
		flog.Debug().
			Int("connections", len(st.Connections)).
			Int64("forwarded_reads", st.ForwardedReads).
			Msg("forwarder state changed")
	})
	return fwd, nil
}

func openTrafficLog(path string) (zerolog.Logger, func(), error) {
	if path == "" {
		return zerolog.Nop(), func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Nop(), func() {}, fmt.Errorf("open traffic log: %w", err)
	}
	return chronotrack.NewTrafficLogger(f), func() { _ = f.Close() }, nil
}

func checkUpstream(ctx context.Context, client *upstream.Client, logger zerolog.Logger) {
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.CheckAvailability(checkCtx); err != nil {
		logger.Warn().Err(err).Str("host", client.Host()).Msg("timing api not reachable")
		return
	}
	logger.Info().Str("host", client.Host()).Msg("timing api reachable")
}

// runAll starts every task and cancels the rest when one fails.
func runAll(ctx context.Context, stop context.CancelFunc, tasks []func(context.Context) error, logger zerolog.Logger) error {
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, task := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
				once.Do(func() { firstErr = err })
				stop()
			}
		}()
	}
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	return firstErr
}
