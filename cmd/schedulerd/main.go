// Command schedulerd is the fossology scheduler daemon: it polls a job
// table, places queued jobs onto agent hosts within host/meta-agent
// concurrency limits, and supervises the resulting agent processes until
// they reach a terminal state (spec overview).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	scheduler "github.com/fossology-go/scheduler"
	"github.com/fossology-go/scheduler/internal/config"
	"github.com/fossology-go/scheduler/internal/logging"
	"github.com/fossology-go/scheduler/internal/observability"
	"github.com/fossology-go/scheduler/internal/procguard"
	"github.com/fossology-go/scheduler/store/postgres"
	"github.com/fossology-go/scheduler/store/sqlite"
	"github.com/fossology-go/scheduler/transport/local"

	"github.com/jackc/pgx/v5/pgxpool"
)

const selfName = "schedulerd"

func main() {
	configPath := flag.String("config", os.Getenv("FOSSOLOGY_SCHEDULER_CONFIG"), "path to scheduler.toml")
	kill := flag.Bool("kill", false, "signal any other schedulerd instance with SIGTERM before starting")
	forceKill := flag.Bool("force-kill", false, "signal any other schedulerd instance with SIGQUIT before starting")
	flag.Parse()

	logger := logging.New(os.Stderr, envOr("FOSSOLOGY_SCHEDULER_LOG_LEVEL", "info"))

	if err := guardSingleInstance(*kill, *forceKill, logger); err != nil {
		logger.Fatal().Err(err).Msg("single-instance guard failed")
	}

	loader := config.Loader{Path: *configPath}
	platform, err := loader.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := buildDatabase(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("database setup failed")
	}

	transport, err := buildTransport()
	if err != nil {
		logger.Fatal().Err(err).Msg("transport setup failed")
	}

	opts := []scheduler.Option{
		scheduler.WithDatabase(db),
		scheduler.WithTransport(transport),
		scheduler.WithLogger(logger),
		scheduler.WithControlAddr(platform.ControlAddr),
		scheduler.WithUpdateInterval(platform.UpdateInterval),
		scheduler.WithConfigLoader(loader),
	}

	if envOr("FOSSOLOGY_SCHEDULER_OTEL", "1") != "0" {
		if inst, shutdown, err := observability.Init(ctx); err != nil {
			logger.Warn().Err(err).Msg("observability disabled: init failed")
		} else {
			defer shutdown(context.Background())
			opts = append(opts, scheduler.WithObservability(inst))
		}
	}

	sched, err := scheduler.New(opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler construction failed")
	}

	for _, h := range platform.Hosts {
		sched.RegisterHost(scheduler.Host{
			Name:             h.Name,
			Address:          h.Address,
			WorkingDirectory: h.WorkingDirectory,
			AgentTypeTag:     h.AgentTypeTag,
			Max:              h.Max,
		})
	}
	for _, a := range platform.Agents {
		sched.RegisterMetaAgent(scheduler.MetaAgent{
			Name:    a.Name,
			Command: a.Command,
			MaxRun:  a.Max,
			Flags:   a.Flags(),
			Valid:   true,
		})
	}

	logger.Info().
		Str("control_addr", platform.ControlAddr).
		Int("hosts", len(platform.Hosts)).
		Int("agents", len(platform.Agents)).
		Msg("scheduler starting")

	if err := sched.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("scheduler exited with error")
	}
}

// guardSingleInstance implements spec §6's single-active-instance rule: a
// second schedulerd found in the process table causes an immediate exit
// (status 2) unless --kill or --force-kill was given, in which case the
// other instance(s) are signaled and guardSingleInstance waits for them to
// exit before this process binds its own control socket.
func guardSingleInstance(kill, forceKill bool, logger zerolog.Logger) error {
	others, err := procguard.Find(os.Getpid(), selfName)
	if err != nil {
		return err
	}
	if len(others) == 0 {
		return nil
	}

	if !kill && !forceKill {
		for _, o := range others {
			logger.Error().Int("pid", o.PID).Str("cmdline", o.Cmdline).Msg("another schedulerd instance is already running")
		}
		os.Exit(2)
	}

	sig := unix.SIGTERM
	if forceKill {
		sig = unix.SIGQUIT
	}
	logger.Warn().Int("count", len(others)).Str("signal", sig.String()).Msg("evicting other schedulerd instance(s)")
	return procguard.Evict(others, sig, 20, 250*time.Millisecond)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func buildDatabase(ctx context.Context) (scheduler.DatabaseBridge, error) {
	switch envOr("FOSSOLOGY_SCHEDULER_DB_DRIVER", "sqlite") {
	case "postgres":
		dsn := os.Getenv("FOSSOLOGY_SCHEDULER_DB_DSN")
		if dsn == "" {
			return nil, fmt.Errorf("FOSSOLOGY_SCHEDULER_DB_DSN is required for the postgres driver")
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres: connect: %w", err)
		}
		return postgres.New(pool), nil
	case "sqlite":
		path := envOr("FOSSOLOGY_SCHEDULER_DB_PATH", "scheduler.db")
		return sqlite.New(path), nil
	default:
		return nil, fmt.Errorf("unknown FOSSOLOGY_SCHEDULER_DB_DRIVER %q", os.Getenv("FOSSOLOGY_SCHEDULER_DB_DRIVER"))
	}
}

// buildTransport returns the Transport for this deployment. SSH and Docker
// transports need live credentials this daemon does not provision on its
// own (a host key callback, a Docker client socket); only the local
// fork-exec transport is self-sufficient, so it is the only one wired
// through environment configuration alone.
func buildTransport() (scheduler.Transport, error) {
	switch envOr("FOSSOLOGY_SCHEDULER_TRANSPORT", "local") {
	case "local":
		return local.New(), nil
	default:
		return nil, fmt.Errorf("unknown FOSSOLOGY_SCHEDULER_TRANSPORT %q", os.Getenv("FOSSOLOGY_SCHEDULER_TRANSPORT"))
	}
}
