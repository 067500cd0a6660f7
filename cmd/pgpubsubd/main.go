// Command pgpubsubd implements the listen command (spec.md §6): the one
// CLI surface the core exposes to operators. It wires the channel
// registry, dispatcher, durable-lock protocol, and a pool of workers under
// a supervisor, then runs until a shutdown signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/rat-data/pgpubsub/internal/config"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
	"github.com/rat-data/pgpubsub/internal/filter"
	"github.com/rat-data/pgpubsub/internal/leader"
	"github.com/rat-data/pgpubsub/internal/metrics"
	"github.com/rat-data/pgpubsub/internal/postgres"
	"github.com/rat-data/pgpubsub/internal/registry"
	"github.com/rat-data/pgpubsub/internal/supervisor"
	"github.com/rat-data/pgpubsub/internal/worker"
)

// channelList implements flag.Value for a repeatable/comma-separated
// --channels flag.
type channelList struct {
	names []string
}

func (c *channelList) String() string { return strings.Join(c.names, ",") }

func (c *channelList) Set(v string) error {
	for _, n := range strings.Split(v, ",") {
		n = strings.TrimSpace(n)
		if n != "" {
			c.names = append(c.names, n)
		}
	}
	return nil
}

// namedFilters is the set of filter predicates a deployment can select by
// name via PGPUBSUB_LISTENER_FILTER. spec.md §4.J/§6 describes this as "the
// qualified name of the filter class" the way the Python original resolves
// a dotted import path; Go has no equivalent dynamic loader, so a
// deployment that needs a custom filter adds it to this map and rebuilds
// the binary rather than configuring it at runtime.
var namedFilters = map[string]filter.Predicate{
	"allow": filter.Allow,
}

func main() {
	var channels channelList
	processes := flag.Int("processes", 0, "run N workers under one supervisor; mutually exclusive with --worker")
	singleWorker := flag.Bool("worker", false, "run exactly one worker, no supervisor")
	recoverFlag := flag.Bool("recover", false, "prepend a recovery scan for durable channels in scope")
	noRestart := flag.Bool("no-restart-on-failure", false, "disable automatic worker restart")
	startMethod := flag.String("worker-start-method", "spawn", "process creation mode: spawn or fork")
	logLevel := flag.String("loglevel", "info", "logger level: debug, info, warn, error")
	logFormat := flag.String("logformat", "json", "logger format: json or text")
	metricsIntervalCron := flag.String("metrics-interval-cron", "", "optional cron expression for the metrics publisher cadence, instead of --metrics-interval")
	metricsInterval := flag.Duration("metrics-interval", 15*time.Second, "metrics publisher interval, overridden by --metrics-interval-cron if set")
	flag.Var(&channels, "channels", "comma-separated or repeated list of channel names; default is all registered channels")
	flag.Parse()

	logger := newLogger(*logLevel, *logFormat)
	slog.SetDefault(logger)

	if *processes > 0 && *singleWorker {
		slog.Error("configuration error", "error", "--processes and --worker are mutually exclusive")
		os.Exit(1)
	}

	if domain.WorkerStartMethod(*startMethod) == domain.WorkerStartFork {
		slog.Error("configuration error", "error", "--worker-start-method fork is not supported outside the reference Python implementation; use spawn")
		os.Exit(1)
	}
	if domain.WorkerStartMethod(*startMethod) != domain.WorkerStartSpawn {
		slog.Error("configuration error", "error", fmt.Sprintf("unknown --worker-start-method %q", *startMethod))
		os.Exit(1)
	}

	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	if *metricsIntervalCron != "" {
		if _, err := cron.ParseStandard(*metricsIntervalCron); err != nil {
			slog.Error("configuration error", "error", fmt.Sprintf("invalid --metrics-interval-cron: %v", err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if configPath != "" {
		slog.Info("config loaded", "path", configPath, "channels", len(cfg.Channels))
	}

	pool, err := postgres.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	reg := buildRegistry(cfg)

	selected, err := reg.Select(channels.names)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	filterPredicate := filter.Allow
	if name := os.Getenv("PGPUBSUB_LISTENER_FILTER"); name != "" {
		p, ok := namedFilters[name]
		if !ok {
			slog.Error("configuration error", "error", fmt.Sprintf("unknown PGPUBSUB_LISTENER_FILTER %q", name))
			os.Exit(1)
		}
		filterPredicate = p
	}

	dispatcher := dispatch.New(reg,
		dispatch.WithFilter(filterPredicate),
		dispatch.WithContextPassthrough(envBool("PGPUBSUB_PASS_CONTEXT_TO_LISTENERS")),
		dispatch.WithExtrasPassthrough(envBool("PGPUBSUB_PASS_EXTRAS_TO_LISTENERS")),
	)

	store := postgres.NewStoredNotificationStore(pool)
	protocol := durable.New(store, dispatcher)

	stopMetrics := startMetrics(ctx, pool, store, reg, *metricsIntervalCron, *metricsInterval)
	defer stopMetrics()

	restartPolicy := domain.RestartOnFailure
	if *noRestart {
		restartPolicy = domain.NoRestart
	}

	var runErr error
	if *singleWorker {
		runErr = runSingleWorker(ctx, pool, selected, dispatcher, protocol, *recoverFlag)
	} else {
		n := *processes
		if n <= 0 {
			n = 1
		}
		sup := supervisor.New(supervisor.Config{
			Pool:          pool,
			Channels:      selected,
			Dispatcher:    dispatcher,
			Protocol:      protocol,
			NumWorkers:    n,
			Recover:       *recoverFlag,
			RestartPolicy: restartPolicy,
		})
		slog.Info("pgpubsubd starting", "workers", n, "channels", channelNames(selected), "recover", *recoverFlag)
		runErr = sup.Run(ctx)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("pgpubsubd exited with error", "error", runErr)
		os.Exit(1)
	}

	slog.Info("pgpubsubd shutdown complete")
}

// runSingleWorker runs exactly one worker with no supervisor (--worker).
func runSingleWorker(ctx context.Context, pool *pgxpool.Pool, channels []domain.ChannelDescriptor, dispatcher *dispatch.Dispatcher, protocol *durable.Protocol, recoverFlag bool) error {
	w := worker.New(worker.Config{
		ID:         "worker-0",
		Pool:       pool,
		Channels:   channels,
		Dispatcher: dispatcher,
		Protocol:   protocol,
		Recover:    recoverFlag,
	})
	slog.Info("pgpubsubd starting", "mode", "single-worker", "channels", channelNames(channels), "recover", recoverFlag)
	return w.Run(ctx)
}

// buildRegistry constructs the channel registry from the YAML declarative
// config. YAML channels have no way to name a Go callback (SPEC_FULL.md
// §6.4), so each gets a logging default: this makes pgpubsubd runnable
// standalone against a declared channel set for smoke-testing a deployment
// before the owning application wires its real subscriber callbacks via
// its own main package importing internal/registry directly.
func buildRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New()
	for name, ch := range cfg.Channels {
		name, ch := name, ch
		kind := domain.PayloadKindCustom
		if ch.PayloadKind == "trigger" {
			kind = domain.PayloadKindTrigger
		}
		desc := domain.ChannelDescriptor{
			Name:         name,
			Durable:      ch.Durable,
			PayloadKind:  kind,
			MinDBVersion: ch.MinDBVersion,
			Callback: func(cc domain.CallbackContext) error {
				slog.Info("notification received", "channel", cc.Channel)
				return nil
			},
		}
		if err := reg.Register(desc); err != nil {
			slog.Error("configuration error", "error", err)
			os.Exit(1)
		}
	}
	return reg
}

// startMetrics wires the metrics publisher behind leader election (only
// one replica publishes, SPEC_FULL.md §6.2 / internal/leader doc), honoring
// PGPUBSUB_METRICS_METER ("noop"|"prometheus", default "prometheus") and
// PGPUBSUB_METRICS_PREFIX. Returns a stop function.
func startMetrics(ctx context.Context, pool *pgxpool.Pool, store *postgres.StoredNotificationStore, reg *registry.Registry, cronExpr string, interval time.Duration) func() {
	var meter metrics.Meter
	switch os.Getenv("PGPUBSUB_METRICS_METER") {
	case "noop":
		meter = metrics.NoopMeter{}
	default:
		m, err := metrics.NewPrometheusMeter(prometheus.DefaultRegisterer, os.Getenv("PGPUBSUB_METRICS_PREFIX"))
		if err != nil {
			slog.Warn("failed to register prometheus meter, falling back to noop", "error", err)
			meter = metrics.NoopMeter{}
		} else {
			meter = m
		}
	}

	names := channelNames(reg.All())
	if cronExpr != "" {
		if sched, err := cron.ParseStandard(cronExpr); err == nil {
			if next := sched.Next(time.Now()); !next.IsZero() {
				interval = next.Sub(time.Now())
			}
		}
	}

	pub := metrics.NewPublisher(metrics.FromStore(store), meter, names, interval)

	var elector *leader.Elector
	elector = leader.New(func(ctx context.Context) (bool, error) {
		var acquired bool
		err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
		return acquired, err
	}, leader.RetryInterval, func(ctx context.Context) func() {
		pub.Start(ctx)
		return pub.Stop
	})
	elector.Start(ctx)

	return elector.Stop
}

func channelNames(descs []domain.ChannelDescriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.Name
	}
	return out
}

func envBool(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes"
}

// validateEnv checks required environment variables before anything is
// wired, mirroring the teacher's cmd/ratd validateEnv shape.
func validateEnv() []string {
	var errs []string
	if os.Getenv("DATABASE_URL") == "" {
		errs = append(errs, "DATABASE_URL is required")
	}
	return errs
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
