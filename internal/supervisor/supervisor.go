// Package supervisor implements the Supervisor (spec.md §4.G): starts N
// workers, restarts them on abnormal exit per the configured policy, and
// coordinates cooperative shutdown. Generalizes the leader package's
// Start/Stop/background-goroutine shape from one elected background task
// to a pool of N independently-supervised workers.
package supervisor

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
	"github.com/rat-data/pgpubsub/internal/worker"
	"golang.org/x/sync/errgroup"
)

// Config wires a Supervisor's dependencies.
type Config struct {
	Pool          *pgxpool.Pool
	Channels      []domain.ChannelDescriptor
	Dispatcher    *dispatch.Dispatcher
	Protocol      *durable.Protocol
	NumWorkers    int
	Recover       bool
	RestartPolicy domain.RestartPolicy
	PollTimeout   time.Duration
}

// Supervisor owns the worker pool's lifecycle.
type Supervisor struct {
	cfg Config
}

// New builds a Supervisor. NumWorkers defaults to 1 if unset.
func New(cfg Config) *Supervisor {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.RestartPolicy == "" {
		cfg.RestartPolicy = domain.RestartOnFailure
	}
	return &Supervisor{cfg: cfg}
}

// Run starts cfg.NumWorkers workers, each LISTENing on the same channel
// set, and blocks until all of them have reached EXITED. Shutdown is
// cooperative: cancel ctx to broadcast shutdown to every worker (§4.G
// "the supervisor broadcasts shutdown to all workers and waits for them
// to reach EXITED; no new work is accepted").
func (s *Supervisor) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for i := 0; i < s.cfg.NumWorkers; i++ {
		idx := i
		g.Go(func() error {
			return s.superviseOne(ctx, idx)
		})
	}
	return g.Wait()
}

// superviseOne runs one worker slot, restarting it on abnormal exit
// according to the configured policy, until ctx is canceled or (under
// no-restart) the worker fails once.
func (s *Supervisor) superviseOne(ctx context.Context, idx int) error {
	for {
		w := worker.New(worker.Config{
			ID:          workerID(idx),
			Pool:        s.cfg.Pool,
			Channels:    s.cfg.Channels,
			Dispatcher:  s.cfg.Dispatcher,
			Protocol:    s.cfg.Protocol,
			Recover:     s.cfg.Recover,
			PollTimeout: s.cfg.PollTimeout,
		})

		err := w.Run(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			continue
		}

		if s.cfg.RestartPolicy == domain.NoRestart {
			slog.Error("supervisor: worker exited abnormally, no-restart policy in effect",
				"worker_id", workerID(idx), "error", err)
			return err
		}

		slog.Error("supervisor: worker exited abnormally, restarting",
			"worker_id", workerID(idx), "error", err)
	}
}

func workerID(idx int) string {
	return "worker-" + strconv.Itoa(idx)
}
