// Package worker implements the Worker state machine (spec.md §4.E):
// INIT -> (RECOVER?) -> RUNNING <-> IDLE -> DRAINING -> EXITED, one
// dedicated session per worker, no in-process fan-out.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
	"github.com/rat-data/pgpubsub/internal/pgsession"
	"github.com/rat-data/pgpubsub/internal/recovery"
)

// State names the worker state machine's nodes.
type State string

const (
	StateInit       State = "init"
	StateRecovering State = "recovering"
	StateRunning    State = "running"
	StateIdle       State = "idle"
	StateDraining   State = "draining"
	StateExited     State = "exited"
)

// defaultPollTimeout is the bounded deadline each poll waits before
// emitting a heartbeat and re-polling (§4.E "poll the session with a
// bounded deadline").
const defaultPollTimeout = 5 * time.Second

// Config wires one Worker's dependencies. Channels is the full set this
// worker's session LISTENs on — durable and transient channels may be
// mixed in the same worker (§4.G assigns a channel *set* per worker, not
// one worker per channel).
type Config struct {
	ID          string
	Pool        *pgxpool.Pool
	Channels    []domain.ChannelDescriptor
	Dispatcher  *dispatch.Dispatcher
	Protocol    *durable.Protocol
	Recover     bool
	PollTimeout time.Duration
}

// Worker owns one Connection Session for its lifetime and processes
// notifications one at a time (§5: "no callback runs concurrently with
// another callback in the same worker").
type Worker struct {
	cfg Config

	mu    sync.Mutex
	state State
}

// New builds a Worker from cfg. PollTimeout defaults to 5s if unset.
func New(cfg Config) *Worker {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	return &Worker{cfg: cfg, state: StateInit}
}

// State returns the worker's current state machine node.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run executes the worker's full lifecycle: INIT, optional RECOVER,
// RUNNING/IDLE until ctx is done, then DRAINING and EXITED. A non-nil
// return is a fatal error (§4.E "fatal error -> EXITED (supervised
// restart)") the caller's supervisor should react to by restarting;
// ctx cancellation is a normal shutdown and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.setState(StateInit)

	channelNames := make([]string, len(w.cfg.Channels))
	for i, d := range w.cfg.Channels {
		channelNames[i] = d.Name
	}

	sess, err := pgsession.Open(ctx, w.cfg.Pool, channelNames)
	if err != nil {
		w.setState(StateExited)
		return fmt.Errorf("worker %s: open session: %w", w.cfg.ID, err)
	}
	defer func() {
		if err := sess.Close(context.Background()); err != nil {
			slog.Warn("worker: close session failed", "worker_id", w.cfg.ID, "error", err)
		}
	}()

	if w.cfg.Recover {
		w.setState(StateRecovering)
		if err := w.recoverDurableChannels(ctx); err != nil {
			slog.Error("worker: recovery scan failed, proceeding to live stream",
				"worker_id", w.cfg.ID, "error", err)
		}
	}

	durable := make(map[string]bool, len(w.cfg.Channels))
	for _, d := range w.cfg.Channels {
		durable[d.Name] = d.Durable
	}

	w.setState(StateRunning)
	for {
		if ctx.Err() != nil {
			break
		}

		pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
		env, err := sess.Poll(pollCtx)
		cancel()

		if err != nil {
			if errors.Is(err, pgsession.ErrPollTimedOut) {
				if ctx.Err() != nil {
					break
				}
				w.setState(StateIdle)
				slog.Debug("worker: idle heartbeat", "worker_id", w.cfg.ID)
				continue
			}
			w.setState(StateExited)
			return fmt.Errorf("worker %s: %w", w.cfg.ID, err)
		}

		w.setState(StateRunning)
		w.process(ctx, durable[env.Channel], env)
	}

	w.setState(StateDraining)
	w.setState(StateExited)
	return nil
}

// process dispatches one envelope: durable channels go through the
// claim/dispatch/commit-or-rollback protocol; transient channels dispatch
// directly since there is no stored row to claim (§4.D applies only to
// durable channels).
func (w *Worker) process(ctx context.Context, isDurable bool, env domain.Envelope) {
	var err error
	if isDurable {
		_, err = w.cfg.Protocol.Deliver(ctx, env)
	} else {
		err = w.cfg.Dispatcher.Dispatch(env)
	}

	if err == nil || errors.Is(err, dispatch.ErrSkipped) {
		return
	}
	slog.Error("worker: callback failed", "worker_id", w.cfg.ID, "channel", env.Channel, "error", err)
}

// recoverDurableChannels runs a recovery scan (§4.F) over every durable
// channel this worker owns, before the worker touches the live stream.
func (w *Worker) recoverDurableChannels(ctx context.Context) error {
	var durableNames []string
	for _, d := range w.cfg.Channels {
		if d.Durable {
			durableNames = append(durableNames, d.Name)
		}
	}
	if len(durableNames) == 0 {
		return nil
	}

	scanner := recovery.New(w.cfg.Pool, w.cfg.Protocol)
	_, err := scanner.ScanAll(ctx, durableNames)
	return err
}
