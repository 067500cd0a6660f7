// Package pgsession implements the Connection Session (spec.md §4.B): one
// dedicated *pgx.Conn per worker that LISTENs on the worker's assigned
// channels and hands back each NOTIFY as a domain.Envelope.
//
// A worker owns its session for its entire lifetime — no connection
// pooling, no sharing across workers (§3 invariant: "LISTEN state is
// per-connection, not shared across a pool").
package pgsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/domain"
)

// ErrPollTimedOut is returned by Poll when no notification arrived before
// the caller's deadline. It is not a failure — the worker treats it as the
// cue to move from RUNNING to IDLE (§4.E).
var ErrPollTimedOut = errors.New("pgsession: poll timed out")

// Session is a single LISTEN connection, dedicated to one worker.
type Session struct {
	conn     *pgx.Conn
	channels []string
}

// Open acquires a dedicated connection (outside the pool, mirroring the
// teacher's PgEventBus) and issues LISTEN for each channel. Channel names
// are sanitized as SQL identifiers before being interpolated into the
// LISTEN command, since pgx has no parameterized form of LISTEN.
func Open(ctx context.Context, pool *pgxpool.Pool, channels []string) (*Session, error) {
	connConfig := pool.Config().ConnConfig.Copy()
	conn, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		return nil, fmt.Errorf("pgsession: open dedicated connection: %w", err)
	}

	s := &Session{conn: conn, channels: channels}
	for _, ch := range channels {
		stmt := "LISTEN " + pgx.Identifier{ch}.Sanitize()
		if _, err := conn.Exec(ctx, stmt); err != nil {
			_ = conn.Close(context.Background())
			return nil, fmt.Errorf("pgsession: listen on %q: %w", ch, err)
		}
	}
	return s, nil
}

// Poll blocks until a notification arrives on any LISTENed channel, or ctx
// is done. A ctx deadline that expires surfaces as ErrPollTimedOut so the
// worker can tell "nothing to do right now" apart from "shutting down" by
// also checking the worker's own shutdown context.
func (s *Session) Poll(ctx context.Context) (domain.Envelope, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Envelope{}, fmt.Errorf("%w: %s", ErrPollTimedOut, ctx.Err())
		}
		return domain.Envelope{}, fmt.Errorf("pgsession: wait for notification: %w", err)
	}

	return domain.Envelope{
		Channel:     n.Channel,
		PayloadJSON: json.RawMessage(n.Payload),
		Source:      domain.SourceLive,
	}, nil
}

// Close releases the dedicated connection. LISTEN state dies with it —
// Postgres doesn't require an explicit UNLISTEN before closing.
func (s *Session) Close(ctx context.Context) error {
	if err := s.conn.Close(ctx); err != nil {
		return fmt.Errorf("pgsession: close: %w", err)
	}
	return nil
}

// Channels returns the channel names this session is LISTENing on.
func (s *Session) Channels() []string {
	out := make([]string, len(s.channels))
	copy(out, s.channels)
	return out
}
