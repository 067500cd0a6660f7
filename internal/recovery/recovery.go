// Package recovery implements the Recovery Scan (spec.md §4.F/§4.H): on
// startup, for each durable channel a worker owns, stream stored rows
// oldest-first over a server-side cursor and feed each through the durable
// claim path as a REPLAY envelope.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
)

const defaultBatchSize = 200

// Scanner streams stored rows for a channel and replays them through a
// durable.Protocol. It holds no locks of its own — the cursor is a plain
// read, and each row is independently claimed by protocol.Deliver exactly
// the way a live notification would be (SPEC_FULL.md's row-leak decision:
// "deliver every persisted row independently via the same claim path").
type Scanner struct {
	pool      *pgxpool.Pool
	protocol  *durable.Protocol
	batchSize int
	traceID   domain.RecoveryTraceID
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithBatchSize overrides how many rows FETCH pulls per round-trip.
func WithBatchSize(n int) Option {
	return func(s *Scanner) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// New builds a Scanner. Each Scanner run is tagged with a fresh
// RecoveryTraceID for correlating its log lines.
func New(pool *pgxpool.Pool, protocol *durable.Protocol, opts ...Option) *Scanner {
	s := &Scanner{
		pool:      pool,
		protocol:  protocol,
		batchSize: defaultBatchSize,
		traceID:   domain.NewRecoveryTraceID(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result summarizes one channel's scan.
type Result struct {
	Scanned   int
	Delivered int
	Skipped   int
	Failed    int
}

// Scan streams every stored row for channel, oldest first, via a
// DECLARE/FETCH server-side cursor, and replays each through the durable
// protocol. Bounded memory: at most batchSize rows are materialized at
// once regardless of how many rows the channel has accumulated.
func (s *Scanner) Scan(ctx context.Context, channel string) (Result, error) {
	var result Result

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("recovery: begin scan transaction for %q: %w", channel, err)
	}
	defer tx.Rollback(ctx)

	cursorName := "pgpubsub_recovery_cursor"
	if _, err := tx.Exec(ctx,
		"DECLARE "+cursorName+" CURSOR FOR SELECT payload FROM pgpubsub_notifications WHERE channel = $1 ORDER BY id",
		channel,
	); err != nil {
		return result, fmt.Errorf("recovery: declare cursor for %q: %w", channel, err)
	}

	slog.Info("recovery: scan starting", "channel", channel, "trace_id", s.traceID.String())

	for {
		rows, err := tx.Query(ctx, fmt.Sprintf("FETCH FORWARD %d FROM %s", s.batchSize, cursorName))
		if err != nil {
			return result, fmt.Errorf("recovery: fetch batch for %q: %w", channel, err)
		}

		var payloads []json.RawMessage
		for rows.Next() {
			var p json.RawMessage
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return result, fmt.Errorf("recovery: scan row for %q: %w", channel, err)
			}
			payloads = append(payloads, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return result, fmt.Errorf("recovery: iterate batch for %q: %w", channel, err)
		}

		if len(payloads) == 0 {
			break
		}

		for _, payload := range payloads {
			result.Scanned++
			outcome, err := s.protocol.Deliver(ctx, domain.Envelope{
				Channel:     channel,
				PayloadJSON: payload,
				Source:      domain.SourceReplay,
			})
			if err != nil {
				result.Failed++
				slog.Warn("recovery: replay callback failed, row left for retry",
					"channel", channel, "trace_id", s.traceID.String(), "error", err)
				continue
			}
			switch outcome {
			case durable.OutcomeDelivered:
				result.Delivered++
			case durable.OutcomeSkipped:
				result.Skipped++
			}
		}
	}

	if _, err := tx.Exec(ctx, "CLOSE "+cursorName); err != nil {
		return result, fmt.Errorf("recovery: close cursor for %q: %w", channel, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("recovery: commit scan transaction for %q: %w", channel, err)
	}

	slog.Info("recovery: scan finished", "channel", channel, "trace_id", s.traceID.String(),
		"scanned", result.Scanned, "delivered", result.Delivered, "skipped", result.Skipped, "failed", result.Failed)

	return result, nil
}

// ScanAll scans every channel in order, continuing past a channel-level
// error so one bad channel doesn't prevent recovery of the others; the
// first error encountered is returned after all channels have been
// attempted.
func (s *Scanner) ScanAll(ctx context.Context, channels []string) (map[string]Result, error) {
	results := make(map[string]Result, len(channels))
	var firstErr error
	for _, ch := range channels {
		res, err := s.Scan(ctx, ch)
		results[ch] = res
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return results, firstErr
}
