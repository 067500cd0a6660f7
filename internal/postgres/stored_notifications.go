package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so callers can run
// StoredNotificationStore methods either standalone or inside a caller-owned
// transaction (the publish-side helper's "atomic with the producing
// transaction" requirement from spec.md §3/§6).
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// StoredNotificationStore implements the "Stored-notification table"
// contract from spec.md §6: atomic insertion, lock-and-skip claim by
// (channel, payload), and delete-by-id.
type StoredNotificationStore struct {
	pool *pgxpool.Pool
}

// NewStoredNotificationStore creates a store backed by the given pool.
func NewStoredNotificationStore(pool *pgxpool.Pool) *StoredNotificationStore {
	return &StoredNotificationStore{pool: pool}
}

// Insert persists one durable notification row. Pass a pgx.Tx as q to make
// the insert atomic with the transaction that also issues pg_notify — a
// row exists iff that transaction committed (§3 invariant, tested by P2).
func (s *StoredNotificationStore) Insert(ctx context.Context, q querier, channel string, payload json.RawMessage, dbVersion *string) (int64, time.Time, error) {
	var id int64
	var createdAt time.Time
	err := q.QueryRow(ctx,
		`INSERT INTO pgpubsub_notifications (channel, payload, db_version)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		channel, payload, dbVersion,
	).Scan(&id, &createdAt)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("insert stored notification: %w", err)
	}
	return id, createdAt, nil
}

// ClaimFirstMatching locks and returns the first row matching (channel,
// payload), skipping rows already locked by another worker (§4.D step 2:
// "SELECT … FOR UPDATE SKIP LOCKED LIMIT 1"). Returns domain.ErrNotFound if
// no unlocked matching row exists — that's the normal "already processed or
// currently claimed elsewhere" outcome, not a failure.
func (s *StoredNotificationStore) ClaimFirstMatching(ctx context.Context, tx pgx.Tx, channel string, payload json.RawMessage) (domain.StoredNotification, error) {
	var row domain.StoredNotification
	var dbVersion *string
	err := tx.QueryRow(ctx,
		`SELECT id, channel, payload, db_version, created_at
		 FROM pgpubsub_notifications
		 WHERE channel = $1 AND payload = $2::jsonb
		 ORDER BY id
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		channel, payload,
	).Scan(&row.ID, &row.Channel, &row.Payload, &dbVersion, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredNotification{}, fmt.Errorf("%w: no unclaimed row for channel %q", domain.ErrNotFound, channel)
	}
	if err != nil {
		return domain.StoredNotification{}, fmt.Errorf("claim stored notification: %w", err)
	}
	row.DBVersion = dbVersion
	return row, nil
}

// Delete removes the exact row claimed by id (§4.D: "the delete MUST
// target the exact row claimed").
func (s *StoredNotificationStore) Delete(ctx context.Context, tx pgx.Tx, id int64) error {
	tag, err := tx.Exec(ctx, `DELETE FROM pgpubsub_notifications WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stored notification %d: %w", id, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("delete stored notification %d: expected 1 row affected, got %d", id, tag.RowsAffected())
	}
	return nil
}

// Begin starts a transaction on the store's pool — the short-lived claim
// transaction each durable delivery runs inside (§4.D, §5).
func (s *StoredNotificationStore) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// QueueStats is the §4.I metrics snapshot: how many stored rows are
// pending and how old the oldest one is, scoped to a set of channels.
type QueueStats struct {
	QueueLength     int
	OldestPendingAt *time.Time
}

// Stats computes queue_length and the oldest pending row's created_at for
// the given channels, using an independent read — it MUST NOT take row
// locks or interfere with the listener loop (§4.I).
func (s *StoredNotificationStore) Stats(ctx context.Context, channels []string) (QueueStats, error) {
	if len(channels) == 0 {
		return QueueStats{}, nil
	}
	var stats QueueStats
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), min(created_at) FROM pgpubsub_notifications WHERE channel = ANY($1)`,
		channels,
	).Scan(&stats.QueueLength, &stats.OldestPendingAt)
	if err != nil {
		return QueueStats{}, fmt.Errorf("stored notification stats: %w", err)
	}
	return stats, nil
}

// StatsByChannel is like Stats but reports each channel separately, so the
// metrics surface can label gauges by channel.
func (s *StoredNotificationStore) StatsByChannel(ctx context.Context, channels []string) (map[string]QueueStats, error) {
	if len(channels) == 0 {
		return map[string]QueueStats{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT channel, count(*), min(created_at)
		 FROM pgpubsub_notifications
		 WHERE channel = ANY($1)
		 GROUP BY channel`,
		channels,
	)
	if err != nil {
		return nil, fmt.Errorf("stored notification stats by channel: %w", err)
	}
	defer rows.Close()

	out := make(map[string]QueueStats, len(channels))
	for _, ch := range channels {
		out[ch] = QueueStats{}
	}
	for rows.Next() {
		var ch string
		var st QueueStats
		if err := rows.Scan(&ch, &st.QueueLength, &st.OldestPendingAt); err != nil {
			return nil, fmt.Errorf("scan stored notification stats: %w", err)
		}
		out[ch] = st
	}
	return out, rows.Err()
}
