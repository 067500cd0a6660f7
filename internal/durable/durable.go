// Package durable implements the Durable-Lock Protocol (spec.md §4.D): for
// each envelope destined for a durable channel, claim the matching stored
// row with SELECT ... FOR UPDATE SKIP LOCKED, dispatch inside the same
// transaction, and delete-and-commit on success or abort-and-rollback on
// failure.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
)

// Outcome classifies how a Deliver call resolved, for callers (the worker,
// metrics, tests) that want to branch or count without parsing errors.
type Outcome int

const (
	// OutcomeNoRow: no other worker/recovery pass has a stored row left to
	// claim — already handled elsewhere, or never existed. Not an error.
	OutcomeNoRow Outcome = iota
	// OutcomeSkipped: a row was claimed but the dispatcher rejected it
	// (filter or db_version gate). The row is left in place.
	OutcomeSkipped
	// OutcomeDelivered: the row was claimed, the callback succeeded, and
	// the row was deleted. The only outcome that mutates the table.
	OutcomeDelivered
	// OutcomeFailed: the row was claimed but the callback returned an
	// error. The transaction was rolled back, so the row is intact and
	// available for the next claimant.
	OutcomeFailed
)

// Store is the subset of *postgres.StoredNotificationStore durable needs,
// named to keep this package's dependency on postgres narrow and testable.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ClaimFirstMatching(ctx context.Context, tx pgx.Tx, channel string, payload json.RawMessage) (domain.StoredNotification, error)
	Delete(ctx context.Context, tx pgx.Tx, id int64) error
}

// Protocol runs the claim/dispatch/commit-or-rollback cycle.
type Protocol struct {
	store      Store
	dispatcher *dispatch.Dispatcher
}

// New builds a Protocol over the given store and dispatcher.
func New(store Store, dispatcher *dispatch.Dispatcher) *Protocol {
	return &Protocol{store: store, dispatcher: dispatcher}
}

// Deliver runs one durable delivery for env (§4.D steps 1-3). env.Source
// distinguishes a live notification from a recovery replay for logging and
// metrics purposes only — the claim protocol itself is identical either
// way (SPEC_FULL.md's row-leak policy decision).
func (p *Protocol) Deliver(ctx context.Context, env domain.Envelope) (Outcome, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return OutcomeNoRow, fmt.Errorf("durable: begin claim transaction: %w", err)
	}

	row, err := p.store.ClaimFirstMatching(ctx, tx, env.Channel, env.PayloadJSON)
	if errors.Is(err, domain.ErrNotFound) {
		_ = tx.Rollback(ctx)
		return OutcomeNoRow, nil
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return OutcomeNoRow, fmt.Errorf("durable: claim row for %q: %w", env.Channel, err)
	}

	dispatchErr := p.dispatcher.Dispatch(row.ToEnvelope(env.Source))

	if errors.Is(dispatchErr, dispatch.ErrSkipped) {
		if err := tx.Commit(ctx); err != nil {
			return OutcomeNoRow, fmt.Errorf("durable: commit after skip on %q: %w", env.Channel, err)
		}
		return OutcomeSkipped, nil
	}

	if dispatchErr != nil {
		if err := tx.Rollback(ctx); err != nil {
			return OutcomeFailed, fmt.Errorf("durable: rollback after callback error on %q: %w (callback error: %v)", env.Channel, err, dispatchErr)
		}
		return OutcomeFailed, dispatchErr
	}

	if err := p.store.Delete(ctx, tx, row.ID); err != nil {
		_ = tx.Rollback(ctx)
		return OutcomeFailed, fmt.Errorf("durable: delete claimed row %d on %q: %w", row.ID, env.Channel, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return OutcomeFailed, fmt.Errorf("durable: commit after delivery on %q: %w", env.Channel, err)
	}
	return OutcomeDelivered, nil
}
