// Package domain defines the core types shared across pgpubsub — the
// channel descriptor the registry resolves, the in-memory notification
// envelope workers carry between the session and the dispatcher, and the
// persisted row the durable-lock protocol claims.
//
// These types represent the runtime's data model — not wire or SQL
// specifics. Encoding happens in the packages that own a given boundary
// (pgsession for the LISTEN/NOTIFY wire format, postgres for the stored
// row's column mapping).
package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates a lookup (channel, stored row) found nothing.
var ErrNotFound = errors.New("not found")

// PayloadKind discriminates how a dispatcher decodes an envelope's payload.
// Reimplemented as a tagged variant rather than inheritance (§9 design
// note): the channel descriptor carries the discriminant and the
// dispatcher switches on it instead of subclassing a channel type.
type PayloadKind string

const (
	// PayloadKindCustom is a plain application payload: {"kwargs": {...}, "context"?: {...}}.
	PayloadKindCustom PayloadKind = "custom"
	// PayloadKindTrigger is a database-trigger payload carrying old/new row snapshots.
	PayloadKindTrigger PayloadKind = "trigger"
)

// Source distinguishes a live LISTEN/NOTIFY delivery from a recovery replay.
type Source string

const (
	SourceLive   Source = "live"
	SourceReplay Source = "replay"
)

// Callback is the opaque handle the registry resolves a channel name to.
// It receives the fully decoded payload for the channel's PayloadKind —
// CustomArgs for PayloadKindCustom, TriggerArgs for PayloadKindTrigger —
// and returns an error if processing failed. The durable-lock protocol
// treats a non-nil error as "roll back, row stays for a later claim"; a nil
// error as "row is done, delete it".
type Callback func(ctx CallbackContext) error

// CallbackContext is what a Callback receives. Exactly one of CustomArgs /
// TriggerArgs is populated, matching the descriptor's PayloadKind.
type CallbackContext struct {
	Channel     string
	CustomArgs  map[string]any
	TriggerArgs *TriggerArgs
	// PayloadContext is the payload's top-level "context" object, surfaced
	// verbatim when the deployment opts in (PGPUBSUB_PASS_CONTEXT_TO_LISTENERS).
	PayloadContext map[string]any
	// PayloadExtras is the payload's top-level "extras" object, surfaced
	// verbatim when the deployment opts in (PGPUBSUB_PASS_EXTRAS_TO_LISTENERS).
	PayloadExtras map[string]any
}

// TriggerArgs is the decoded form of a trigger payload's old/new rows.
type TriggerArgs struct {
	App   string
	Model string
	Old   map[string]any
	New   map[string]any
}

// ChannelDescriptor is the registry's read-only view of one channel.
// Descriptors are immutable for the lifetime of a worker (§3 invariant).
type ChannelDescriptor struct {
	// Name is used verbatim as the PostgreSQL channel identifier.
	Name string
	// Durable marks the channel for the stored-row skip-locked claim
	// protocol (the "lock_notifications" flag).
	Durable bool
	// PayloadKind selects how the dispatcher decodes the payload.
	PayloadKind PayloadKind
	// Callback is invoked with the decoded payload.
	Callback Callback
	// MinDBVersion, if set, gates TRIGGER payloads: an envelope whose
	// db_version (the stored row's, or else the payload's own "db_version"
	// field) sorts strictly before this value is SKIPped rather than
	// dispatched (§4.C, §7 "Deserialization error (trigger, db_version
	// mismatch)").
	MinDBVersion string
}

// Envelope is the in-memory record carrying one notification through a
// worker: created from a live LISTEN/NOTIFY payload or a recovery-scan row,
// consumed by exactly one dispatcher invocation, then discarded.
type Envelope struct {
	Channel     string
	PayloadJSON json.RawMessage
	Source      Source
	// DBVersion is the producing application's migration identifier, used
	// for the schema-evolution compatibility gate (§9). Empty if the
	// producer didn't set one.
	DBVersion string
	// RowID identifies the stored row this envelope was claimed from, for
	// durable channels. Zero for transient channels and for a live
	// notification that hasn't yet resolved to a stored row.
	RowID int64
}

// StoredNotification is one row of the persisted notification table
// (§3 "Stored notification row"). A row exists iff a durable NOTIFY was
// committed; it is deleted iff some worker completed its callback for it.
type StoredNotification struct {
	ID        int64
	Channel   string
	Payload   json.RawMessage
	DBVersion *string
	CreatedAt time.Time
}

// ToEnvelope converts a claimed stored row into the envelope the dispatcher
// consumes, tagging its source per §3's replay-vs-live distinction.
func (s StoredNotification) ToEnvelope(source Source) Envelope {
	env := Envelope{
		Channel:     s.Channel,
		PayloadJSON: s.Payload,
		Source:      source,
		RowID:       s.ID,
	}
	if s.DBVersion != nil {
		env.DBVersion = *s.DBVersion
	}
	return env
}

// RecoveryTraceID tags one recovery-scan run for correlating its log lines,
// mirroring how the teacher tags a Run with a uuid.UUID.
type RecoveryTraceID uuid.UUID

// NewRecoveryTraceID returns a fresh trace id for one recovery pass.
func NewRecoveryTraceID() RecoveryTraceID {
	return RecoveryTraceID(uuid.New())
}

func (r RecoveryTraceID) String() string {
	return uuid.UUID(r).String()
}

// RestartPolicy controls what the supervisor does when a worker exits
// abnormally (§4.G).
type RestartPolicy string

const (
	RestartOnFailure RestartPolicy = "restart-on-failure"
	NoRestart        RestartPolicy = "no-restart"
)

// WorkerStartMethod is the deployment-time process-creation choice (§6 CLI
// surface). pgpubsub is a single Go binary, so "fork" (re-exec via fork(2)
// the way a Python worker pool does) has no safe equivalent and is
// rejected at startup (SPEC_FULL.md, "Decision: worker-start-method fork").
type WorkerStartMethod string

const (
	WorkerStartSpawn WorkerStartMethod = "spawn"
	WorkerStartFork  WorkerStartMethod = "fork"
)
