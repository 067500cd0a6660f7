// Package dispatch implements the Dispatcher (spec.md §4.C): given an
// envelope, resolve its channel descriptor, apply the filter hook, decode
// the payload according to the descriptor's kind, and invoke the callback.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/filter"
	"github.com/rat-data/pgpubsub/internal/registry"
	"github.com/rat-data/pgpubsub/internal/rowdecoder"
)

// ErrSkipped is returned when an envelope was deliberately not dispatched —
// either the filter rejected it or a TRIGGER payload's db_version predates
// the channel's minimum (§4.C, §7 "Deserialization error (trigger,
// db_version mismatch)"). Neither case is a failure; the durable path
// commits without deleting the row. Nothing records the skip, so a later
// envelope with the same channel and payload claims and evaluates the row
// again.
var ErrSkipped = errors.New("dispatch: envelope skipped")

// customPayload is the wire shape for PayloadKindCustom.
type customPayload struct {
	Kwargs  map[string]any `json:"kwargs"`
	Context map[string]any `json:"context"`
}

// triggerPayload is the wire shape for PayloadKindTrigger.
type triggerPayload struct {
	App       string          `json:"app"`
	Model     string          `json:"model"`
	Old       json.RawMessage `json:"old"`
	New       json.RawMessage `json:"new"`
	DBVersion string          `json:"db_version"`
	Context   map[string]any  `json:"context"`
	Extras    map[string]any  `json:"extras"`
}

// Dispatcher resolves envelopes against a registry and invokes callbacks.
type Dispatcher struct {
	registry    *registry.Registry
	rowDecoder  rowdecoder.Decoder
	filter      filter.Predicate
	passContext bool
	passExtras  bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRowDecoder overrides the default FixtureDecoder for TRIGGER payloads.
func WithRowDecoder(d rowdecoder.Decoder) Option {
	return func(disp *Dispatcher) { disp.rowDecoder = d }
}

// WithFilter installs the filter hook (§4.J). Defaults to filter.Allow.
func WithFilter(p filter.Predicate) Option {
	return func(disp *Dispatcher) { disp.filter = p }
}

// WithContextPassthrough toggles surfacing payload.context on
// CallbackContext.PayloadContext (PGPUBSUB_PASS_CONTEXT_TO_LISTENERS).
func WithContextPassthrough(on bool) Option {
	return func(disp *Dispatcher) { disp.passContext = on }
}

// WithExtrasPassthrough toggles surfacing payload.extras
// (PGPUBSUB_PASS_EXTRAS_TO_LISTENERS).
func WithExtrasPassthrough(on bool) Option {
	return func(disp *Dispatcher) { disp.passExtras = on }
}

// New builds a Dispatcher over the given registry.
func New(reg *registry.Registry, opts ...Option) *Dispatcher {
	disp := &Dispatcher{
		registry:   reg,
		rowDecoder: rowdecoder.FixtureDecoder{},
		filter:     filter.Allow,
	}
	for _, opt := range opts {
		opt(disp)
	}
	return disp
}

// Dispatch resolves env's channel, applies the filter, decodes the payload
// per the descriptor's PayloadKind, and invokes the callback. Returns
// ErrSkipped (wrapped with the reason) for a filtered-out or db_version-
// gated envelope. An unknown channel, an undecodable payload or row, or a
// channel with no callback yields a wrapped "dispatch: ..." error; the
// callback's own error is returned without modification (§4.C: "Errors
// from the callback are propagated (no swallowing)").
func (d *Dispatcher) Dispatch(env domain.Envelope) error {
	desc, err := d.registry.Resolve(env.Channel)
	if err != nil {
		return fmt.Errorf("dispatch: resolve channel %q: %w", env.Channel, err)
	}

	switch desc.PayloadKind {
	case domain.PayloadKindTrigger:
		return d.dispatchTrigger(desc, env)
	default:
		return d.dispatchCustom(desc, env)
	}
}

func (d *Dispatcher) dispatchCustom(desc domain.ChannelDescriptor, env domain.Envelope) error {
	var p customPayload
	if err := json.Unmarshal(env.PayloadJSON, &p); err != nil {
		return fmt.Errorf("dispatch: decode custom payload on %q: %w", env.Channel, err)
	}

	if !d.filter(p.Context, nil) {
		return fmt.Errorf("%w: filter rejected custom payload on %q", ErrSkipped, env.Channel)
	}

	cctx := domain.CallbackContext{
		Channel:    env.Channel,
		CustomArgs: p.Kwargs,
	}
	if d.passContext {
		cctx.PayloadContext = p.Context
	}

	if desc.Callback == nil {
		return fmt.Errorf("dispatch: channel %q has no callback registered", env.Channel)
	}
	return desc.Callback(cctx)
}

func (d *Dispatcher) dispatchTrigger(desc domain.ChannelDescriptor, env domain.Envelope) error {
	var p triggerPayload
	if err := json.Unmarshal(env.PayloadJSON, &p); err != nil {
		return fmt.Errorf("dispatch: decode trigger payload on %q: %w", env.Channel, err)
	}

	dbVersion := p.DBVersion
	if env.DBVersion != "" {
		dbVersion = env.DBVersion
	}
	if desc.MinDBVersion != "" && dbVersion != "" && dbVersion < desc.MinDBVersion {
		return fmt.Errorf("%w: trigger payload db_version %q precedes channel minimum %q on %q",
			ErrSkipped, dbVersion, desc.MinDBVersion, env.Channel)
	}

	if !d.filter(p.Context, p.Extras) {
		return fmt.Errorf("%w: filter rejected trigger payload on %q", ErrSkipped, env.Channel)
	}

	old, err := d.rowDecoder.Decode(p.Old)
	if err != nil {
		return fmt.Errorf("dispatch: decode old row on %q: %w", env.Channel, err)
	}
	newRow, err := d.rowDecoder.Decode(p.New)
	if err != nil {
		return fmt.Errorf("dispatch: decode new row on %q: %w", env.Channel, err)
	}

	cctx := domain.CallbackContext{
		Channel: env.Channel,
		TriggerArgs: &domain.TriggerArgs{
			App:   p.App,
			Model: p.Model,
			Old:   old,
			New:   newRow,
		},
	}
	if d.passContext {
		cctx.PayloadContext = p.Context
	}
	if d.passExtras {
		cctx.PayloadExtras = p.Extras
	}

	if desc.Callback == nil {
		return fmt.Errorf("dispatch: channel %q has no callback registered", env.Channel)
	}
	return desc.Callback(cctx)
}
