// Package rowdecoder implements the pluggable row deserializer called out
// in spec.md §9 "Row serialization": the trigger payload's old/new rows
// arrive in an external fixtures-style {model, pk, fields} shape, and the
// core depends only on them being opaque objects a decoder can turn into
// a flat map[string]any for the callback.
package rowdecoder

import (
	"encoding/json"
	"fmt"
)

// Decoder turns one raw trigger row (or nil, for INSERT's old / DELETE's
// new) into the flat field map a domain.TriggerArgs carries. Kept behind
// an interface so a deployment can plug in its own row dialect without
// touching the dispatcher (§9: "keep that decoder behind an interface").
type Decoder interface {
	Decode(raw json.RawMessage) (map[string]any, error)
}

// FixtureDecoder decodes the {"model": "...", "pk": ..., "fields": {...}}
// shape the spec names as the external row-serialization dialect. Only
// "fields" is surfaced to callbacks; the row's model and pk are dropped
// (TriggerArgs carries the payload's top-level app and model instead).
type FixtureDecoder struct{}

type fixtureRow struct {
	Model  string         `json:"model"`
	PK     any            `json:"pk"`
	Fields map[string]any `json:"fields"`
}

// Decode implements Decoder. A nil/empty raw (absent old for INSERT, absent
// new for DELETE) decodes to a nil map, not an error.
func (FixtureDecoder) Decode(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var row fixtureRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, fmt.Errorf("rowdecoder: decode fixture row: %w", err)
	}
	return row.Fields, nil
}

// RawDecoder passes the row's JSON object through unchanged, for
// deployments whose trigger rows are already a flat field map rather than
// the fixtures dialect.
type RawDecoder struct{}

// Decode implements Decoder.
func (RawDecoder) Decode(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("rowdecoder: decode raw row: %w", err)
	}
	return fields, nil
}
