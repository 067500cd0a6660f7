package dispatch_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/filter"
	"github.com/rat-data/pgpubsub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_CustomPayload_InvokesCallbackWithKwargs(t *testing.T) {
	var got domain.CallbackContext
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:        "post_reads",
		PayloadKind: domain.PayloadKindCustom,
		Callback: func(cctx domain.CallbackContext) error {
			got = cctx
			return nil
		},
	}))

	d := dispatch.New(reg)
	env := domain.Envelope{
		Channel:     "post_reads",
		PayloadJSON: json.RawMessage(`{"kwargs":{"post_id":7}}`),
	}

	require.NoError(t, d.Dispatch(env))
	assert.Equal(t, float64(7), got.CustomArgs["post_id"])
}

func TestDispatch_CustomPayload_FilterRejects_ReturnsErrSkipped(t *testing.T) {
	called := false
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:        "post_reads",
		PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error {
			called = true
			return nil
		},
	}))

	d := dispatch.New(reg, dispatch.WithFilter(filter.ContextEquals("tenant", "A")))
	env := domain.Envelope{
		Channel:     "post_reads",
		PayloadJSON: json.RawMessage(`{"kwargs":{},"context":{"tenant":"B"}}`),
	}

	err := d.Dispatch(env)
	assert.True(t, errors.Is(err, dispatch.ErrSkipped))
	assert.False(t, called)
}

func TestDispatch_TriggerPayload_DecodesOldAndNew(t *testing.T) {
	var got domain.CallbackContext
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:        "author_trigger",
		PayloadKind: domain.PayloadKindTrigger,
		Callback: func(cctx domain.CallbackContext) error {
			got = cctx
			return nil
		},
	}))

	d := dispatch.New(reg)
	env := domain.Envelope{
		Channel: "author_trigger",
		PayloadJSON: json.RawMessage(`{
			"app":"blog","model":"Author","old":null,
			"new":{"model":"blog.author","pk":48,"fields":{"name":"Paul"}}
		}`),
	}

	require.NoError(t, d.Dispatch(env))
	require.NotNil(t, got.TriggerArgs)
	assert.Nil(t, got.TriggerArgs.Old)
	assert.Equal(t, "Paul", got.TriggerArgs.New["name"])
}

func TestDispatch_TriggerPayload_DBVersionBelowMinimum_ReturnsErrSkipped(t *testing.T) {
	called := false
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:         "author_trigger",
		PayloadKind:  domain.PayloadKindTrigger,
		MinDBVersion: "0002",
		Callback: func(domain.CallbackContext) error {
			called = true
			return nil
		},
	}))

	d := dispatch.New(reg)
	env := domain.Envelope{
		Channel:     "author_trigger",
		PayloadJSON: json.RawMessage(`{"app":"blog","model":"Author","old":null,"new":{},"db_version":"0001"}`),
	}

	err := d.Dispatch(env)
	assert.True(t, errors.Is(err, dispatch.ErrSkipped))
	assert.False(t, called)
}

func TestDispatch_CallbackError_IsPropagatedUnwrapped(t *testing.T) {
	wantErr := errors.New("boom")
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:        "post_reads",
		PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error {
			return wantErr
		},
	}))

	d := dispatch.New(reg)
	env := domain.Envelope{Channel: "post_reads", PayloadJSON: json.RawMessage(`{"kwargs":{}}`)}

	err := d.Dispatch(env)
	assert.ErrorIs(t, err, wantErr)
}

func TestDispatch_UnknownChannel_Errors(t *testing.T) {
	reg := registry.New()
	d := dispatch.New(reg)
	err := d.Dispatch(domain.Envelope{Channel: "nope", PayloadJSON: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestDispatch_PassContextAndExtrasThrough(t *testing.T) {
	var got domain.CallbackContext
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name:        "author_trigger",
		PayloadKind: domain.PayloadKindTrigger,
		Callback: func(cctx domain.CallbackContext) error {
			got = cctx
			return nil
		},
	}))

	d := dispatch.New(reg, dispatch.WithContextPassthrough(true), dispatch.WithExtrasPassthrough(true))
	env := domain.Envelope{
		Channel: "author_trigger",
		PayloadJSON: json.RawMessage(`{
			"app":"blog","model":"Author","old":null,"new":{},
			"context":{"tenant":"A"},"extras":{"trace_id":"abc"}
		}`),
	}

	require.NoError(t, d.Dispatch(env))
	assert.Equal(t, "A", got.PayloadContext["tenant"])
	assert.Equal(t, "abc", got.PayloadExtras["trace_id"])
}
