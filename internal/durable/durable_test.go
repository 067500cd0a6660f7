package durable_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
	"github.com/rat-data/pgpubsub/internal/postgres"
	"github.com/rat-data/pgpubsub/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool))
	_, err = pool.Exec(ctx, "TRUNCATE pgpubsub_notifications RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return pool
}

func TestDeliver_NoRowFound_IsNotAnError(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { return nil },
	}))
	proto := durable.New(store, dispatch.New(reg))

	outcome, err := proto.Deliver(context.Background(), domain.Envelope{
		Channel: "post_reads", PayloadJSON: json.RawMessage(`{"kwargs":{"post_id":1}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, durable.OutcomeNoRow, outcome)
}

func TestDeliver_SuccessfulCallback_DeletesRow(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	ctx := context.Background()

	payload := json.RawMessage(`{"kwargs":{"post_id":1}}`)
	_, _, err := store.Insert(ctx, pool, "post_reads", payload, nil)
	require.NoError(t, err)

	called := false
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { called = true; return nil },
	}))
	proto := durable.New(store, dispatch.New(reg))

	outcome, err := proto.Deliver(ctx, domain.Envelope{Channel: "post_reads", PayloadJSON: payload})
	require.NoError(t, err)
	assert.Equal(t, durable.OutcomeDelivered, outcome)
	assert.True(t, called)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM pgpubsub_notifications").Scan(&count))
	assert.Zero(t, count)
}

func TestDeliver_CallbackError_RollsBackAndLeavesRow(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	ctx := context.Background()

	payload := json.RawMessage(`{"kwargs":{"post_id":1}}`)
	_, _, err := store.Insert(ctx, pool, "post_reads", payload, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { return boom },
	}))
	proto := durable.New(store, dispatch.New(reg))

	outcome, err := proto.Deliver(ctx, domain.Envelope{Channel: "post_reads", PayloadJSON: payload})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, durable.OutcomeFailed, outcome)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM pgpubsub_notifications").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeliver_FilterSkipped_CommitsWithoutDeleting(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	ctx := context.Background()

	payload := json.RawMessage(`{"kwargs":{},"context":{"tenant":"B"}}`)
	_, _, err := store.Insert(ctx, pool, "post_reads", payload, nil)
	require.NoError(t, err)

	called := false
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { called = true; return nil },
	}))
	proto := durable.New(store, dispatch.New(reg, dispatch.WithFilter(
		func(context, extras map[string]any) bool { return context["tenant"] == "A" },
	)))

	outcome, err := proto.Deliver(ctx, domain.Envelope{Channel: "post_reads", PayloadJSON: payload})
	require.NoError(t, err)
	assert.Equal(t, durable.OutcomeSkipped, outcome)
	assert.False(t, called)

	var count int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM pgpubsub_notifications").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDeliver_DuplicatePayloads_EachClaimedIndependently(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	ctx := context.Background()

	payload := json.RawMessage(`{"kwargs":{"post_id":1}}`)
	for i := 0; i < 5; i++ {
		_, _, err := store.Insert(ctx, pool, "post_reads", payload, nil)
		require.NoError(t, err)
	}

	var deliveries int
	reg := registry.New()
	require.NoError(t, reg.Register(domain.ChannelDescriptor{
		Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { deliveries++; return nil },
	}))
	proto := durable.New(store, dispatch.New(reg))

	for i := 0; i < 5; i++ {
		outcome, err := proto.Deliver(ctx, domain.Envelope{Channel: "post_reads", PayloadJSON: payload})
		require.NoError(t, err)
		assert.Equal(t, durable.OutcomeDelivered, outcome)
	}

	assert.Equal(t, 5, deliveries, "each of the five duplicate rows is claimed and delivered independently")

	outcome, err := proto.Deliver(ctx, domain.Envelope{Channel: "post_reads", PayloadJSON: payload})
	require.NoError(t, err)
	assert.Equal(t, durable.OutcomeNoRow, outcome)
}
