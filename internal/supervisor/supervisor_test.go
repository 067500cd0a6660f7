package supervisor_test

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rat-data/pgpubsub/internal/dispatch"
	"github.com/rat-data/pgpubsub/internal/domain"
	"github.com/rat-data/pgpubsub/internal/durable"
	"github.com/rat-data/pgpubsub/internal/postgres"
	"github.com/rat-data/pgpubsub/internal/registry"
	"github.com/rat-data/pgpubsub/internal/supervisor"
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

func TestSupervisor_NWorkers_ExactlyOneClaimsDurableNotification(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStoredNotificationStore(pool)
	ctx := context.Background()

	var deliveries int64
	reg := registry.New()
	desc := domain.ChannelDescriptor{
		Name: "author_trigger", Durable: true, PayloadKind: domain.PayloadKindTrigger,
		Callback: func(domain.CallbackContext) error {
			atomic.AddInt64(&deliveries, 1)
			return nil
		},
	}
	require.NoError(t, reg.Register(desc))

	payload := `{"app":"blog","model":"Author","old":null,"new":{"model":"blog.author","pk":48,"fields":{"name":"Paul"}}}`
	_, _, err := store.Insert(ctx, pool, "author_trigger", []byte(payload), nil)
	require.NoError(t, err)

	proto := durable.New(store, dispatch.New(reg))
	sup := supervisor.New(supervisor.Config{
		Pool: pool, Channels: []domain.ChannelDescriptor{desc},
		Dispatcher: dispatch.New(reg), Protocol: proto,
		NumWorkers: 2, Recover: true, PollTimeout: 200 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&deliveries) == 1
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	assert.EqualValues(t, 1, atomic.LoadInt64(&deliveries))
}

func TestSupervisor_ShutdownWithNoWork_ExitsCleanly(t *testing.T) {
	pool := testPool(t)
	reg := registry.New()
	desc := domain.ChannelDescriptor{Name: "post_reads", PayloadKind: domain.PayloadKindCustom,
		Callback: func(domain.CallbackContext) error { return nil }}
	require.NoError(t, reg.Register(desc))
	store := postgres.NewStoredNotificationStore(pool)
	proto := durable.New(store, dispatch.New(reg))

	sup := supervisor.New(supervisor.Config{
		Pool: pool, Channels: []domain.ChannelDescriptor{desc},
		Dispatcher: dispatch.New(reg), Protocol: proto,
		NumWorkers: 3, PollTimeout: 150 * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(runCtx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not shut down with idle worker pool")
	}
}
