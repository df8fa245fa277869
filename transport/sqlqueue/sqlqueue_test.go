package sqlqueue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/relaybench/transport"
)

func openTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	cfg.DSN = filepath.Join(t.TempDir(), "queue.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	q, err := Open(context.Background(), SQLite, cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func count(t *testing.T, q *Queue, table string) int {
	t.Helper()
	var n int
	require.NoError(t, q.db.QueryRow(`SELECT COUNT(*) FROM `+table).Scan(&n))
	return n
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "a = $1 AND b = $2", Postgres.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = ?", SQLite.rebind("a = ?"))
}

func TestConfigWithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	assert.Equal(t, DefaultPollInterval, got.PollInterval)
	assert.Equal(t, DefaultMaxDeliver, got.MaxDeliver)
	assert.Equal(t, DefaultLockTimeout, got.LockTimeout)
	assert.Equal(t, DefaultRetryBackoff, got.RetryBackoff)

	custom := Config{DSN: "x", PollInterval: time.Second, MaxDeliver: 7, LockTimeout: time.Minute, RetryBackoff: time.Millisecond}
	assert.Equal(t, custom, custom.withDefaults())
}

func TestOpenRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), SQLite, Config{}, nil)
	assert.ErrorContains(t, err, "sqlite queue: dsn is required")
}

func TestCapabilitiesFollowDialect(t *testing.T) {
	q := openTestQueue(t, Config{})
	assert.Equal(t, transport.SQLiteCapabilities, q.Capabilities())
	assert.Equal(t, transport.PostgresCapabilities, Postgres.Capabilities)
}

func TestPublishSubscribeAck(t *testing.T) {
	q := openTestQueue(t, Config{})

	var sent []*message.Message
	for _, id := range []string{"m1", "m2", "m3"} {
		msg := message.NewMessage(id, []byte("payload-"+id))
		msg.Metadata.Set("test_run_id", "run-1")
		sent = append(sent, msg)
	}
	require.NoError(t, q.Publish("orders", sent...))

	ch, err := q.Subscribe(context.Background(), "orders")
	require.NoError(t, err)

	for _, want := range sent {
		got := receive(t, ch)
		assert.Equal(t, want.UUID, got.UUID)
		assert.Equal(t, want.Payload, got.Payload)
		assert.Equal(t, "run-1", got.Metadata.Get("test_run_id"))
		got.Ack()
	}

	assert.Eventually(t, func() bool { return count(t, q, "relay_queue") == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, count(t, q, "relay_dead_letters"))
}

func TestTopicsAreIsolated(t *testing.T) {
	q := openTestQueue(t, Config{})
	require.NoError(t, q.Publish("a", message.NewMessage("for-a", nil)))
	require.NoError(t, q.Publish("b", message.NewMessage("for-b", nil)))

	ch, err := q.Subscribe(context.Background(), "b")
	require.NoError(t, err)
	got := receive(t, ch)
	assert.Equal(t, "for-b", got.UUID)
	got.Ack()
}

func TestNackRedeliversThenDeadLetters(t *testing.T) {
	q := openTestQueue(t, Config{MaxDeliver: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, q.Publish("orders", message.NewMessage("m1", []byte("x"))))

	ch, err := q.Subscribe(context.Background(), "orders")
	require.NoError(t, err)

	first := receive(t, ch)
	first.Nack()
	second := receive(t, ch)
	assert.Equal(t, "m1", second.UUID)
	second.Nack()

	assert.Eventually(t, func() bool { return count(t, q, "relay_dead_letters") == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, count(t, q, "relay_queue"))

	var deliveries int
	require.NoError(t, q.db.QueryRow(`SELECT deliveries FROM relay_dead_letters WHERE uuid = 'm1'`).Scan(&deliveries))
	assert.Equal(t, 2, deliveries)
}

func TestClaimedRowIsLockedUntilTimeout(t *testing.T) {
	q := openTestQueue(t, Config{LockTimeout: time.Minute})
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	require.NoError(t, q.Publish("orders", message.NewMessage("m1", nil)))

	ctx := context.Background()
	row, err := q.claim(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1, row.deliveries)

	again, err := q.claim(ctx, "orders")
	require.NoError(t, err)
	assert.Nil(t, again, "a locked row must not be claimed twice")

	now = now.Add(time.Minute + time.Millisecond)
	reclaimed, err := q.claim(ctx, "orders")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, row.id, reclaimed.id)
	assert.Equal(t, 2, reclaimed.deliveries)
}

func TestCancelledSubscriptionReleasesRow(t *testing.T) {
	q := openTestQueue(t, Config{})
	require.NoError(t, q.Publish("orders", message.NewMessage("m1", nil)))

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := q.Subscribe(ctx, "orders")
	require.NoError(t, err)
	receive(t, ch)
	cancel()

	select {
	case _, open := <-ch:
		require.False(t, open, "no message expected after cancel")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not close after cancel")
	}

	var locked int64
	var deliveries int
	require.NoError(t, q.db.QueryRow(`SELECT locked_until_ms, deliveries FROM relay_queue WHERE uuid = 'm1'`).Scan(&locked, &deliveries))
	assert.Zero(t, locked)
	assert.Zero(t, deliveries)
}

func TestClosedQueueRejectsUse(t *testing.T) {
	q := openTestQueue(t, Config{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorContains(t, q.Publish("orders", message.NewMessage("m1", nil)), "closed")
	_, err := q.Subscribe(context.Background(), "orders")
	assert.ErrorContains(t, err, "closed")
}
