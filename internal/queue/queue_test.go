package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/trade"
)

func newTestDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func envelope(msgID int) trade.Envelope {
	return trade.Envelope{
		ExternalChannelID: "-100123",
		MessageID:         msgID,
		Timestamp:         time.Now(),
		Text:              "test",
	}
}

func TestQueueFIFO(t *testing.T) {
	q := New(newTestDB(t), 10)

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(envelope(i)))
	}

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, item.Envelope.MessageID)
		require.NoError(t, q.Ack(item.ID))
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := New(newTestDB(t), 10)

	done := make(chan trade.Envelope, 1)
	go func() {
		item, err := q.Pop(context.Background())
		if err == nil {
			done <- item.Envelope
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Push(envelope(7)))

	select {
	case env := <-done:
		assert.Equal(t, 7, env.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("Pop did not wake on Push")
	}
}

func TestQueuePopCancellation(t *testing.T) {
	q := New(newTestDB(t), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// Unacked items survive a restart; acked ones do not.
func TestQueueRecovery(t *testing.T) {
	db := newTestDB(t)
	q := New(db, 10)

	require.NoError(t, q.Push(envelope(1)))
	require.NoError(t, q.Push(envelope(2)))

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	require.NoError(t, q.Ack(item.ID))

	// Simulate restart: a fresh queue over the same store.
	q2 := New(db, 10)
	n, err := q2.Recover()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := q2.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered.Envelope.MessageID)
}

// Overflow drops the oldest buffered envelope.
func TestQueueOverflowDropsOldest(t *testing.T) {
	q := New(newTestDB(t), 2)

	require.NoError(t, q.Push(envelope(1)))
	require.NoError(t, q.Push(envelope(2)))
	require.NoError(t, q.Push(envelope(3))) // evicts 1

	assert.Equal(t, 2, q.Len())

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, item.Envelope.MessageID)
}

func TestQueueNackRequeuesAtHead(t *testing.T) {
	q := New(newTestDB(t), 10)

	require.NoError(t, q.Push(envelope(1)))
	require.NoError(t, q.Push(envelope(2)))

	item, err := q.Pop(context.Background())
	require.NoError(t, err)
	q.Nack(item)

	again, err := q.Pop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.Envelope.MessageID)
}
