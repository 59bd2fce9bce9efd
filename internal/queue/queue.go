// Package queue implements the durable message_queue between ingestion and
// the signal feed: FIFO, at-least-once, consumer-acknowledged. Envelopes are
// persisted before delivery so unacknowledged work survives a restart; the
// in-memory buffer is bounded and overflow drops the oldest item.
package queue

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/signalbot/internal/database"
	"github.com/web3guy0/signalbot/internal/trade"
)

// Item is one delivered envelope. Consumers must Ack via the queue once the
// envelope is fully processed; unacked items are redelivered on restart.
type Item struct {
	ID       uint
	Envelope trade.Envelope
}

type Queue struct {
	db       *database.Database
	capacity int

	mu     sync.Mutex
	items  []Item
	notify chan struct{}
	closed bool
}

func New(db *database.Database, capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Queue{
		db:       db,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Recover reloads unacknowledged envelopes from the store, FIFO. Called once
// on startup before consumers start.
func (q *Queue) Recover() (int, error) {
	rows, err := q.db.UnackedItems(q.capacity)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, row := range rows {
		var env trade.Envelope
		if err := json.Unmarshal([]byte(row.Payload), &env); err != nil {
			log.Warn().Uint("item", row.ID).Err(err).Msg("Dropping corrupt queue item")
			_ = q.db.AckItem(row.ID)
			continue
		}
		q.items = append(q.items, Item{ID: row.ID, Envelope: env})
	}
	q.wake()
	return len(q.items), nil
}

// Push persists the envelope and appends it to the in-memory buffer. When
// the buffer is full the oldest item is dropped (and removed from the store).
func (q *Queue) Push(env trade.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	row := &database.QueueItem{Payload: string(payload)}
	if err := q.db.EnqueueItem(row); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		_ = q.db.DropItem(dropped.ID)
		log.Warn().Uint("item", dropped.ID).Msg("Queue full, dropped oldest envelope")
	}
	q.items = append(q.items, Item{ID: row.ID, Envelope: env})
	q.wake()
	return nil
}

// Pop blocks until an item is available or the context is cancelled.
func (q *Queue) Pop(ctx context.Context) (Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Ack marks the item as processed; it will not be redelivered.
func (q *Queue) Ack(id uint) error {
	return q.db.AckItem(id)
}

// Nack puts the item back at the head for redelivery after a transient
// processing failure.
func (q *Queue) Nack(item Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append([]Item{item}, q.items...)
	q.wake()
}

// Len reports the buffered depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting pushes. Persisted unacked items survive for the next
// start.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// wake nudges one blocked Pop without blocking the caller.
func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
