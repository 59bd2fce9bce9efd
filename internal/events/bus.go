// Package events provides the in-process pub/sub bus. Fan-out is best
// effort: subscribers with a full buffer miss the event and are expected to
// reconcile from state.
package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Topics published by the pipeline.
const (
	TopicNewMessage           = "signal:new-message"
	TopicSignalNew            = "signal:new"
	TopicSignalExecuted       = "signal:executed"
	TopicSignalFailed         = "signal:failed"
	TopicPositionOpened       = "position:opened"
	TopicPositionUpdated      = "position:updated"
	TopicPositionClosed       = "position:closed"
	TopicCompensationRequired = "position:compensation-required"
	TopicChannelUpdate        = "channel:update"
	TopicAccountUpdate        = "account:update"
)

// Event is one published message.
type Event struct {
	Topic   string
	Payload any
}

type subscriber struct {
	topics map[string]bool
	ch     chan Event
}

// Bus is an ephemeral in-process broadcaster.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Subscribe registers for the given topics (all topics when none given) and
// returns the delivery channel plus an unsubscribe func.
func (b *Bus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	sub := &subscriber{ch: make(chan Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish fans the event out without blocking. Slow subscribers drop.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	ev := Event{Topic: topic, Payload: payload}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[topic] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			log.Debug().Str("topic", topic).Msg("event dropped, subscriber buffer full")
		}
	}
}

// Close shuts the bus down; further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
