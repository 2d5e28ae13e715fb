package presence

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("broadcaster closed")

// LocalBroadcaster delivers envelopes to subscribers in this process.
// Subscribers that fall behind lose envelopes rather than blocking publishers.
type LocalBroadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	buffer int
	closed bool
}

func NewLocalBroadcaster(buffer int) *LocalBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &LocalBroadcaster{subs: make(map[string]map[*localSub]struct{}), buffer: buffer}
}

func (b *LocalBroadcaster) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[env.NoteID] {
		sub.deliver(env)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(_ context.Context, noteID string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &localSub{hub: b, noteID: noteID, ch: make(chan Envelope, b.buffer)}
	if b.subs[noteID] == nil {
		b.subs[noteID] = make(map[*localSub]struct{})
	}
	b.subs[noteID][sub] = struct{}{}
	return sub, nil
}

// Subscribers reports how many subscriptions are open for noteID.
func (b *LocalBroadcaster) Subscribers(noteID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[noteID])
}

func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeLocked()
		}
	}
	b.subs = nil
	return nil
}

func (b *LocalBroadcaster) unsubscribe(sub *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.noteID]; ok {
		if _, ok := subs[sub]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.subs, sub.noteID)
			}
			sub.closeLocked()
		}
	}
}

type localSub struct {
	hub    *LocalBroadcaster
	noteID string
	ch     chan Envelope
	once   sync.Once
}

func (s *localSub) C() <-chan Envelope { return s.ch }

func (s *localSub) Close() { s.hub.unsubscribe(s) }

// deliver runs under the hub's read lock, so the channel is still open.
func (s *localSub) deliver(env Envelope) {
	select {
	case s.ch <- env:
	default:
	}
}

func (s *localSub) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}
