package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster publishes envelopes on per-note Redis channels so other
// processes can follow a note's activity.
type RedisBroadcaster struct {
	client *redis.Client
	log    *slog.Logger
	buffer int
}

func NewRedisBroadcaster(redisURL string, log *slog.Logger) (*RedisBroadcaster, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBroadcasterWithClient(client, log), nil
}

func NewRedisBroadcasterWithClient(client *redis.Client, log *slog.Logger) *RedisBroadcaster {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RedisBroadcaster{client: client, log: log, buffer: 64}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, Channel(env.NoteID), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", env.Type, err)
	}
	return nil
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context, noteID string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, Channel(noteID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel(noteID), err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		ch:     make(chan Envelope, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.forward(b.log)
	return sub, nil
}

func (b *RedisBroadcaster) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) C() <-chan Envelope { return s.ch }

func (s *redisSub) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

func (s *redisSub) forward(log *slog.Logger) {
	defer close(s.ch)
	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Warn("dropping malformed presence message", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case s.ch <- env:
			case <-s.done:
				return
			}
		}
	}
}
