package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fronting/core/internal/remote"
)

// Feed opens live roster subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, channel string) (Stream, error)
}

// Stream delivers events until the subscription ends. Events is closed when
// the connection is lost or Close is called; Err then says why.
type Stream interface {
	Events() <-chan remote.RosterEvent
	Err() error
	Close() error
}

// RedisFeed reads roster events published by remote.RedisPublisher.
type RedisFeed struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewRedisFeed(client *redis.Client, log zerolog.Logger) *RedisFeed {
	return &RedisFeed{client: client, log: log}
}

func (f *RedisFeed) Subscribe(ctx context.Context, channel string) (Stream, error) {
	pubsub := f.client.Subscribe(ctx, channel)
	// Wait for the subscribe confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	readCtx, cancel := context.WithCancel(ctx)
	s := &redisStream{
		pubsub: pubsub,
		events: make(chan remote.RosterEvent, 16),
		cancel: cancel,
	}
	go s.read(readCtx, f.log.With().Str("channel", channel).Logger())
	return s, nil
}

type redisStream struct {
	pubsub *redis.PubSub
	events chan remote.RosterEvent
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *redisStream) read(ctx context.Context, log zerolog.Logger) {
	defer close(s.events)
	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.ErrClosed) {
				s.setErr(fmt.Errorf("receive roster event: %w", err))
			}
			return
		}
		var event remote.RosterEvent
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable roster event")
			continue
		}
		select {
		case s.events <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *redisStream) Events() <-chan remote.RosterEvent { return s.events }

func (s *redisStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *redisStream) Close() error {
	s.cancel()
	return s.pubsub.Close()
}
