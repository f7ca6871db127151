package statusbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"possync/backend/internal/domain"
)

type RedisBus struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBus(addr string, password string, db int, ttl time.Duration) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisBus{client: client, ttl: ttl}
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

// Publish stores the event as the latest snapshot and broadcasts it.
func (b *RedisBus) Publish(ctx context.Context, event domain.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.Set(ctx, LatestKey, payload, b.ttl)
	pipe.Publish(ctx, Channel, payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Latest returns the last published snapshot, if it has not expired.
func (b *RedisBus) Latest(ctx context.Context) (*domain.StatusEvent, bool, error) {
	val, err := b.client.Get(ctx, LatestKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var event domain.StatusEvent
	if err := json.Unmarshal([]byte(val), &event); err != nil {
		return nil, false, err
	}
	return &event, true, nil
}

// Subscribe streams events until ctx is done. Malformed payloads are skipped.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan domain.StatusEvent, error) {
	sub := b.client.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan domain.StatusEvent, 8)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
