package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisPrefix namespaces session keys in Redis.
	DefaultRedisPrefix = "sk"
	// DefaultRedisChannel carries change events between RedisStore instances.
	DefaultRedisChannel = "sk:events"
)

// Returns {had, old, changed}. The write is skipped when the value is unchanged.
var setValueLua = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
if old == ARGV[1] then
  return {1, old, 0}
end
redis.call("SET", KEYS[1], ARGV[1])
if old then
  return {1, old, 1}
end
return {0, "", 1}
`)

// Returns {had, old}.
var removeValueLua = redis.NewScript(`
local old = redis.call("GET", KEYS[1])
if not old then
  return {0, ""}
end
redis.call("DEL", KEYS[1])
return {1, old}
`)

// RedisStore keeps session values in Redis and announces every change on a
// pub/sub channel so other processes sharing the prefix observe it.
type RedisStore struct {
	redis   redis.UniversalClient
	prefix  string
	channel string
	origin  string
}

var (
	_ Store   = (*RedisStore)(nil)
	_ Watcher = (*RedisStore)(nil)
)

// NewRedisStore wraps an existing client. Empty prefix or channel fall back to
// DefaultRedisPrefix and DefaultRedisChannel.
func NewRedisStore(client redis.UniversalClient, prefix, channel string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisStore{
		redis:   client,
		prefix:  prefix,
		channel: channel,
		origin:  uuid.NewString(),
	}
}

// Origin identifies events published by this instance.
func (s *RedisStore) Origin() string {
	return s.origin
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.redis.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	res, err := setValueLua.Run(ctx, s.redis, []string{s.key(key)}, value).Slice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 3 {
		return fmt.Errorf("%w: unexpected script reply", ErrCorrupt)
	}
	if changed, _ := res[2].(int64); changed == 0 {
		return nil
	}
	old, _ := res[1].(string)
	return s.publish(ctx, Event{Key: key, OldValue: old, NewValue: value})
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	res, err := removeValueLua.Run(ctx, s.redis, []string{s.key(key)}).Slice()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return fmt.Errorf("%w: unexpected script reply", ErrCorrupt)
	}
	if had, _ := res[0].(int64); had == 0 {
		return nil
	}
	old, _ := res[1].(string)
	return s.publish(ctx, Event{Key: key, OldValue: old, Removed: true})
}

func (s *RedisStore) publish(ctx context.Context, ev Event) error {
	ev.Origin = s.origin
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := s.redis.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Watch subscribes to the change channel and returns events published by
// other RedisStore instances. The subscription is confirmed before Watch
// returns.
func (s *RedisStore) Watch(ctx context.Context) (<-chan Event, error) {
	pubsub := s.redis.Subscribe(ctx, s.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	msgs := pubsub.Channel()
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Origin == s.origin {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
