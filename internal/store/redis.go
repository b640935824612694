package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// RedisStore implements Store on top of go-redis/v8. It keeps two
// clients - one for commands, one dedicated to Subscribe - so pub/sub
// delivery never blocks request/response traffic.
type RedisStore struct {
	cmd  *redis.Client
	subs *redis.Client
	log  zerolog.Logger
}

// Options configures a RedisStore.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore dials two connections against the same Redis instance.
func NewRedisStore(opts Options, log zerolog.Logger) (*RedisStore, error) {
	base := &redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB}

	cmd := redis.NewClient(base)
	subs := redis.NewClient(base)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cmd.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return &RedisStore{cmd: cmd, subs: subs, log: log.With().Str("component", "store").Logger()}, nil
}

func wrapErr(err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.cmd.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", wrapErr(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.cmd.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return wrapErr(s.cmd.Del(ctx, keys...).Err())
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(s.cmd.SAdd(ctx, key, args...).Err())
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(s.cmd.SRem(ctx, key, args...).Err())
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.cmd.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return res, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.cmd.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return ok, nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wrapErr(s.cmd.LPush(ctx, key, args...).Err())
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	res, err := s.cmd.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return res, nil
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return wrapErr(s.cmd.LTrim(ctx, key, start, stop).Err())
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr(s.cmd.Publish(ctx, channel, payload).Err())
}

// Subscribe returns a channel of Notifications for `channel`, and a
// cancel func that unsubscribes and releases resources. If the
// underlying go-redis message channel closes, one final notification
// keyed ReconnectKey is delivered and the returned channel is closed;
// the subscription is not re-established.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan Notification, func(), error) {
	pubsub := s.subs.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, nil, wrapErr(err)
	}

	out := make(chan Notification, 64)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					select {
					case out <- Notification{Key: ReconnectKey}:
					case <-done:
					}
					return
				}
				select {
				case out <- Notification{Key: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-done:
					return
				}
			}
		}
	}()

	cancel := func() {
		close(done)
		_ = pubsub.Close()
	}
	return out, cancel, nil
}

// Close releases both underlying clients.
func (s *RedisStore) Close() error {
	err1 := s.cmd.Close()
	err2 := s.subs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
