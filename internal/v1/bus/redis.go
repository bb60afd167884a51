// Package bus implements the messaging backend on Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/callkit/internal/v1/logging"
	"github.com/RoseWrightdev/callkit/internal/v1/metrics"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("redis unavailable")

// Event names carried in an Envelope.
const (
	EventMessage      = "message"
	EventMemberJoined = "memberJoined"
	EventMemberLeft   = "memberLeft"
)

// Envelope is what travels on every Redis channel.
type Envelope struct {
	Channel  string          `json:"channel,omitempty"` // empty for peer messages
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SenderID string          `json:"senderId"` // used to drop our own echoes
}

// Key and channel schema.
const (
	onlineKey = "rtm:online"
)

func peerChannel(userID string) string { return fmt.Sprintf("rtm:peer:%s", userID) }
func roomChannel(name string) string   { return fmt.Sprintf("rtm:channel:%s", name) }
func membersKey(name string) string    { return fmt.Sprintf("rtm:channel:%s:members", name) }

// Service wraps a Redis client with a circuit breaker.
type Service struct {
	name   string
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies the connection.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", addr))
	return newService("redis", rdb), nil
}

func newService(name string, rdb *redis.Client) *Service {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			logging.Warn(context.Background(), "Redis circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	return &Service{name: name, client: rdb, cb: gobreaker.NewCircuitBreaker(st)}
}

func (s *Service) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerFailures.WithLabelValues(s.name).Inc()
		logging.Warn(context.Background(), "Redis circuit breaker open, rejecting command", zap.String("op", op))
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, op)
	}
	return res, err
}

// Publish sends env on a Redis channel and returns how many subscribers received it.
func (s *Service) Publish(ctx context.Context, channel string, env Envelope) (int64, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	res, err := s.execute("publish", func() (interface{}, error) {
		return s.client.Publish(ctx, channel, data).Result()
	})
	if err != nil {
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.String("event", env.Event), zap.Error(err))
		return 0, err
	}
	return res.(int64), nil
}

// SetAdd adds a member to a Redis set.
func (s *Service) SetAdd(ctx context.Context, key, member string) error {
	_, err := s.execute("sadd", func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		logging.Error(ctx, "Redis SetAdd failed", zap.String("key", key), zap.String("member", member), zap.Error(err))
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

// SetRem removes a member from a Redis set.
func (s *Service) SetRem(ctx context.Context, key, member string) error {
	_, err := s.execute("srem", func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		logging.Error(ctx, "Redis SetRem failed", zap.String("key", key), zap.String("member", member), zap.Error(err))
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

// SetMembers returns every member of a Redis set.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	res, err := s.execute("smembers", func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		logging.Error(ctx, "Redis SetMembers failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

// Ping checks connectivity through the circuit breaker. Health checks use it.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.execute("ping", func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Subscribe opens a subscription and waits for Redis to confirm it.
func (s *Service) Subscribe(ctx context.Context, channel string) (*redis.PubSub, error) {
	res, err := s.execute("subscribe", func() (interface{}, error) {
		sub := s.client.Subscribe(ctx, channel)
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			return nil, err
		}
		return sub, nil
	})
	if err != nil {
		logging.Error(ctx, "Redis subscribe failed", zap.String("channel", channel), zap.Error(err))
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return res.(*redis.PubSub), nil
}
