// Package bus implements the pub/sub fabric that lets every gateway
// process observe events published by any other process in the fleet.
// A single Redis deployment backs the fabric; if Redis becomes
// unreachable the Service degrades gracefully rather than taking down
// the process that depends on it — a gateway instance still serves the
// sessions connected to it, it just stops seeing events from its peers.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/discordant/realtime-core/internal/logging"
	"github.com/discordant/realtime-core/internal/metrics"
	"github.com/discordant/realtime-core/internal/obs"
)

// Envelope is the wire format every message crossing the fabric is
// wrapped in. Topic identifies the logical destination (see the Topic*
// helpers below); SenderSessionID names the session that caused the
// event, so that session's own copy can be recognized as its echo and
// tagged with the nonce.
// Nonce, when set, is the client-supplied idempotence token from the
// frame that caused this event; it is only meaningful to the session
// named by SenderSessionID and is never shown to other recipients.
type Envelope struct {
	Topic           string          `json:"topic"`
	Event           string          `json:"event"`
	Payload         json.RawMessage `json:"payload"`
	SenderSessionID string          `json:"sender_session_id,omitempty"`
	Nonce           string          `json:"nonce,omitempty"`
}

// Topic naming conventions shared by every producer/consumer of the fabric.
func TopicChannel(channelID string) string  { return fmt.Sprintf("channel:%s", channelID) }
func TopicGuild(guildID string) string      { return fmt.Sprintf("guild:%s", guildID) }
func TopicUser(userID string) string        { return fmt.Sprintf("user:%s", userID) }
func TopicVoiceRoom(roomKey string) string  { return fmt.Sprintf("voice:room:%s", roomKey) }

// Service owns the Redis client used for pub/sub plus the distributed-set
// primitives the Presence and Voice coordinators use to track membership
// across processes.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client exposes the underlying Redis client for components (e.g.
// presence bulk lookups) that need raw commands the Service doesn't
// wrap. Safe to call on a nil Service.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService dials addr and verifies connectivity before returning.
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
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis_bus",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateClosed:
				v = 0
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.SetBreakerState("redis_bus", v)
		},
	}

	logging.Info(context.Background(), "connected to redis pub/sub fabric", zap.String("addr", logging.RedactURL(addr)))
	return &Service{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (s *Service) degraded(ctx context.Context, op string, err error) error {
	if err == gobreaker.ErrOpenState {
		metrics.BusOperations.WithLabelValues(op, "breaker_open").Inc()
		logging.Warn(ctx, "bus circuit breaker open, degrading gracefully", zap.String("op", op))
		return nil
	}
	metrics.BusOperations.WithLabelValues(op, "error").Inc()
	logging.Error(ctx, "bus operation failed", zap.String("op", op), zap.Error(err))
	return err
}

// Publish broadcasts payload under event to every process subscribed to
// topic. senderSessionID (optional) identifies the session that caused
// the event, so a subscriber can recognize its own echo; nonce (optional)
// is carried alongside it and is only meaningful to that same session.
func (s *Service) Publish(ctx context.Context, topic, event string, payload any, senderSessionID string, nonce string) error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, span := obs.Tracer("bus").Start(ctx, "bus.publish", trace.WithAttributes(
		attribute.String("topic", topic), attribute.String("event", event),
	))
	defer span.End()

	start := time.Now()
	_, err := s.cb.Execute(func() (interface{}, error) {
		inner, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		env := Envelope{Topic: topic, Event: event, Payload: inner, SenderSessionID: senderSessionID, Nonce: nonce}
		data, err := json.Marshal(env)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, topic, data).Err()
	})
	metrics.BusOperationDuration.WithLabelValues("publish").Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		return s.degraded(ctx, "publish", err)
	}
	metrics.BusOperations.WithLabelValues("publish", "ok").Inc()
	return nil
}

// Subscribe starts a background goroutine delivering every Envelope
// published on topic to handler, until ctx is cancelled. If wg is
// non-nil, Done is called when the goroutine exits so callers can await
// clean shutdown.
func (s *Service) Subscribe(ctx context.Context, topic string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}
	pubsub := s.client.Subscribe(ctx, topic)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}
		logging.Info(ctx, "subscribed to topic", zap.String("topic", topic))
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "subscription channel closed", zap.String("topic", topic))
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "failed to unmarshal bus message", zap.String("topic", topic), zap.Error(err))
					continue
				}
				_, span := obs.Tracer("bus").Start(ctx, "bus.deliver", trace.WithAttributes(
					attribute.String("topic", topic), attribute.String("event", env.Event),
				))
				handler(env)
				span.End()
			}
		}
	}()
}

// Ping checks Redis connectivity; used by the readiness handler.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil {
		return s.degraded(ctx, "ping", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// SetAdd adds member to the distributed set at key (e.g. a voice room's
// participant set, or a guild's online-member set).
func (s *Service) SetAdd(ctx context.Context, key, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		return s.degraded(ctx, "set_add", err)
	}
	return nil
}

// SetRem removes member from the distributed set at key.
func (s *Service) SetRem(ctx context.Context, key, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		return s.degraded(ctx, "set_rem", err)
	}
	return nil
}

// SetMembers lists every member of the distributed set at key. On a
// degraded breaker it returns an empty list rather than an error so
// callers can keep operating on local-only state.
func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			_ = s.degraded(ctx, "set_members", err)
			return nil, nil
		}
		return nil, s.degraded(ctx, "set_members", err)
	}
	return res.([]string), nil
}

// MGet pipelines a multi-key GET through the circuit breaker. Missing keys
// come back as nil entries; on an open breaker every entry is nil. The
// presence coordinator's bulk lookup calls the Redis client's MGet
// directly rather than this method.
func (s *Service) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	if s == nil || s.client == nil || len(keys) == 0 {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			_ = s.degraded(ctx, "mget", err)
			return make([]interface{}, len(keys)), nil
		}
		return nil, s.degraded(ctx, "mget", err)
	}
	return res.([]interface{}), nil
}
