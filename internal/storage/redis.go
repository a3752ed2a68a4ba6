package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rjboer/tracecap/internal/acquire"
	"github.com/rjboer/tracecap/internal/logging"
)

// RedisConfig selects the server and where captures are published.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	ListKey  string
	ListCap  int64
	// IncludeSamples embeds the rescaled samples in each message. Full
	// memory depth makes messages large.
	IncludeSamples bool
}

// DefaultRedisConfig publishes on "tracecap:captures" and keeps the last 1000.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:    "localhost:6379",
		Channel: "tracecap:captures",
		ListKey: "tracecap:captures:recent",
		ListCap: 1000,
	}
}

// redisClient is the subset of *redis.Client the store uses.
type redisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

// RedisStore publishes captures over Redis Pub/Sub and keeps a capped list of
// recent messages.
type RedisStore struct {
	client redisClient
	cfg    RedisConfig
	log    logging.Logger
}

type traceMessage struct {
	Channel    string    `json:"channel"`
	Start      int       `json:"start"`
	Points     int       `json:"points"`
	YIncrement float64   `json:"yIncrement"`
	YOrigin    float64   `json:"yOrigin"`
	YReference float64   `json:"yReference"`
	Samples    []float64 `json:"samples,omitempty"`
}

type captureMessage struct {
	Index   int            `json:"index"`
	ID      string         `json:"id"`
	Payload string         `json:"payload"`
	Trigger int            `json:"trigger"`
	Time    time.Time      `json:"time"`
	Traces  []traceMessage `json:"traces"`
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig, log logging.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return newRedisStore(client, cfg, log), nil
}

func newRedisStore(client redisClient, cfg RedisConfig, log logging.Logger) *RedisStore {
	if log == nil {
		log = logging.Default()
	}
	return &RedisStore{
		client: client,
		cfg:    cfg,
		log:    log.With(logging.Field{Key: "subsystem", Value: "redis"}),
	}
}

func (s *RedisStore) encode(c acquire.Capture) ([]byte, error) {
	msg := captureMessage{
		Index:   c.Index,
		ID:      c.ID,
		Payload: c.Payload,
		Trigger: c.Trigger,
		Time:    c.Time,
		Traces:  make([]traceMessage, 0, len(c.Traces)),
	}
	for _, tr := range c.Traces {
		tm := traceMessage{
			Channel:    tr.Channel,
			Start:      tr.Start,
			Points:     len(tr.Samples),
			YIncrement: tr.Preamble.YIncrement,
			YOrigin:    tr.Preamble.YOrigin,
			YReference: tr.Preamble.YReference,
		}
		if s.cfg.IncludeSamples {
			tm.Samples = tr.Samples
		}
		msg.Traces = append(msg.Traces, tm)
	}
	return json.Marshal(msg)
}

// Save publishes the capture. A failure to update the recent list is logged
// and does not fail the save.
func (s *RedisStore) Save(ctx context.Context, c acquire.Capture) error {
	data, err := s.encode(c)
	if err != nil {
		return fmt.Errorf("encode capture %d: %w", c.Index, err)
	}
	if err := s.client.Publish(ctx, s.cfg.Channel, data).Err(); err != nil {
		return fmt.Errorf("publish capture %d: %w", c.Index, err)
	}
	if s.cfg.ListKey == "" {
		return nil
	}
	if err := s.client.LPush(ctx, s.cfg.ListKey, data).Err(); err != nil {
		s.log.Warn("recent list push failed", logging.Field{Key: "error", Value: err})
		return nil
	}
	if s.cfg.ListCap > 0 {
		if err := s.client.LTrim(ctx, s.cfg.ListKey, 0, s.cfg.ListCap-1).Err(); err != nil {
			s.log.Warn("recent list trim failed", logging.Field{Key: "error", Value: err})
		}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
