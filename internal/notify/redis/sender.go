// Package redis delivers notifications to a Redis stream consumed by a mailer.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// DefaultStream is used when no stream name is configured.
const DefaultStream = "crawlwatch:notifications"

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream length; zero leaves it unbounded.
	MaxLen int64
}

// Connect opens a client and verifies it with PING.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Sender appends notifications to a stream with XADD.
type Sender struct {
	client *redis.Client
	stream string
	maxLen int64
}

// New builds a Sender over an existing client.
func New(client *redis.Client, cfg Config) (*Sender, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &Sender{client: client, stream: stream, maxLen: cfg.MaxLen}, nil
}

// Send adds one entry with "subject" and JSON "content" fields.
func (s *Sender) Send(ctx context.Context, subject string, content jobstats.Content) error {
	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"subject": subject,
			"content": string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish to stream: %w", err)
	}
	return nil
}
