package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/dispatcher"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
	"github.com/JakeFAU/crawlwatch/internal/queue/memory"
)

// Message is a rendered notification.
type Message struct {
	Subject string           `json:"subject"`
	Content jobstats.Content `json:"content"`
}

// LogSender writes notifications to the structured log. It is the default
// sender when no delivery backend is configured.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the subject and the JSON content.
func (s *LogSender) Send(_ context.Context, subject string, content jobstats.Content) error {
	body, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	s.logger.Info("notification", zap.String("subject", subject), zap.ByteString("content", body))
	return nil
}

// AsyncSender decouples callers from a slow Sender with a bounded queue
// drained by a worker pool. Send never blocks.
type AsyncSender struct {
	next   jobstats.Sender
	queue  *memory.Queue[Message]
	pool   *dispatcher.Dispatcher[Message]
	logger *zap.Logger
}

// NewAsyncSender wraps next. Call Run to start delivering.
func NewAsyncSender(next jobstats.Sender, depth, workers int, logger *zap.Logger) *AsyncSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSender{
		next:   next,
		queue:  memory.NewQueue[Message](depth),
		logger: logger,
	}
	s.pool = dispatcher.New[Message](s.queue, s.deliver, workers, logger)
	return s
}

// Send enqueues the message. A full queue drops it.
func (s *AsyncSender) Send(_ context.Context, subject string, content jobstats.Content) error {
	if err := s.pool.Submit(Message{Subject: subject, Content: content}); err != nil {
		metrics.ObserveNotification("dropped")
		s.logger.Warn("notification dropped", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("submit notification: %w", err)
	}
	return nil
}

// Run delivers queued messages until ctx ends or Close drains the queue.
func (s *AsyncSender) Run(ctx context.Context) {
	s.pool.Run(ctx)
}

// Close stops accepting messages; queued ones are still delivered by Run.
func (s *AsyncSender) Close() {
	s.queue.Close()
}

func (s *AsyncSender) deliver(ctx context.Context, msg Message) {
	if err := s.next.Send(ctx, msg.Subject, msg.Content); err != nil {
		metrics.ObserveNotification("error")
		s.logger.Error("notification delivery failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
