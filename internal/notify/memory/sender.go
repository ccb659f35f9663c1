// Package memory contains an in-memory notification sender for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/notify"
)

// Sender stores sent notifications for inspection.
type Sender struct {
	mu       sync.RWMutex
	messages []notify.Message
}

// New returns a memory Sender.
func New() *Sender {
	return &Sender{}
}

// Send records the notification.
func (s *Sender) Send(_ context.Context, subject string, content jobstats.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, notify.Message{Subject: subject, Content: content})
	return nil
}

// Messages returns the recorded notifications.
func (s *Sender) Messages() []notify.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Message, len(s.messages))
	copy(out, s.messages)
	return out
}
