package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
	"github.com/JakeFAU/crawlwatch/internal/metrics"
)

// Dispatcher renders notices and hands them to a Sender inside working hours.
type Dispatcher struct {
	sender jobstats.Sender
	hours  WorkingHours
	logger *zap.Logger
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(sender jobstats.Sender, hours WorkingHours, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{sender: sender, hours: hours, logger: logger}
}

// Dispatch submits the notice and reports whether it was handed to the sender.
// Outside working hours nothing is sent. Send failures are logged, never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, n Notice) bool {
	log := d.logger.With(zap.String("job_key", n.Key.String()), zap.String("flag", n.Flag))
	if !d.hours.Allows(n.Now) {
		metrics.ObserveNotification("suppressed")
		log.Info("notification suppressed outside working hours")
		return false
	}
	subject := Subject(n)
	if err := d.sender.Send(ctx, subject, BuildContent(n)); err != nil {
		metrics.ObserveNotification("error")
		log.Error("failed to send notification", zap.String("subject", subject), zap.Error(err))
		return false
	}
	metrics.ObserveNotification("sent")
	log.Info("sending notification", zap.String("subject", subject))
	return true
}
