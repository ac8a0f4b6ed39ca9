package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogDeliverer writes alerts to the structured log.
type LogDeliverer struct {
	logger *zap.Logger
}

// NewLogDeliverer returns a deliverer logging at info level.
func NewLogDeliverer(logger *zap.Logger) *LogDeliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDeliverer{logger: logger.Named("alerts")}
}

// Deliver logs the alert.
func (l *LogDeliverer) Deliver(_ context.Context, title, body string) error {
	l.logger.Info(title, zap.String("body", body))
	return nil
}
