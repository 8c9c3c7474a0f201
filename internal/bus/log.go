package bus

import (
	"context"

	"go.uber.org/zap"
)

// Log writes messages to the logger instead of a broker. Used in development.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging publisher.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Publish(_ context.Context, msg Message) error {
	l.logger.Info("bus message",
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("value", msg.Value),
		zap.Any("headers", msg.Headers))
	return nil
}

func (l *Log) Close() error { return nil }
