package mail

import (
	"context"

	"github.com/bottomline/reportcache/logger"
)

// LogSender writes messages to a logger instead of sending them. It is used
// in development and when no SMTP relay is configured.
type LogSender struct {
	logger logger.Logger
}

var _ Sender = (*LogSender)(nil)

func NewLogSender(log logger.Logger) *LogSender {
	return &LogSender{logger: log.WithPrefix("[mail:log]")}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.With(map[string]interface{}{"to": msg.To, "subject": msg.Subject}).Info("email not sent, no relay configured:\n%s", msg.Text)
	return nil
}
