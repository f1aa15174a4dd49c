package email

import (
	"context"

	"go.uber.org/zap"

	"github.com/d60-Lab/newsletter/pkg/logger"
)

// LogSender only logs outgoing mail. Used for local runs.
type LogSender struct{}

func (LogSender) Send(_ context.Context, recipient, subject, htmlBody, textBody string) error {
	logger.Info("email sent to log",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.Int("html_bytes", len(htmlBody)),
		zap.Int("text_bytes", len(textBody)),
	)
	return nil
}
