// Package email sends newsletter issues through Postmark, Amazon SES or the log.
package email

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sender 发送一封邮件；recipient 已经过校验
type Sender interface {
	Send(ctx context.Context, recipient, subject, htmlBody, textBody string) error
}

// SendError is a failed delivery attempt reported by a provider.
type SendError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// IsTransient reports whether retrying the same send may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
