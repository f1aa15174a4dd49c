package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// 订阅状态；确认流程本身不在本服务内
const (
	SubscriptionStatusPending   = "pending_confirmation"
	SubscriptionStatusConfirmed = "confirmed"
)

var ErrInvalidSubscriberEmail = errors.New("invalid subscriber email")

var validate = validator.New()

// Subscription 订阅者；仅 status=confirmed 的地址参与扇出
type Subscription struct {
	ID           string    `gorm:"primaryKey;type:varchar(36)"`
	Email        string    `gorm:"type:varchar(320);uniqueIndex;not null"`
	Name         string    `gorm:"type:varchar(256);not null"`
	Status       string    `gorm:"type:varchar(32);index;not null"`
	SubscribedAt time.Time `gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// ParseSubscriberEmail 校验入队时未校验过的收件地址
func ParseSubscriberEmail(s string) (string, error) {
	s = strings.TrimSpace(s)
	if err := validate.Var(s, "required,email"); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidSubscriberEmail, s)
	}
	return s, nil
}
