package model

import "time"

// HeaderPair 一个响应头；值保持原始字节
type HeaderPair struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// HeaderPairs 有序响应头列表，经 gorm json serializer 落库
type HeaderPairs []HeaderPair

// IdempotencyRecord 缓存 (user_id, idempotency_key) 的一次发布结果。
// 响应字段为空表示处理中；随发布事务一起提交后即为完成态。
type IdempotencyRecord struct {
	UserID             string      `gorm:"primaryKey;type:varchar(36)"`
	IdempotencyKey     string      `gorm:"primaryKey;type:varchar(64)"`
	ResponseStatusCode *int        `gorm:"column:response_status_code"`
	ResponseHeaders    HeaderPairs `gorm:"column:response_headers;serializer:json"`
	ResponseBody       []byte      `gorm:"column:response_body"`
	CreatedAt          time.Time   `gorm:"not null;index"`
}

func (IdempotencyRecord) TableName() string { return "idempotency" }

// Completed 是否已保存响应
func (r *IdempotencyRecord) Completed() bool {
	return r.ResponseStatusCode != nil
}

// SavedResponse 可原样回放的 HTTP 响应
type SavedResponse struct {
	StatusCode int
	Headers    HeaderPairs
	Body       []byte
}

// Header 返回第一个同名响应头的值
func (r *SavedResponse) Header(name string) (string, bool) {
	for _, h := range r.Headers {
		if h.Name == name {
			return string(h.Value), true
		}
	}
	return "", false
}
