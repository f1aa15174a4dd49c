package handler

import (
	"context"

	"github.com/d60-Lab/newsletter/internal/service"
)

// Pinger 检查下游依赖（数据库）是否可用
type Pinger func(ctx context.Context) error

// Handler 聚合所有 HTTP 处理器依赖
type Handler struct {
	publisher *service.Publisher
	ping      Pinger
}

func NewHandler(publisher *service.Publisher, ping Pinger) *Handler {
	return &Handler{publisher: publisher, ping: ping}
}
