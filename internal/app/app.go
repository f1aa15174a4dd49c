// Package app builds the long-lived components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsletter/config"
	"github.com/d60-Lab/newsletter/internal/api"
	"github.com/d60-Lab/newsletter/internal/api/handler"
	"github.com/d60-Lab/newsletter/internal/cache"
	"github.com/d60-Lab/newsletter/internal/email"
	"github.com/d60-Lab/newsletter/internal/repository"
	"github.com/d60-Lab/newsletter/internal/service"
	"github.com/d60-Lab/newsletter/pkg/database"
	"github.com/d60-Lab/newsletter/pkg/logger"
	"github.com/d60-Lab/newsletter/pkg/tracing"
)

// App 持有进程内共享的连接与服务
type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Publisher *service.Publisher
	Worker    *service.DeliveryWorker
	Sweeper   *service.RetentionSweeper

	closers []func(context.Context) error
}

// New 打开数据库、可选的 redis、邮件通道，并组装服务
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN, Environment: cfg.Sentry.Environment}); err != nil {
			return nil, fmt.Errorf("init sentry: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			sentry.Flush(2 * time.Second)
			return nil
		})
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, shutdownTracing)

	db, err := database.InitDB(cfg)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, func(context.Context) error { return database.Close(db) })

	var issueCache *cache.IssueCache
	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func(context.Context) error { return a.Redis.Close() })
		issueCache = cache.NewIssueCache(a.Redis, cfg.Redis.IssueTTL)
	}

	sender, err := NewSender(ctx, cfg.Email)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	var limiter *rate.Limiter
	if cfg.Worker.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Worker.SendRatePerSec), 1)
	}

	issues := repository.NewIssueRepository(db)
	queue := repository.NewDeliveryQueueRepository(db)
	idem := repository.NewIdempotencyRepository(db)

	a.Publisher = service.NewPublisher(db, issues, queue, idem)
	a.Worker = service.NewDeliveryWorker(db, queue, issues, sender, workerOptions(cfg, limiter, issueCache))
	a.Sweeper = service.NewRetentionSweeper(db, idem, cfg.Idempotency.Retention, cfg.Idempotency.SweepSchedule)

	logger.Info("application initialised",
		zap.String("db_driver", cfg.Database.Driver),
		zap.String("email_provider", cfg.Email.Provider),
		zap.Bool("issue_cache", issueCache != nil),
	)
	return a, nil
}

// workerOptions 把配置映射为 worker 参数。
// 重试退避发生在认领事务内；sqlite 只有一个连接，退避期间发布与健康检查都会被挡住，所以只发一次。
func workerOptions(cfg *config.Config, limiter *rate.Limiter, issueCache *cache.IssueCache) service.WorkerOptions {
	attempts := cfg.Worker.MaxSendAttempts
	if cfg.Database.Driver == "sqlite" && attempts > 1 {
		logger.Warn("sqlite uses a single connection, disabling in-transaction send retries",
			zap.Int("configured_max_send_attempts", attempts))
		attempts = 1
	}
	return service.WorkerOptions{
		Workers:         cfg.Worker.Count,
		IdleBackoff:     cfg.Worker.IdleBackoff,
		ErrorBackoff:    cfg.Worker.ErrorBackoff,
		MaxSendAttempts: attempts,
		RetryBaseDelay:  cfg.Worker.RetryBaseDelay,
		Limiter:         limiter,
		Cache:           issueCache,
	}
}

// Router 构建 HTTP 路由
func (a *App) Router() *gin.Engine {
	serviceName := ""
	if a.Config.Tracing.Enabled {
		serviceName = a.Config.Tracing.ServiceName
	}
	h := handler.NewHandler(a.Publisher, func(ctx context.Context) error { return database.Ping(ctx, a.DB) })
	return api.NewRouter(h, api.RouterOptions{
		Mode:        a.Config.Server.Mode,
		JWTSecret:   a.Config.JWT.Secret,
		JWTIssuer:   a.Config.JWT.Issuer,
		ServiceName: serviceName,
		Swagger:     a.Config.Server.Mode != gin.ReleaseMode,
	})
}

// Close 逆序释放资源
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewSender 按 provider 选择邮件通道
func NewSender(ctx context.Context, cfg config.EmailConfig) (email.Sender, error) {
	switch cfg.Provider {
	case "postmark":
		return email.NewPostmarkClient(cfg.BaseURL, cfg.Sender, cfg.AuthorizationToken, cfg.Timeout), nil
	case "ses":
		s, err := email.NewSESSender(ctx, cfg.SESRegion, cfg.Sender)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "log":
		return email.LogSender{}, nil
	default:
		return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
	}
}
