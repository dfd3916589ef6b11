package server

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/imgcache/internal/config"
	"github.com/any-hub/imgcache/internal/source"
)

// SourceResolver 将引用解析为 SourceReference，测试中可注入假实现。
type SourceResolver interface {
	Resolve(ref source.Reference) (*source.SourceReference, error)
}

// LocalCopier 保证 SourceReference 在本地存在有效副本，cacheHit 表示本次没有发生传输。
type LocalCopier interface {
	EnsureLocalCopyStatus(ctx context.Context, ref *source.SourceReference) (localPath string, cacheHit bool, err error)
}

// AppOptions controls how the Fiber application resolves and serves sources.
type AppOptions struct {
	Logger   *logrus.Logger
	Config   *config.Config
	Resolver SourceResolver
	Fetcher  LocalCopier
	Volumes  *VolumeSet
}

const contextKeyRequestID = "_imgcache_request_id"

// NewApp builds a Fiber application exposing the /-/resolve endpoint with
// request-id middleware and structured error handling. Diagnostics routes are
// registered separately by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("source resolver is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	handler := &sourceHandler{
		logger:   opts.Logger,
		global:   opts.Config.Global,
		resolver: opts.Resolver,
		fetcher:  opts.Fetcher,
		volumes:  opts.Volumes,
	}
	app.Get("/-/resolve", handler.Handle)
	app.Head("/-/resolve", handler.Handle)

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID 并回写到响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := strings.TrimSpace(c.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
