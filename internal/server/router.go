package server

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/engine"
	"github.com/any-hub/asset-cache/internal/fetch"
	"github.com/any-hub/asset-cache/internal/logging"
)

// AppOptions 描述构建 Fiber 应用所需的依赖。
type AppOptions struct {
	Logger     *logrus.Logger
	Engine     *engine.Engine
	ListenPort int
}

const contextKeyRequestID = "_assetcache_request_id"

// NewApp 构建带请求 ID 中间件与资源读取路由的 Fiber 应用。
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	h := &assetHandler{engine: opts.Engine, logger: opts.Logger}
	app.Get("/assets", h.serve)
	app.Get("/assets/*", h.serve)

	return app, nil
}

// requestIDMiddleware 为每个请求生成 ID，并写入响应头 X-Request-ID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
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

// RequestContext 返回请求的 context，缺失时退回 Background。
func RequestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

type assetHandler struct {
	engine *engine.Engine
	logger *logrus.Logger
}

// serve 在响应期间持有一个引用：acquire → 写出字节 → release。
// 远程资源通过 ?path=https://... 传入，避免 URL 出现在路径段中被规范化。
func (h *assetHandler) serve(c fiber.Ctx) error {
	started := time.Now()
	assetPath := AssetPath(c)
	if assetPath == "" {
		return WriteError(c, fiber.StatusBadRequest, "path_required")
	}

	_, cached := h.engine.Find(assetPath)
	handle, err := h.engine.Acquire(RequestContext(c), assetPath)
	if err != nil {
		h.log(c, assetPath, cached, started, err)
		return WriteError(c, StatusForError(err), ErrorCode(err))
	}
	defer handle.Release()

	a := handle.Asset()
	if a.ContentType != "" {
		c.Set(fiber.HeaderContentType, a.ContentType)
	}
	c.Set(fetch.ChecksumHeader, a.Checksum)
	c.Set("X-Asset-Cache-Hit", strconv.FormatBool(cached))
	if len(a.Dependencies) > 0 {
		c.Set("X-Asset-Dependencies", strings.Join(a.Dependencies, ","))
	}
	h.log(c, assetPath, cached, started, nil)
	return c.Status(fiber.StatusOK).Send(a.Data)
}

func (h *assetHandler) log(c fiber.Ctx, assetPath string, cached bool, started time.Time, err error) {
	fields := logging.RequestFields(RequestID(c), c.Method(), assetPath, cached)
	fields["action"] = "serve_asset"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		h.logger.WithFields(fields).WithError(err).Warn("serve_failed")
		return
	}
	h.logger.WithFields(fields).Debug("serve_complete")
}

// AssetPath 优先读取 ?path= 查询参数，否则使用 /assets/ 之后的路径。
func AssetPath(c fiber.Ctx) string {
	if q := strings.TrimSpace(c.Query("path")); q != "" {
		return q
	}
	return strings.TrimSpace(c.Params("*"))
}
