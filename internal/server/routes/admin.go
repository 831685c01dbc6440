package routes

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/engine"
	"github.com/any-hub/asset-cache/internal/loader"
	"github.com/any-hub/asset-cache/internal/registry"
	"github.com/any-hub/asset-cache/internal/release"
	"github.com/any-hub/asset-cache/internal/server"
)

// RegisterAdminRoutes 暴露 /-/ 下的引用管理、预加载与诊断接口，供宿主进程与 SRE 使用。
func RegisterAdminRoutes(app *fiber.App, eng *engine.Engine, logger logrus.FieldLogger) {
	if app == nil || eng == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	h := &adminHandler{engine: eng, logger: logger}

	app.Post("/-/acquire", h.acquire)
	app.Post("/-/release", h.release)
	app.Post("/-/evict", h.evict)
	app.Post("/-/preload", h.preload)
	app.Put("/-/strategy", h.strategy)
	app.Post("/-/clear", h.clear)
	app.Get("/-/stats", h.stats)
	app.Get("/-/assets", h.entries)
	app.Get("/-/assets/info", h.info)
	app.Get("/-/version", h.version)
	app.Delete("/-/version", h.clearVersions)
}

type adminHandler struct {
	engine *engine.Engine
	logger logrus.FieldLogger
}

type preloadRequest struct {
	Paths    []string `json:"paths"`
	Priority string   `json:"priority"`
}

type preloadResponse struct {
	Requested int               `json:"requested"`
	Failed    map[string]string `json:"failed,omitempty"`
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
	Delay    string `json:"delay"`
}

type strategyResponse struct {
	Strategy    release.Strategy `json:"strategy"`
	DelayMillis int64            `json:"delay_ms"`
}

type clearResponse struct {
	Removed []registry.Entry `json:"removed"`
}

// acquire 为宿主持有一个引用，宿主稍后需调用 /-/release 归还。
func (h *adminHandler) acquire(c fiber.Ctx) error {
	path := queryPath(c)
	if path == "" {
		return server.WriteError(c, fiber.StatusBadRequest, "path_required")
	}
	if _, err := h.engine.Acquire(server.RequestContext(c), path); err != nil {
		h.logFailure(c, "acquire", path, err)
		return server.WriteError(c, server.StatusForError(err), server.ErrorCode(err))
	}
	info, _ := h.engine.Info(path)
	return c.JSON(info)
}

func (h *adminHandler) release(c fiber.Ctx) error {
	path := queryPath(c)
	if path == "" {
		return server.WriteError(c, fiber.StatusBadRequest, "path_required")
	}
	force, err := queryBool(c, "force")
	if err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_force")
	}
	h.engine.Release(path, force)
	return c.SendStatus(fiber.StatusNoContent)
}

// evict 取消延迟任务并无视引用计数立即回收。
func (h *adminHandler) evict(c fiber.Ctx) error {
	path := queryPath(c)
	if path == "" {
		return server.WriteError(c, fiber.StatusBadRequest, "path_required")
	}
	if !h.engine.ForceRelease(path) {
		return server.WriteError(c, fiber.StatusNotFound, "asset_not_cached")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *adminHandler) preload(c fiber.Ctx) error {
	var req preloadRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
	}
	priority, err := asset.ParsePriority(req.Priority)
	if err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_priority")
	}
	paths := make([]string, 0, len(req.Paths))
	for _, p := range req.Paths {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			paths = append(paths, trimmed)
		}
	}
	if len(paths) == 0 {
		return server.WriteError(c, fiber.StatusBadRequest, "paths_required")
	}

	resp := preloadResponse{Requested: len(paths)}
	err = h.engine.Preload(server.RequestContext(c), paths, priority)
	var perr *loader.PreloadError
	switch {
	case err == nil:
		return c.JSON(resp)
	case errors.As(err, &perr):
		resp.Failed = make(map[string]string, len(perr.Failures))
		for p, cause := range perr.Failures {
			resp.Failed[p] = cause.Error()
		}
		return c.Status(fiber.StatusMultiStatus).JSON(resp)
	default:
		h.logFailure(c, "preload", "", err)
		return server.WriteError(c, fiber.StatusInternalServerError, "preload_failed")
	}
}

func (h *adminHandler) strategy(c fiber.Ctx) error {
	var req strategyRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_body")
	}
	strategy, err := release.ParseStrategy(req.Strategy)
	if err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_strategy")
	}
	var delay time.Duration
	if strings.TrimSpace(req.Delay) != "" {
		delay, err = time.ParseDuration(strings.TrimSpace(req.Delay))
		if err != nil || delay < 0 {
			return server.WriteError(c, fiber.StatusBadRequest, "invalid_delay")
		}
	}
	h.engine.SetStrategy(strategy, delay)

	stats := h.engine.Stats().Release
	return c.JSON(strategyResponse{Strategy: stats.Strategy, DelayMillis: stats.DelayMillis})
}

func (h *adminHandler) clear(c fiber.Ctx) error {
	force, err := queryBool(c, "force")
	if err != nil {
		return server.WriteError(c, fiber.StatusBadRequest, "invalid_force")
	}
	removed := h.engine.Clear(force)
	if removed == nil {
		removed = []registry.Entry{}
	}
	return c.JSON(clearResponse{Removed: removed})
}

func (h *adminHandler) stats(c fiber.Ctx) error {
	return c.JSON(h.engine.Stats())
}

func (h *adminHandler) entries(c fiber.Ctx) error {
	entries := h.engine.Entries()
	if entries == nil {
		entries = []registry.Entry{}
	}
	return c.JSON(fiber.Map{"assets": entries})
}

func (h *adminHandler) info(c fiber.Ctx) error {
	path := queryPath(c)
	if path == "" {
		return server.WriteError(c, fiber.StatusBadRequest, "path_required")
	}
	info, ok := h.engine.Info(path)
	if !ok {
		return server.WriteError(c, fiber.StatusNotFound, "asset_not_cached")
	}
	return c.JSON(info)
}

func (h *adminHandler) version(c fiber.Ctx) error {
	path := queryPath(c)
	if path == "" {
		return server.WriteError(c, fiber.StatusBadRequest, "path_required")
	}
	if !h.engine.VersionCheckEnabled() {
		return server.WriteError(c, fiber.StatusNotFound, "version_check_disabled")
	}
	return c.JSON(h.engine.CheckVersion(server.RequestContext(c), path))
}

func (h *adminHandler) clearVersions(c fiber.Ctx) error {
	h.engine.ClearVersionCache()
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *adminHandler) logFailure(c fiber.Ctx, action, path string, err error) {
	h.logger.WithFields(logrus.Fields{
		"action":     action,
		"path":       path,
		"request_id": server.RequestID(c),
	}).WithError(err).Warn("admin request failed")
}

func queryPath(c fiber.Ctx) string {
	return strings.TrimSpace(c.Query("path"))
}

func queryBool(c fiber.Ctx, key string) (bool, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
