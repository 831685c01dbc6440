package server

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/asset-cache/internal/asset"
	"github.com/any-hub/asset-cache/internal/cache"
	"github.com/any-hub/asset-cache/internal/fetch"
)

// StatusForError 将缓存错误映射为 HTTP 状态码。
func StatusForError(err error) int {
	var status *fetch.StatusError
	switch {
	case errors.Is(err, asset.ErrInvalidPath):
		return fiber.StatusBadRequest
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, asset.ErrNotCached):
		return fiber.StatusNotFound
	case errors.As(err, &status) && status.StatusCode == http.StatusNotFound:
		return fiber.StatusNotFound
	case errors.As(err, new(*asset.LoadFailure)):
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}

// ErrorCode 返回写入响应体的错误码。
func ErrorCode(err error) string {
	switch StatusForError(err) {
	case fiber.StatusBadRequest:
		return "invalid_path"
	case fiber.StatusNotFound:
		return "asset_not_found"
	case fiber.StatusBadGateway:
		return "asset_load_failed"
	default:
		return "internal_error"
	}
}

// WriteError 输出统一的 {"error": code} 响应。
func WriteError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
