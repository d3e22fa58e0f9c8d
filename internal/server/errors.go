package server

import (
	"github.com/gofiber/fiber/v3"

	"github.com/proxycad/proxycad/internal/failure"
)

// StatusClientClosedRequest 沿用 nginx 的 499 表示客户端取消。
const StatusClientClosedRequest = 499

// StatusFor 把错误类别映射为 HTTP 状态码。
func StatusFor(kind failure.Kind) int {
	switch kind {
	case failure.UnresolvableSource:
		return fiber.StatusNotFound
	case failure.UnsupportedFormat:
		return fiber.StatusUnsupportedMediaType
	case failure.IncompatibleTarget, failure.InvalidResamplingMethod:
		return fiber.StatusBadRequest
	case failure.Timeout:
		return fiber.StatusGatewayTimeout
	case failure.Cancelled:
		return StatusClientClosedRequest
	case failure.EngineExecutionError:
		return fiber.StatusBadGateway
	default:
		return fiber.StatusInternalServerError
	}
}
