package server

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DatasetHandler 负责 /datasets 下的取数与计划查询，测试中可注入假实现。
type DatasetHandler interface {
	Serve(c fiber.Ctx, source string) error
	Explain(c fiber.Ctx, source string) error
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger     *logrus.Logger
	Datasets   DatasetHandler
	ListenPort int
}

const (
	contextKeyRequestID = "_proxycad_request_id"
	planSuffix          = "/plan"
)

// NewApp builds a Fiber application with request ID/recover middleware,
// JSON error rendering and the /datasets routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Datasets == nil {
		return nil, errors.New("dataset handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		ErrorHandler:  errorHandler(opts.Logger),
	})

	app.Use(requestContextMiddleware())
	app.Use(recover.New())

	app.Get("/datasets/*", func(c fiber.Ctx) error {
		source, err := url.PathUnescape(c.Params("*"))
		if err != nil || strings.Trim(source, "/") == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "source_required"})
		}
		if trimmed, ok := strings.CutSuffix(source, planSuffix); ok && trimmed != "" {
			return opts.Datasets.Explain(c, trimmed)
		}
		return opts.Datasets.Serve(c, source)
	})

	return app, nil
}

// requestContextMiddleware 为每个请求生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// errorHandler 把未被处理的错误（未匹配路由、panic）渲染为 JSON。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}
		if code >= fiber.StatusInternalServerError {
			logger.WithFields(logrus.Fields{
				"action":     "http",
				"path":       c.Path(),
				"request_id": RequestID(c),
			}).WithError(err).Error("request_failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": errorCode(code)})
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

func errorCode(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusBadRequest:
		return "bad_request"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_error"
	}
	return "request_failed"
}
