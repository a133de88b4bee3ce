package main

import (
	"im-gateway/cmd/gateway/handlers"
	"im-gateway/cmd/gateway/handlers/httperr"
	"im-gateway/cmd/gateway/handlers/ws"
	"im-gateway/cmd/gateway/middlewares"
	"im-gateway/internal/clients/redisdir"
	"im-gateway/internal/config"
	"im-gateway/internal/gateway"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
)

// setupRouter configures one Fiber app. Every listening port gets its own
// app, all sharing the session fabric and the metrics registry.
func setupRouter(
	cfg config.Config,
	registry *gateway.Registry,
	metrics *gateway.Metrics,
	httpMetrics *middlewares.HTTPMetrics,
	directory *redisdir.Client,
	wsHandlers *ws.Handlers,
) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          httperr.Handler,
		Immutable:             true, // make Fiber copy all request-derived strings
		DisableStartupMessage: true,
	})

	app.Use(recover.New())

	if cfg.RouteMetricsEnabled {
		middlewares.AttachMetrics(app, httpMetrics, metrics.Registry)
	}

	// Health check endpoint, outside the websocket path to appease scanners
	// and to avoid logging.
	app.Get("/healthz", handlers.Healthz(cfg.BrokerID, registry, directory))

	jwtMiddleware := middlewares.JWT(cfg)
	app.Get(cfg.Websocket.Path, jwtMiddleware, wsHandlers.Upgrade, websocket.New(wsHandlers.Serve))

	return app
}
