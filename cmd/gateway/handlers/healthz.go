package handlers

import (
	"context"
	"time"

	"im-gateway/internal/gateway"

	"github.com/gofiber/fiber/v2"
)

const HealthzTimeout = 5 * time.Second

// Pinger is the directory connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Healthz reports node liveness. The directory is an optimization, not a
// dependency, so a failing Redis degrades the report without failing the
// probe; orchestrators should only recycle the pod when the process itself
// is wedged.
func Healthz(brokerID string, registry *gateway.Registry, dir Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), HealthzTimeout)
		defer cancel()

		directory := "ok"
		if err := dir.Ping(ctx); err != nil {
			directory = "down"
		}

		return c.JSON(fiber.Map{
			"status":    "ok",
			"broker_id": brokerID,
			"sessions":  registry.Len(),
			"directory": directory,
		})
	}
}
