package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/http-replicator/replicator/internal/cache"
)

// RegisterEntryRoutes 暴露 /-/entries 诊断接口，列出正在被读写的缓存条目。
func RegisterEntryRoutes(app *fiber.App, manager *cache.Manager) {
	if app == nil || manager == nil {
		return
	}

	app.Get("/-/entries", func(c fiber.Ctx) error {
		entries := manager.Snapshot()
		return c.JSON(fiber.Map{
			"entries": entries,
			"count":   len(entries),
		})
	})

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
}
