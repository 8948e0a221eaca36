package middleware

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"sitepulse/internal/projects"
)

// ProjectLocalsKey is the fiber locals key holding the resolved *projects.Project.
const ProjectLocalsKey = "project"

// ProjectFilter resolves the :domain route parameter to a registered project
// and stores it in the request locals.
func ProjectFilter(db *gorm.DB, logger *slog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		domain := c.Params("domain")

		project, err := projects.FindProjectByDomain(db, domain)
		if err != nil {
			var notFound *projects.NotFoundError
			if errors.As(err, &notFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"error": "Project not found",
				})
			}
			logger.Error("Failed to resolve project", slog.String("domain", domain), slog.Any("error", err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to resolve project",
			})
		}

		c.Locals(ProjectLocalsKey, project)
		logger.Debug("Applied project filter", slog.Uint64("project_id", uint64(project.ID)))
		return c.Next()
	}
}
