package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"squiggy-backend/internal/model"
	"squiggy-backend/internal/registry"
	"squiggy-backend/internal/whiteboard"
)

// WhiteboardHandler serves whiteboard reads over REST: the canonical canvas
// a client loads before joining the socket, and the current room members.
type WhiteboardHandler struct {
	db       *gorm.DB
	engine   *whiteboard.Engine
	registry *registry.Registry
}

// NewWhiteboardHandler creates a WhiteboardHandler
func NewWhiteboardHandler(db *gorm.DB, engine *whiteboard.Engine, reg *registry.Registry) *WhiteboardHandler {
	return &WhiteboardHandler{db: db, engine: engine, registry: reg}
}

// GetElements returns the canonical element set of a whiteboard
func (h *WhiteboardHandler) GetElements(c *fiber.Ctx) error {
	whiteboardID, err := c.ParamsInt("id")
	if err != nil || whiteboardID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid whiteboard id"})
	}

	var board model.Whiteboard
	if err := h.db.Where("id = ? AND deleted = ?", whiteboardID, false).First(&board).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "whiteboard not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "database error"})
	}

	elements, err := h.engine.Elements(c.Context(), int64(whiteboardID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch elements"})
	}

	return c.JSON(fiber.Map{
		"whiteboard": board,
		"elements":   elements,
	})
}

// GetSessions returns the users currently connected to a whiteboard
func (h *WhiteboardHandler) GetSessions(c *fiber.Ctx) error {
	whiteboardID, err := c.ParamsInt("id")
	if err != nil || whiteboardID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid whiteboard id"})
	}

	members, err := h.registry.MembersOf(c.Context(), int64(whiteboardID))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "failed to fetch sessions"})
	}

	seen := make(map[int64]bool)
	userIDs := make([]int64, 0, len(members))
	for _, m := range members {
		if !seen[m.UserID] {
			seen[m.UserID] = true
			userIDs = append(userIDs, m.UserID)
		}
	}

	return c.JSON(fiber.Map{
		"connectionCount": len(members),
		"userIds":         userIDs,
	})
}
