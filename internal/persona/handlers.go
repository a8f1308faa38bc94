package persona

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/response"
)

// Handler provides read-only HTTP endpoints for personas.
type Handler struct {
	service *Service
}

// NewHandler creates a new persona handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the authenticated persona routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/projects", h.List)
	r.GET("/projects/:id", h.Get)
}

// List handles GET /projects
func (h *Handler) List(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	personas, err := h.service.ListByUser(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, response.CodeInternal, "failed to list projects")
		return
	}
	response.OK(c, personas)
}

// Get handles GET /projects/:id
func (h *Handler) Get(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid project id")
		return
	}
	p, err := h.service.GetOwned(c.Request.Context(), userID, id)
	if err != nil {
		switch err {
		case ErrNotFound, ErrForbidden:
			response.Error(c, response.CodeNotFound, "project not found")
		default:
			response.Error(c, response.CodeInternal, "failed to read project")
		}
		return
	}
	response.OK(c, p)
}
