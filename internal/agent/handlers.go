package agent

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/response"
)

// Handler provides read-only HTTP endpoints for agents.
type Handler struct {
	service *Service
}

// NewHandler creates a new agent handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the agent routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/agents", h.List)
	r.GET("/agents/:id", h.Get)
}

// List handles GET /agents
func (h *Handler) List(c *gin.Context) {
	agents, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, response.CodeInternal, "failed to list agents")
		return
	}
	response.OK(c, agents)
}

// Get handles GET /agents/:id
func (h *Handler) Get(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid agent id")
		return
	}
	a, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if err == ErrNotFound {
			response.Error(c, response.CodeNotFound, "agent not found")
			return
		}
		response.Error(c, response.CodeInternal, "failed to read agent")
		return
	}
	response.OK(c, a)
}
