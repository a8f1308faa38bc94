package chat

import (
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/auth"
	"github.com/emberai/huoyuan/internal/response"
	"github.com/emberai/huoyuan/internal/validation"
)

// Handler provides the chat HTTP endpoint.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new chat handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up the chat routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/chat", h.Chat)
}

// Chat handles POST /chat and streams the reply as SSE frames.
func (h *Handler) Chat(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, response.CodeInvalidRequest, "agentId and content are required")
		return
	}
	if utf8.RuneCountInString(req.Content) > validation.MaxMessageLength {
		response.Error(c, response.CodeInvalidRequest, "message too long")
		return
	}

	userID := c.GetInt64(auth.ContextKeyUserID)
	h.orch.Run(c.Request.Context(), userID, req, c.Writer)
}
