package conversation

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/pagination"
	"github.com/emberai/huoyuan/internal/response"
	"github.com/emberai/huoyuan/internal/validation"
)

// Handler provides HTTP endpoints for conversation management.
type Handler struct {
	service *Service
}

// NewHandler creates a new conversation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the authenticated conversation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/conversations", h.List)
	r.GET("/conversations/:id", h.Get)
	r.PUT("/conversations/:id/title", h.UpdateTitle)
	r.POST("/conversations/:id/archive", h.Archive)
	r.DELETE("/conversations/:id", h.Delete)
}

// List handles GET /conversations
func (h *Handler) List(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	page := pagination.FromQuery(c)

	filter := ListFilter{
		Keyword: validation.SanitizeString(c.Query("keyword"), validation.MaxTitleLength),
	}
	if st := c.Query("status"); st == string(StatusActive) || st == string(StatusArchived) {
		filter.Status = Status(st)
	}
	if agentID, err := strconv.ParseInt(c.Query("agentId"), 10, 64); err == nil {
		filter.AgentID = agentID
	}
	if projectID, err := strconv.ParseInt(c.Query("projectId"), 10, 64); err == nil {
		filter.ProjectID = projectID
	}

	convs, total, err := h.service.List(c.Request.Context(), userID, filter, page.PageSize, page.Offset())
	if err != nil {
		response.Error(c, response.CodeInternal, "failed to list conversations")
		return
	}
	response.OK(c, pagination.NewPage(convs, total, page))
}

// Get handles GET /conversations/:id
func (h *Handler) Get(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid conversation id")
		return
	}

	conv, msgs, err := h.service.Get(c.Request.Context(), userID, id)
	if err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, gin.H{
		"conversation": conv,
		"messages":     msgs,
	})
}

// UpdateTitle handles PUT /conversations/:id/title
func (h *Handler) UpdateTitle(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid conversation id")
		return
	}

	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, response.CodeInvalidRequest, "title is required")
		return
	}
	req.Title = validation.SanitizeString(req.Title, validation.MaxTitleLength)
	if validation.IsBlank(req.Title) {
		response.Error(c, response.CodeInvalidRequest, "invalid title")
		return
	}

	if err := h.service.UpdateTitle(c.Request.Context(), userID, id, req.Title); err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, nil)
}

// Archive handles POST /conversations/:id/archive
func (h *Handler) Archive(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid conversation id")
		return
	}

	if err := h.service.Archive(c.Request.Context(), userID, id); err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, nil)
}

// Delete handles DELETE /conversations/:id
func (h *Handler) Delete(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, response.CodeInvalidRequest, "invalid conversation id")
		return
	}

	if err := h.service.Delete(c.Request.Context(), userID, id); err != nil {
		respondErr(c, err)
		return
	}
	response.OK(c, nil)
}

func respondErr(c *gin.Context, err error) {
	switch err {
	case ErrNotFound:
		response.Error(c, response.CodeNotFound, "conversation not found")
	case ErrForbidden:
		// Leak nothing about other users' conversations.
		response.Error(c, response.CodeNotFound, "conversation not found")
	default:
		response.Error(c, response.CodeInternal, "conversation operation failed")
	}
}
