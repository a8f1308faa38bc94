package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/response"
)

// Handler provides the session HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a new auth handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up the routes reachable without a session.
// Refresh deliberately skips the access-token middleware: its whole
// purpose is to work after the access token expired.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/auth/login", h.Login)
	r.POST("/auth/refresh", h.Refresh)
}

// RegisterRoutes sets up the authenticated session routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/user", h.GetUser)
	r.POST("/auth/logout", h.Logout)
}

// Login handles POST /auth/login
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, response.CodeInvalidRequest, "code is required")
		return
	}

	user, pair, err := h.service.Login(c.Request.Context(), req.Code)
	if err != nil {
		if errors.Is(err, ErrLoginRejected) {
			response.Error(c, response.CodeUnauthorized, "login code rejected")
			return
		}
		response.Error(c, response.CodeInternal, "login failed")
		return
	}

	response.OK(c, gin.H{
		"user":   user,
		"tokens": pair,
	})
}

// Refresh handles POST /auth/refresh
func (h *Handler) Refresh(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refreshToken" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, response.CodeInvalidRequest, "refreshToken is required")
		return
	}

	pair, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, ErrTokenReused), errors.Is(err, ErrInvalidToken):
			response.Error(c, response.CodeUnauthorized, "invalid refresh token")
		default:
			response.Error(c, response.CodeInternal, "refresh failed")
		}
		return
	}
	response.OK(c, pair)
}

// GetUser handles GET /auth/user
func (h *Handler) GetUser(c *gin.Context) {
	userID := c.GetInt64(ContextKeyUserID)
	user, err := h.service.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			response.Error(c, response.CodeNotFound, "user not found")
			return
		}
		response.Error(c, response.CodeInternal, "failed to read user")
		return
	}

	// The hint tells clients to refresh proactively instead of hitting
	// a 4011 mid-session. Middleware already validated the token.
	tokenString, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	response.OK(c, gin.H{
		"user":             user,
		"tokenExpiresSoon": h.service.TokenExpiresSoon(tokenString),
	})
}

// Logout handles POST /auth/logout
func (h *Handler) Logout(c *gin.Context) {
	userID := c.GetInt64(ContextKeyUserID)
	if err := h.service.Logout(c.Request.Context(), userID); err != nil {
		response.Error(c, response.CodeInternal, "logout failed")
		return
	}
	response.OK(c, nil)
}
