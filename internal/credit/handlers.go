package credit

import (
	"github.com/gin-gonic/gin"

	"github.com/emberai/huoyuan/internal/pagination"
	"github.com/emberai/huoyuan/internal/response"
)

// Handler provides HTTP endpoints for the credit ledger.
type Handler struct {
	service *Service
}

// NewHandler creates a new credit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the authenticated coin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/coin/balance", h.GetBalance)
	r.GET("/coin/transactions", h.ListTransactions)
}

// GetBalance handles GET /coin/balance
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.GetInt64("authUserID")

	bal, err := h.service.GetBalance(c.Request.Context(), userID)
	if err != nil {
		if err == ErrUserNotFound {
			response.Error(c, response.CodeNotFound, "user not found")
			return
		}
		response.Error(c, response.CodeInternal, "failed to read balance")
		return
	}

	response.OK(c, gin.H{
		"balance":   bal.Total,
		"frozen":    bal.Frozen,
		"available": bal.Available,
	})
}

// ListTransactions handles GET /coin/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.GetInt64("authUserID")
	page := pagination.FromQuery(c)

	logs, total, err := h.service.ListTransactions(c.Request.Context(), userID, page.PageSize, page.Offset())
	if err != nil {
		response.Error(c, response.CodeInternal, "failed to list transactions")
		return
	}

	response.OK(c, pagination.NewPage(logs, total, page))
}
