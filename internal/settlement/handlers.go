package settlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
)

// Handler exposes reconciliation state to operators.
type Handler struct {
	sweeper *Sweeper
}

func NewHandler(sweeper *Sweeper) *Handler {
	return &Handler{sweeper: sweeper}
}

func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliations", h.List)
	r.POST("/reconciliations/sweep", h.Sweep)
	r.POST("/reconciliations/:id/retry", h.Retry)
}

// List handles GET /v1/admin/reconciliations?all=true
func (h *Handler) List(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 100, 1000)
	recs, err := h.sweeper.Pending(c.Request.Context(), c.Query("all") == "true", limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliations": recs, "count": len(recs)})
}

// Sweep handles POST /v1/admin/reconciliations/sweep, running one pass now.
func (h *Handler) Sweep(c *gin.Context) {
	rep, err := h.sweeper.RunOnce(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// Retry handles POST /v1/admin/reconciliations/:id/retry for a marker the
// sweep gave up on.
func (h *Handler) Retry(c *gin.Context) {
	r, err := h.sweeper.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": r})
}
