package activity

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/logging"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
)

type Handler struct {
	agg *Aggregator
}

func NewHandler(agg *Aggregator) *Handler {
	return &Handler{agg: agg}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger", h.Feed)
	r.GET("/ledger/export", h.Export)
}

func queryFrom(c *gin.Context) Query {
	return Query{
		Cursor: c.Query("cursor"),
		Limit:  pagination.ParseLimit(c.Query("limit"), DefaultLimit, MaxLimit),
		UserID: bonds.NormalizeID(c.Query("user")),
		BondID: c.Query("bond"),
	}
}

// Feed handles GET /v1/ledger?cursor=&limit=&user=&bond=
func (h *Handler) Feed(c *gin.Context) {
	page, err := h.agg.Feed(c.Request.Context(), queryFrom(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Export handles GET /v1/ledger/export
func (h *Handler) Export(c *gin.Context) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="ledger.csv"`)
	c.Status(http.StatusOK)
	if err := h.agg.WriteCSV(c.Request.Context(), c.Writer, queryFrom(c)); err != nil {
		// headers are gone; all we can do is cut the stream short
		logging.L(c.Request.Context()).Error("ledger export aborted", "error", err)
	}
}
