package bonds

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/pagination"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bonds", h.Issue)
	r.GET("/bonds", h.List)
	r.GET("/bonds/:id", h.Get)
	r.POST("/bonds/:id/subscriptions", h.Subscribe)
	r.POST("/bonds/:id/mature", h.Mature)
	r.POST("/bonds/:id/redeem", h.Redeem)
	r.GET("/bonds/:id/holdings/:user", h.Holding)
	r.GET("/users/:id/holdings", h.Holdings)
}

// Issue handles POST /v1/bonds
func (h *Handler) Issue(c *gin.Context) {
	var req IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	b, err := h.service.Issue(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"bond": b})
}

// List handles GET /v1/bonds?status=
func (h *Handler) List(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	bonds, err := h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bonds": bonds, "count": len(bonds)})
}

// Get handles GET /v1/bonds/:id
func (h *Handler) Get(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// Subscribe handles POST /v1/bonds/:id/subscriptions
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	sub, b, err := h.service.Subscribe(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub, "bond": b})
}

// Mature handles POST /v1/bonds/:id/mature
func (h *Handler) Mature(c *gin.Context) {
	b, err := h.service.Mature(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// Redeem handles POST /v1/bonds/:id/redeem
func (h *Handler) Redeem(c *gin.Context) {
	b, err := h.service.Redeem(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bond": b})
}

// Holding handles GET /v1/bonds/:id/holdings/:user
func (h *Handler) Holding(c *gin.Context) {
	units, err := h.service.Holding(c.Request.Context(), c.Param("user"), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bondId": c.Param("id"), "userId": NormalizeID(c.Param("user")), "units": units})
}

// Holdings handles GET /v1/users/:id/holdings
func (h *Handler) Holdings(c *gin.Context) {
	allocs, err := h.service.Holdings(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holdings": allocs, "count": len(allocs)})
}
