package offers

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
	r.POST("/listings", h.CreateListing)
	r.GET("/listings", h.ListListings)
	r.GET("/listings/:id", h.GetListing)
	r.POST("/listings/:id/withdraw", h.WithdrawListing)
	r.GET("/listings/:id/offers", h.ListListingOffers)

	r.POST("/offers", h.CreateOffer)
	r.GET("/offers/:id", h.GetOffer)
	r.POST("/offers/:id/accept", h.Accept)
	r.POST("/offers/:id/reject", h.Reject)
	r.GET("/users/:id/offers", h.ListUserOffers)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	l, err := h.service.CreateListing(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": l})
}

// ListListings handles GET /v1/listings?bondId=&status=
func (h *Handler) ListListings(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	listings, err := h.service.ListListings(c.Request.Context(), c.Query("bondId"), ListingStatus(c.Query("status")), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings, "count": len(listings)})
}

func (h *Handler) GetListing(c *gin.Context) {
	l, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

// WithdrawListing handles POST /v1/listings/:id/withdraw
func (h *Handler) WithdrawListing(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	l, err := h.service.WithdrawListing(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}

func (h *Handler) ListListingOffers(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	offers, err := h.service.ListOffersByListing(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	o, err := h.service.CreateOffer(c.Request.Context(), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.GetOffer(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// Accept handles POST /v1/offers/:id/accept. A confirmed transfer whose
// bookkeeping was deferred answers 202 with the chain reference.
func (h *Handler) Accept(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	res, err := h.service.Accept(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// Reject handles POST /v1/offers/:id/reject
func (h *Handler) Reject(c *gin.Context) {
	var req ActorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	o, err := h.service.Reject(c.Request.Context(), c.Param("id"), req.ActorID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListUserOffers handles GET /v1/users/:id/offers?role=buyer|seller
func (h *Handler) ListUserOffers(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"), 50, 500)
	offers, err := h.service.ListOffersByUser(c.Request.Context(), c.Param("id"), Role(c.Query("role")), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}
