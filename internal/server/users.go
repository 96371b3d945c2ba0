package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/apperr"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/bonds"
	"github.com/Mericle123/rseb-bond-tokenization-sub002/internal/validation"
)

type upsertUserRequest struct {
	DisplayName string `json:"displayName"`
}

// upsertUser handles PUT /v1/users/:id, setting the name the ledger shows
// in place of the raw id.
func (s *Server) upsertUser(c *gin.Context) {
	var req upsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, err)
		return
	}
	name, err := validation.DisplayName(req.DisplayName)
	if err != nil {
		apperr.Respond(c, err)
		return
	}

	id := bonds.NormalizeID(c.Param("id"))
	if err := s.store.UpsertUser(c.Request.Context(), id, name); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": gin.H{"id": id, "displayName": name}})
}
