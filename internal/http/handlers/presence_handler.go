package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// PresenceResponse reports whether a user has a live connection.
type PresenceResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// GetPresence godoc
// @ID       getPresence
// @Summary  Online status of a user
// @Tags     Presence
// @Produce  json
// @Security BearerAuth
// @Param    id  path  string  true  "User ID"
// @Success  200  {object}  handlers.PresenceResponse
// @Router   /users/{id}/presence [get]
func (h *Handlers) GetPresence(c *gin.Context) {
	id := c.Param("id")
	ok(c, http.StatusOK, PresenceResponse{UserID: id, Online: h.presence.IsOnline(id)})
}
