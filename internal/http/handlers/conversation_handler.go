// Conversation endpoints:
//   - POST /conversations              (find or create with another user)
//   - GET  /conversations              (inbox page)
//   - POST /conversations/{id}/read    (mark everything read)
//   - GET  /unread-count
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/http/middleware"
)

// CreateConversationRequest starts or resumes a conversation.
type CreateConversationRequest struct {
	ParticipantID string  `json:"participant_id" binding:"required" example:"landlord-42"`
	ListingID     *string `json:"listing_id,omitempty" example:"listing-7"`
}

// ConversationResponse wraps a conversation; Created is true on first contact.
type ConversationResponse struct {
	Conversation *domain.Conversation `json:"conversation"`
	Created      bool                 `json:"created"`
}

// ListConversationsResponse is one inbox page.
type ListConversationsResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
	Pagination    Pagination                   `json:"pagination"`
}

// MarkReadResponse reports how many messages were marked read.
type MarkReadResponse struct {
	ConversationID string `json:"conversation_id"`
	Marked         int64  `json:"marked"`
}

// UnreadCountResponse carries the caller's unread total.
type UnreadCountResponse struct {
	Unread int64 `json:"unread"`
}

// CreateConversation godoc
// @ID          createConversation
// @Summary     Find or create a conversation
// @Description Returns the conversation between the caller and participant_id, scoped to listing_id when given. Creates it on first contact.
// @Tags        Conversations
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.CreateConversationRequest  true  "Participants"
// @Success     201  {object}  handlers.ConversationResponse  "Created"
// @Success     200  {object}  handlers.ConversationResponse  "Existing"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "participant_id is required")
		return
	}
	conv, created, err := h.convs.CreateOrGet(c.Request.Context(), middleware.UserID(c), req.ParticipantID, req.ListingID)
	if err != nil {
		failService(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, ConversationResponse{Conversation: conv, Created: created})
}

// ListConversations godoc
// @ID          listConversations
// @Summary     Inbox
// @Description Conversations of the caller, most recent activity first, each with its last message and unread count.
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.ListConversationsResponse
// @Failure     401  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.convs.List(c.Request.Context(), middleware.UserID(c), page, size)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListConversationsResponse{Conversations: items, Pagination: newPagination(page, size, total)})
}

// MarkRead godoc
// @ID          markConversationRead
// @Summary     Mark conversation read
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Conversation ID"
// @Success     200  {object}  handlers.MarkReadResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/read [post]
func (h *Handlers) MarkRead(c *gin.Context) {
	id := c.Param("id")
	n, err := h.convs.MarkRead(c.Request.Context(), id, middleware.UserID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{ConversationID: id, Marked: n})
}

// UnreadCount godoc
// @ID          unreadCount
// @Summary     Unread messages for the caller
// @Tags        Conversations
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  handlers.UnreadCountResponse
// @Router      /unread-count [get]
func (h *Handlers) UnreadCount(c *gin.Context) {
	n, err := h.convs.UnreadCount(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, UnreadCountResponse{Unread: n})
}
