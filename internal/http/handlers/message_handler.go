// Message endpoints:
//   - GET    /conversations/{id}/messages         (history page, weak ETag)
//   - POST   /conversations/{id}/messages         (send, Idempotency-Key aware)
//   - GET    /conversations/{id}/messages/search  (substring search)
//   - PATCH  /messages/{id}                       (edit own message)
//   - DELETE /messages/{id}                       (delete own message)
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/http/middleware"
	"github.com/tbourn/go-rental-chat/internal/repo"
	"github.com/tbourn/go-rental-chat/internal/services"
)

// PostMessageRequest is an outbound message. Content may be empty when
// attachments are present.
type PostMessageRequest struct {
	Content     string   `json:"content" example:"Is the room still available in September?"`
	Type        string   `json:"type,omitempty" enums:"text,image,file,system" example:"text"`
	Attachments []string `json:"attachments,omitempty"`
}

// EditMessageRequest replaces a message's content. Content may be empty when
// the message carries attachments.
type EditMessageRequest struct {
	Content string `json:"content" example:"Is the room still available in October?"`
}

// MessageResponse wraps one message.
type MessageResponse struct {
	Message *domain.Message `json:"message"`
}

// ListMessagesResponse is one history or search page, oldest first.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes line endings and collapses runs of blank lines.
// Length and emptiness are checked by the service.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return nlCollapseRE.ReplaceAllString(s, "\n\n")
}

// ListMessages godoc
// @ID          listMessages
// @Summary     Conversation history
// @Description Page 1 is the newest window; messages within a page are oldest first. Supports If-None-Match.
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Param       id             path    string  true   "Conversation ID"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(50)
// @Param       If-None-Match  header  string  false  "Weak ETag from a previous response"
// @Success     200  {object}  handlers.ListMessagesResponse
// @Header      200  {string}  ETag  "Weak ETag of the page"
// @Success     304  {string}  string  "Not Modified"
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	uid := middleware.UserID(c)
	page, size := pageParams(c)

	if _, err := h.convs.Authorize(ctx, convID, uid); err != nil {
		failService(c, err)
		return
	}

	// Best effort: a stats failure just skips the conditional response.
	if count, maxTS, err := h.sends.MessagesStats(ctx, convID); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.UnixNano()
		}
		etag := fmt.Sprintf(`W/"messages:%s:%d:%d:%d:%d"`, convID, count, ts, page, size)
		c.Header("ETag", etag)
		c.Header("Cache-Control", "private, no-cache")
		if c.GetHeader("If-None-Match") == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	items, total, err := h.msgs.List(ctx, convID, uid, page, size)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, size, total)})
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message
// @Description Persists the message, fans it out to live participants and may trigger an e-mail to an offline recipient.
// @Description A repeated Idempotency-Key returns the original message with Idempotency-Replayed: true.
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id               path    string  true   "Conversation ID"
// @Param       Idempotency-Key  header  string  false  "Retry key"
// @Param       body             body    handlers.PostMessageRequest  true  "Message"
// @Success     201  {object}  handlers.MessageResponse  "Sent"
// @Success     200  {object}  handlers.MessageResponse  "Replayed"
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     429  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()
	convID := c.Param("id")
	uid := middleware.UserID(c)

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	key, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && middleware.IsReplay(c) {
		if prev := h.replay(c, uid, convID, key); prev != nil {
			c.Header("Idempotency-Replayed", "true")
			ok(c, http.StatusOK, MessageResponse{Message: prev})
			return
		}
	}

	m, err := h.msgs.Send(ctx, services.SendInput{
		ConversationID: convID,
		SenderID:       uid,
		Content:        sanitizeContent(req.Content),
		Type:           req.Type,
		Attachments:    req.Attachments,
	})
	if err != nil {
		failService(c, err)
		return
	}

	if hasKey {
		err := h.sends.RememberSend(ctx, uid, convID, key, m.ID, http.StatusCreated, h.IdempotencyTTL, time.Now().UTC())
		if err != nil && !errors.Is(err, repo.ErrDuplicate) {
			lg := middleware.LoggerFrom(c)
			lg.Warn().Err(err).Str("message_id", m.ID).Msg("remember idempotency key")
		}
	}
	ok(c, http.StatusCreated, MessageResponse{Message: m})
}

// replay returns the message a previous send with key produced, or nil when
// it is gone (expired key or deleted message).
func (h *Handlers) replay(c *gin.Context, uid, convID, key string) *domain.Message {
	ctx := c.Request.Context()
	rec, err := h.sends.Idempotency(ctx, uid, convID, key, time.Now().UTC())
	if err != nil {
		return nil
	}
	m, err := h.sends.GetMessage(ctx, rec.MessageID)
	if err != nil {
		return nil
	}
	return m
}

// SearchMessages godoc
// @ID          searchMessages
// @Summary     Search a conversation
// @Tags        Messages
// @Produce     json
// @Security    BearerAuth
// @Param       id         path   string  true   "Conversation ID"
// @Param       q          query  string  true   "Text to find"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(50)
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /conversations/{id}/messages/search [get]
func (h *Handlers) SearchMessages(c *gin.Context) {
	page, size := pageParams(c)
	items, total, err := h.msgs.Search(c.Request.Context(), c.Param("id"), middleware.UserID(c), c.Query("q"), page, size)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: items, Pagination: newPagination(page, size, total)})
}

// EditMessage godoc
// @ID          editMessage
// @Summary     Edit own message
// @Tags        Messages
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string  true  "Message ID"
// @Param       body  body  handlers.EditMessageRequest  true  "New content"
// @Success     200  {object}  handlers.MessageResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not the sender, or edit window closed"
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [patch]
func (h *Handlers) EditMessage(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	m, err := h.msgs.Edit(c.Request.Context(), c.Param("id"), middleware.UserID(c), sanitizeContent(req.Content))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, MessageResponse{Message: m})
}

// DeleteMessage godoc
// @ID          deleteMessage
// @Summary     Delete own message
// @Tags        Messages
// @Security    BearerAuth
// @Param       id  path  string  true  "Message ID"
// @Success     204
// @Failure     403  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /messages/{id} [delete]
func (h *Handlers) DeleteMessage(c *gin.Context) {
	if err := h.msgs.Delete(c.Request.Context(), c.Param("id"), middleware.UserID(c)); err != nil {
		failService(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
