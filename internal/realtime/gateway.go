// Package realtime is the WebSocket gateway. Each authenticated connection
// is registered with the connection registry, subscribed to its user topic
// and to the presence topic, and may join conversation rooms after a
// participant check. Frames in both directions are JSON objects of the form
// {"event": "...", "data": {...}}.
package realtime

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-rental-chat/internal/auth"
	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/observability"
	"github.com/tbourn/go-rental-chat/internal/registry"
	"github.com/tbourn/go-rental-chat/internal/services"
)

// Conversations is the slice of the conversation service the gateway needs.
type Conversations interface {
	Authorize(ctx context.Context, conversationID, userID string) (*domain.Conversation, error)
	Typing(ctx context.Context, conversationID, userID string, started bool) error
}

// Messages is the slice of the message service the gateway needs.
type Messages interface {
	Send(ctx context.Context, in services.SendInput) (*domain.Message, error)
	MarkMessageRead(ctx context.Context, messageID, readerID string) (int64, error)
}

// Gateway upgrades authenticated requests and runs their connections.
type Gateway struct {
	Registry      *registry.Registry
	Bus           bus.Bus
	Conversations Conversations
	Messages      Messages
	Verifier      *auth.Verifier
	Log           zerolog.Logger

	// EventsRPS and EventsBurst bound inbound frames per connection.
	EventsRPS   float64
	EventsBurst int

	allowedOrigins []string
	upgrader       websocket.Upgrader
}

// NewGateway returns a Gateway accepting browser origins in allowedOrigins.
// An empty list or "*" accepts any origin.
func NewGateway(reg *registry.Registry, b bus.Bus, convs Conversations, msgs Messages, v *auth.Verifier, allowedOrigins []string, log zerolog.Logger) *Gateway {
	g := &Gateway{
		Registry:       reg,
		Bus:            b,
		Conversations:  convs,
		Messages:       msgs,
		Verifier:       v,
		Log:            log,
		EventsRPS:      5,
		EventsBurst:    20,
		allowedOrigins: allowedOrigins,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Handle serves GET /ws. The bearer token is verified before the upgrade so
// a rejected client gets a plain 401 and no socket.
//
// @Summary  Realtime connection
// @Tags     realtime
// @Param    token  query  string  false  "Bearer token (when the Authorization header cannot be set)"
// @Success  101
// @Failure  401  {object}  map[string]string
// @Router   /ws [get]
func (g *Gateway) Handle(c *gin.Context) {
	claims, err := g.Verifier.Verify(auth.TokenFromRequest(c.Request))
	if err != nil {
		code := "unauthorized"
		if errors.Is(err, auth.ErrExpiredToken) {
			code = "token_expired"
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": code, "message": err.Error()})
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.Log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := newConn(g, ws, claims.UserID(), rate.NewLimiter(rate.Limit(g.EventsRPS), g.EventsBurst))
	conn.start()
}

// errorPayload maps a service error to the client-facing error event.
func errorPayload(err error) bus.ErrorPayload {
	p := bus.ErrorPayload{Code: "internal", Message: "internal error"}
	var rl *services.RateLimitError
	switch {
	case errors.As(err, &rl):
		p.Code, p.Message = "rate_limited", err.Error()
		p.RetryAfterMs = rl.RetryAfter.Milliseconds()
	case errors.Is(err, services.ErrValidation):
		p.Code, p.Message = "validation_error", err.Error()
	case errors.Is(err, services.ErrNotFound):
		p.Code, p.Message = "not_found", err.Error()
	case errors.Is(err, services.ErrForbidden):
		p.Code, p.Message = "forbidden", err.Error()
	case errors.Is(err, services.ErrStoreUnavailable):
		p.Code, p.Message = "unavailable", "temporarily unavailable, retry"
	}
	return p
}

// connections gauges live sockets.
func connections(delta float64) { observability.Connections.Add(delta) }
