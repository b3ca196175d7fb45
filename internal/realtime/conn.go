package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-rental-chat/internal/bus"
	"github.com/tbourn/go-rental-chat/internal/observability"
	"github.com/tbourn/go-rental-chat/internal/services"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 64 << 10
	sendBuffer     = 256
	handlerTimeout = 10 * time.Second
)

// Client events.
const (
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventTypingStart       = "typing-start"
	EventTypingStop        = "typing-stop"
	EventMarkMessageRead   = "mark-message-read"
	EventSendMessage       = "send-message"
)

type conversationRef struct {
	ConversationID string `json:"conversationId"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

type sendFrame struct {
	ConversationID string   `json:"conversationId"`
	Content        string   `json:"content"`
	Type           string   `json:"type"`
	Attachments    []string `json:"attachments"`
}

// conn is one live socket. The read pump owns inbound frames; the write pump
// is the only writer to ws. Forwarders copy subscription events into send.
type conn struct {
	g       *Gateway
	ws      *websocket.Conn
	id      string
	userID  string
	limiter *rate.Limiter
	log     zerolog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once

	mu   sync.Mutex
	subs map[string]*bus.Subscription
}

func newConn(g *Gateway, ws *websocket.Conn, userID string, lim *rate.Limiter) *conn {
	id := uuid.NewString()
	return &conn{
		g:       g,
		ws:      ws,
		id:      id,
		userID:  userID,
		limiter: lim,
		log:     g.Log.With().Str("conn_id", id).Str("user_id", userID).Logger(),
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		subs:    make(map[string]*bus.Subscription),
	}
}

// ID implements registry.Handle.
func (c *conn) ID() string { return c.id }

func (c *conn) start() {
	connections(1)
	c.subscribe(bus.UserTopic(c.userID))
	c.subscribe(bus.PresenceTopic)
	c.g.Registry.Register(c.userID, c)
	c.log.Info().Msg("websocket connected")

	go c.writePump()
	go c.readPump()
}

// close tears the connection down once: subscriptions first, then the
// registry entry, so no event is forwarded to a closed socket.
func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for topic, s := range c.subs {
			s.Close()
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		c.g.Registry.Unregister(c.userID, c)
		connections(-1)
		_ = c.ws.Close()
		c.log.Info().Msg("websocket disconnected")
	})
}

// subscribe joins topic if not already joined. Returns false on a repeat.
func (c *conn) subscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	if _, ok := c.subs[topic]; ok {
		return false
	}
	s := c.g.Bus.Subscribe(topic)
	c.subs[topic] = s
	go c.forward(s)
	return true
}

func (c *conn) unsubscribe(topic string) {
	c.mu.Lock()
	s, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		s.Close()
	}
}

func (c *conn) forward(s *bus.Subscription) {
	presence := s.Topic() == bus.PresenceTopic
	for ev := range s.C {
		if presence && c.aboutSelf(ev) {
			continue
		}
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		c.enqueue(raw, s.Topic())
	}
}

// aboutSelf reports whether a presence event names this connection's user.
func (c *conn) aboutSelf(ev bus.Event) bool {
	var p bus.PresencePayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return false
	}
	return p.UserID == c.userID
}

// enqueue never blocks; a client that cannot keep up loses events.
func (c *conn) enqueue(raw []byte, topic string) {
	select {
	case <-c.done:
	case c.send <- raw:
	default:
		observability.FanoutDropped.WithLabelValues("client").Inc()
		c.log.Debug().Str("topic", topic).Msg("client send buffer full, dropping event")
	}
}

func (c *conn) emit(typ string, data any) {
	ev, err := bus.NewEvent(typ, data)
	if err != nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(raw, "direct")
}

func (c *conn) emitError(err error) {
	c.emit(bus.EventError, errorPayload(err))
}

func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		var frame bus.Event
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
			c.emit(bus.EventError, bus.ErrorPayload{Code: "bad_frame", Message: "malformed frame"})
			continue
		}
		if !c.limiter.Allow() {
			c.emit(bus.EventError, bus.ErrorPayload{Code: "rate_limited", Message: "too many events"})
			continue
		}
		c.dispatch(frame)
	}
}

func (c *conn) dispatch(frame bus.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	switch frame.Type {
	case EventJoinConversation:
		var ref conversationRef
		if !c.decode(frame, &ref) {
			return
		}
		if _, err := c.g.Conversations.Authorize(ctx, ref.ConversationID, c.userID); err != nil {
			c.emitError(err)
			return
		}
		c.subscribe(bus.ConversationTopic(ref.ConversationID))
		c.emit(bus.EventJoinedConversation, ref)

	case EventLeaveConversation:
		var ref conversationRef
		if !c.decode(frame, &ref) {
			return
		}
		c.unsubscribe(bus.ConversationTopic(ref.ConversationID))

	case EventTypingStart, EventTypingStop:
		var ref conversationRef
		if !c.decode(frame, &ref) {
			return
		}
		if err := c.g.Conversations.Typing(ctx, ref.ConversationID, c.userID, frame.Type == EventTypingStart); err != nil {
			c.emitError(err)
		}

	case EventMarkMessageRead:
		var ref messageRef
		if !c.decode(frame, &ref) {
			return
		}
		if _, err := c.g.Messages.MarkMessageRead(ctx, ref.MessageID, c.userID); err != nil {
			c.emitError(err)
		}

	case EventSendMessage:
		var in sendFrame
		if !c.decode(frame, &in) {
			return
		}
		_, err := c.g.Messages.Send(ctx, services.SendInput{
			ConversationID: in.ConversationID,
			SenderID:       c.userID,
			Content:        in.Content,
			Type:           in.Type,
			Attachments:    in.Attachments,
		})
		if err != nil {
			c.emitError(err)
		}

	default:
		c.emit(bus.EventError, bus.ErrorPayload{Code: "unknown_event", Message: "unknown event " + frame.Type})
	}
}

// decode unmarshals frame data into v and requires the conversation or
// message id it carries.
func (c *conn) decode(frame bus.Event, v any) bool {
	if len(frame.Data) == 0 || json.Unmarshal(frame.Data, v) != nil {
		c.emit(bus.EventError, bus.ErrorPayload{Code: "bad_frame", Message: "invalid data for " + frame.Type})
		return false
	}
	var id string
	switch ref := v.(type) {
	case *conversationRef:
		id = ref.ConversationID
	case *messageRef:
		id = ref.MessageID
	case *sendFrame:
		id = ref.ConversationID
	}
	if strings.TrimSpace(id) == "" {
		c.emit(bus.EventError, bus.ErrorPayload{Code: "bad_frame", Message: "missing id for " + frame.Type})
		return false
	}
	return true
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case raw := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
