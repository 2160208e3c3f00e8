package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/poolhall-waitlist/internal/domain"
	"github.com/poolhall-waitlist/internal/presence"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// Time allowed for one client event to reach a result
	eventTimeout = 10 * time.Second
)

// Matchmaker is the part of the matchmaking service the gateway drives
type Matchmaker interface {
	Register(ctx context.Context, userID string, conn presence.Conn) error
	Unregister(conn presence.Conn)
	User(ctx context.Context, userID string) (*domain.User, error)

	JoinQueue(ctx context.Context, userID string) error
	JoinTable(ctx context.Context, tableID int, userID string) error
	ClaimWin(ctx context.Context, tableID int, winnerID string) error
	ConfirmWin(ctx context.Context, c domain.WinConfirmation) error
	AcceptInvite(ctx context.Context, tableID int, userID string) error
	SkipInvite(ctx context.Context, tableID int, userID string) error

	ClearQueue(ctx context.Context) error
	ClearTables(ctx context.Context) error
	RemovePlayer(ctx context.Context, tableID int, userID string) error
}

// Client represents a WebSocket client connection
type Client struct {
	id         string
	hub        *Hub
	matchmaker Matchmaker
	conn       *websocket.Conn
	send       chan []byte
	logger     *slog.Logger

	// session is the user authenticated at upgrade time, if any
	session *domain.User

	mu     sync.Mutex
	userID string
	closed bool
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// eventData carries the fields of every client event; each event reads the
// ones it needs.
type eventData struct {
	UserID    string `json:"userId"`
	TableID   int    `json:"tableId"`
	WinnerID  string `json:"winnerId"`
	LoserID   string `json:"loserId"`
	Confirmed bool   `json:"confirmed"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, matchmaker Matchmaker, conn *websocket.Conn, session *domain.User, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:         id,
		hub:        hub,
		matchmaker: matchmaker,
		conn:       conn,
		send:       make(chan []byte, 256),
		session:    session,
		logger:     logger.With("client_id", id),
	}
}

// ID returns the connection id
func (c *Client) ID() string {
	return c.id
}

// Send queues a notification for this connection. It reports false when the
// connection is closed or its buffer is full.
func (c *Client) Send(n domain.Notification) bool {
	return c.sendMessage(&Message{Type: n.Type, Data: n.Data, Timestamp: time.Now()})
}

func (c *Client) sendMessage(msg *Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return false
	}
	return c.sendRaw(data)
}

func (c *Client) sendRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) registeredUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// identity is the user this connection acts as: the registered user, else
// the session user.
func (c *Client) identity() string {
	if id := c.registeredUser(); id != "" {
		return id
	}
	if c.session != nil {
		return c.session.ID
	}
	return ""
}

// actor resolves the user an event acts for. A connection bound to a user may
// only act as that user; an unbound connection acts as whoever it names.
func (c *Client) actor(claimed string) (string, error) {
	id := c.identity()
	if id == "" {
		if claimed == "" {
			return "", domain.ErrInvalidRequest
		}
		return claimed, nil
	}
	if claimed != "" && claimed != id {
		return "", domain.ErrIdentityMismatch
	}
	return id, nil
}

func (c *Client) requireAdmin(ctx context.Context) error {
	id := c.identity()
	if id == "" {
		return domain.ErrUnauthorized
	}
	user, err := c.matchmaker.User(ctx, id)
	if err != nil {
		return err
	}
	if !user.IsAdmin {
		return domain.ErrForbidden
	}
	return nil
}

// readPump pumps messages from the WebSocket connection to the matchmaker
func (c *Client) readPump() {
	defer func() {
		c.matchmaker.Unregister(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.replyError("", domain.ErrInvalidRequest)
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes one client event
func (c *Client) handleMessage(msg *ClientMessage) {
	var data eventData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.replyError(msg.RequestID, domain.ErrInvalidRequest)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case EventPing:
		c.sendMessage(&Message{Type: domain.NotifyPong, RequestID: msg.RequestID, Timestamp: time.Now()})
		return

	case EventRegisterUser:
		err = c.registerUser(ctx, data.UserID)

	case EventJoinQueue:
		var userID string
		if userID, err = c.actor(data.UserID); err == nil {
			err = c.matchmaker.JoinQueue(ctx, userID)
		}

	case EventJoinTable:
		var userID string
		if userID, err = c.actor(data.UserID); err == nil {
			err = c.matchmaker.JoinTable(ctx, data.TableID, userID)
		}

	case EventClaimWin:
		var winnerID string
		if winnerID, err = c.actor(data.WinnerID); err == nil {
			err = c.matchmaker.ClaimWin(ctx, data.TableID, winnerID)
		}

	case EventConfirmWin:
		c.confirmWin(ctx, msg.RequestID, data)
		return

	case EventAcceptInvite:
		var userID string
		if userID, err = c.actor(data.UserID); err == nil {
			err = c.matchmaker.AcceptInvite(ctx, data.TableID, userID)
		}

	case EventSkipInvite:
		var userID string
		if userID, err = c.actor(data.UserID); err == nil {
			err = c.matchmaker.SkipInvite(ctx, data.TableID, userID)
		}

	case EventAdminClearQueue:
		if err = c.requireAdmin(ctx); err == nil {
			err = c.matchmaker.ClearQueue(ctx)
		}

	case EventAdminClearTables:
		if err = c.requireAdmin(ctx); err == nil {
			err = c.matchmaker.ClearTables(ctx)
		}

	case EventAdminRemove:
		if err = c.requireAdmin(ctx); err == nil {
			err = c.matchmaker.RemovePlayer(ctx, data.TableID, data.UserID)
		}

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
		err = domain.ErrInvalidRequest
	}

	if err != nil {
		c.logger.Debug("event rejected", "type", msg.Type, "error", err)
		c.replyError(msg.RequestID, err)
	}
}

func (c *Client) registerUser(ctx context.Context, userID string) error {
	if c.session != nil {
		if userID != "" && userID != c.session.ID {
			return domain.ErrIdentityMismatch
		}
		userID = c.session.ID
	}
	if userID == "" {
		return domain.ErrInvalidRequest
	}
	if err := c.matchmaker.Register(ctx, userID, c); err != nil {
		return err
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return nil
}

// confirmWin answers with an ack carrying the request id in every outcome
func (c *Client) confirmWin(ctx context.Context, requestID string, data eventData) {
	loserID, err := c.actor(data.LoserID)
	if err == nil {
		err = c.matchmaker.ConfirmWin(ctx, domain.WinConfirmation{
			TableID:   data.TableID,
			WinnerID:  data.WinnerID,
			LoserID:   loserID,
			Confirmed: data.Confirmed,
		})
	}
	if err != nil {
		c.replyError(requestID, err)
		c.sendMessage(&Message{
			Type:      domain.NotifyAck,
			RequestID: requestID,
			Data:      domain.Ack{Success: false, Message: domain.PublicMessage(err)},
			Timestamp: time.Now(),
		})
		return
	}
	c.sendMessage(&Message{
		Type:      domain.NotifyAck,
		RequestID: requestID,
		Data:      domain.Ack{Success: true},
		Timestamp: time.Now(),
	})
}

// replyError reports err to this connection only, as info when it is an
// expected outcome.
func (c *Client) replyError(requestID string, err error) {
	typ := domain.NotifyError
	if domain.IsInfo(err) {
		typ = domain.NotifyInfo
	}
	c.sendMessage(&Message{
		Type:      typ,
		RequestID: requestID,
		Data:      domain.PublicMessage(err),
		Timestamp: time.Now(),
	})
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Options configures websocket upgrades
type Options struct {
	// AllowedOrigin is "*" or a single origin allowed to connect
	AllowedOrigin string
	// Authenticate resolves the request's session, if any
	Authenticate func(r *http.Request) (*domain.User, error)
	// Required refuses upgrades without a valid session
	Required bool
}

func (o Options) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if o.AllowedOrigin == "" || o.AllowedOrigin == "*" {
				return true
			}
			return strings.EqualFold(r.Header.Get("Origin"), o.AllowedOrigin)
		},
	}
}

// ServeWs handles WebSocket requests from peers
func ServeWs(hub *Hub, matchmaker Matchmaker, opts Options, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	var session *domain.User
	if opts.Authenticate != nil {
		user, err := opts.Authenticate(r)
		switch {
		case err == nil:
			session = user
		case errors.Is(err, domain.ErrUnauthorized):
			if opts.Required {
				http.Error(w, domain.ErrUnauthorized.Error(), http.StatusUnauthorized)
				return
			}
		default:
			logger.Error("websocket authentication failed", "error", err)
			if opts.Required {
				http.Error(w, domain.ErrInternalError.Error(), http.StatusInternalServerError)
				return
			}
		}
	}

	conn, err := opts.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, matchmaker, conn, session, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)

	if session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		if err := client.registerUser(ctx, session.ID); err != nil {
			logger.Warn("failed to register session user", "user_id", session.ID, "error", err)
		}
	}
}
