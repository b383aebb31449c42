package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/alumnichat/internal/auth"
	"github.com/pliu/alumnichat/internal/broadcast"
	"github.com/pliu/alumnichat/internal/models"
)

// Close codes sent to the client.
const (
	CloseAuthRequired  = 4001
	CloseInternalError = 4002
)

// Options tunes the websocket transport.
type Options struct {
	// Time allowed to write a message to the peer.
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer.
	PongWait time.Duration

	// Maximum message size allowed from peer.
	MaxMessageSize int64

	// Outbound events buffered per connection before it is dropped as a
	// slow consumer.
	SendBuffer int

	// Origins allowed to open a connection. Empty allows any.
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	return o
}

// Send pings to peer with this period. Must be less than PongWait.
func (o Options) pingPeriod() time.Duration {
	return (o.PongWait * 9) / 10
}

// IdentityResolver turns a token into a user, nil meaning anonymous.
type IdentityResolver interface {
	Resolve(ctx context.Context, token string) *models.User
}

var _ IdentityResolver = (*auth.Resolver)(nil)

// Handler upgrades requests on the websocket endpoint into sessions.
type Handler struct {
	resolver IdentityResolver
	fabric   broadcast.Fabric
	router   *Router
	logger   *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	// Sessions end when lifetime is cancelled.
	lifetime context.Context

	sessions sync.WaitGroup
}

func NewHandler(lifetime context.Context, resolver IdentityResolver, fabric broadcast.Fabric, router *Router, opts Options, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	h := &Handler{
		resolver: resolver,
		fabric:   fabric,
		router:   router,
		logger:   logger,
		opts:     opts,
		lifetime: lifetime,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Wait blocks until every session has run its disconnect sequence, or ctx
// is done. Call it after the HTTP server has stopped accepting requests and
// before the fabric goes away.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// ServeHTTP runs one session from handshake to disconnect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Added before the upgrade hijacks the connection, so http.Server.Shutdown
	// returning means every session is counted.
	h.sessions.Add(1)
	defer h.sessions.Done()

	user := h.resolver.Resolve(r.Context(), auth.ExtractToken(r.URL.RawQuery))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	if user == nil {
		h.logger.Info("rejecting unauthenticated websocket", "remote_addr", r.RemoteAddr)
		closeWith(conn, CloseAuthRequired, "authentication required", h.opts.WriteWait)
		return
	}

	ctx, cancel := context.WithCancel(h.lifetime)
	defer cancel()

	c := newClient(conn, user, h.fabric, h.router, h.opts, h.logger)
	go func() {
		select {
		case <-ctx.Done():
			c.shutdown()
		case <-c.done:
		}
	}()

	if err := c.connect(ctx); err != nil {
		h.logger.Error("websocket connect sequence failed", "user_id", user.ID, "error", err)
		c.leaveAll(ctx)
		c.shutdown()
		closeWith(conn, CloseInternalError, "internal error", h.opts.WriteWait)
		return
	}
	h.logger.Info("websocket connected", "user_id", user.ID)

	go c.writePump()
	c.readPump(ctx)
	c.disconnect(context.WithoutCancel(ctx))
	c.shutdown()
	h.logger.Info("websocket disconnected", "user_id", user.ID)
}

func closeWith(conn *websocket.Conn, code int, text string, wait time.Duration) {
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(wait))
	conn.Close()
}

// Client is a middleman between the websocket connection and the fabric.
type Client struct {
	conn   *websocket.Conn
	user   *models.User
	fabric broadcast.Fabric
	router *Router
	logger *slog.Logger
	opts   Options

	// Buffered channel of outbound messages.
	send chan []byte

	mu     sync.Mutex
	groups map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

var (
	_ Session              = (*Client)(nil)
	_ broadcast.Subscriber = (*Client)(nil)
)

func newClient(conn *websocket.Conn, user *models.User, fabric broadcast.Fabric, router *Router, opts Options, logger *slog.Logger) *Client {
	return &Client{
		conn:   conn,
		user:   user,
		fabric: fabric,
		router: router,
		logger: logger.With("user_id", user.ID),
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		groups: make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

func (c *Client) User() *models.User {
	return c.user
}

func (c *Client) Join(ctx context.Context, group string) error {
	if err := c.fabric.Join(ctx, group, c); err != nil {
		return err
	}
	c.mu.Lock()
	c.groups[group] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *Client) Joined(group string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.groups[group]
	return ok
}

// Deliver queues a payload without blocking. A client that cannot keep up
// is shut down.
func (c *Client) Deliver(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.shutdown()
	}
}

// Send queues an event addressed to this connection only.
func (c *Client) Send(payload []byte) {
	c.Deliver(payload)
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) connect(ctx context.Context) error {
	for _, group := range []string{UserGroup(c.user.ID), OnlineUsersGroup} {
		if err := c.Join(ctx, group); err != nil {
			return err
		}
	}
	online := encode(Presence{Type: EventUserOnline, UserID: c.user.ID, Username: c.user.Username})
	if err := c.fabric.Publish(ctx, OnlineUsersGroup, online); err != nil {
		return err
	}
	c.Send(encode(ConnectionEstablished{
		Type:    EventConnectionEstablished,
		Message: "WebSocket connection established successfully",
		UserID:  c.user.ID,
	}))
	return nil
}

func (c *Client) leaveAll(ctx context.Context) {
	c.mu.Lock()
	groups := make([]string, 0, len(c.groups))
	for group := range c.groups {
		groups = append(groups, group)
	}
	c.groups = make(map[string]struct{})
	c.mu.Unlock()

	for _, group := range groups {
		if err := c.fabric.Leave(ctx, group, c); err != nil {
			c.logger.Warn("leaving group failed", "group", group, "error", err)
		}
	}
}

// disconnect releases every group and announces the user went offline.
func (c *Client) disconnect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteWait)
	defer cancel()

	c.leaveAll(ctx)
	offline := encode(Presence{Type: EventUserOffline, UserID: c.user.ID, Username: c.user.Username})
	if err := c.fabric.Publish(ctx, OnlineUsersGroup, offline); err != nil {
		c.logger.Warn("publishing offline presence failed", "error", err)
	}
}

// readPump feeds inbound frames to the router until the connection fails.
func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.router.Dispatch(ctx, c, raw)
	}
}

// writePump is the only writer on the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
