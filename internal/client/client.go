// ABOUTME: ReconnectingClient holds one logical subscription to a conversation over WebSocket
// ABOUTME: Reconnects with capped exponential backoff and resyncs from a fresh snapshot every time

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/tandem/internal/conversation"
	"github.com/2389/tandem/internal/store"
)

// Event is one item of the client's event stream.
type Event = conversation.Event

// Event kinds yielded by Events.
const (
	EventSnapshot    = conversation.EventSnapshot
	EventNewMessage  = conversation.EventNewMessage
	EventReadReceipt = conversation.EventReadReceipt
	EventMembership  = conversation.EventMembership
)

var (
	// ErrConnectionLost fails sends that were in flight when the socket dropped.
	ErrConnectionLost = errors.New("connection lost")

	// ErrAlreadyStarted is returned by a second Connect.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrClosed is returned by Connect after Disconnect.
	ErrClosed = errors.New("client disconnected")
)

// State is the client's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateActive
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateReconnecting:
		return "reconnecting"
	}
	return "disconnected"
}

// Config configures a Client.
type Config struct {
	// URL is the gateway base URL, for example ws://localhost:8080.
	URL         string
	Token       string
	OtherUserID string

	// IncludeMembership forwards membership_update frames as EventMembership.
	IncludeMembership bool

	InitialBackoff time.Duration // default 500ms
	MaxBackoff     time.Duration // default 30s
	DialTimeout    time.Duration // dial plus snapshot; default 10s
	SendTimeout    time.Duration // default 10s
	EventBuffer    int           // default 256
	ReadLimit      int64         // largest frame accepted; default 16 MiB
	SeenCacheSize  int           // default 4096

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 16 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type sendReply struct {
	msg *store.Message
	err error
}

// Client is a reconnecting subscription to one conversation. Each connection
// epoch yields one EventSnapshot followed by live events; a reconnect starts a
// new epoch with a new snapshot.
type Client struct {
	cfg      Config
	endpoint string
	seen     *seenCache
	events   chan Event
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	err     error
	conn    *websocket.Conn
	pending map[string]chan sendReply
	cancel  context.CancelFunc
	started bool
	stopped bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// New validates cfg and creates a client. Nothing is dialed until Connect.
func New(cfg Config) (*Client, error) {
	cfg.applyDefaults()
	if !store.ValidUserID(cfg.OtherUserID) {
		return nil, fmt.Errorf("invalid other user id %q", cfg.OtherUserID)
	}
	endpoint, err := endpointURL(cfg.URL, cfg.OtherUserID)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:      cfg,
		endpoint: endpoint,
		seen:     newSeenCache(cfg.SeenCacheSize),
		events:   make(chan Event, cfg.EventBuffer),
		logger:   cfg.Logger.With("component", "client", "other_user_id", cfg.OtherUserID),
		pending:  make(map[string]chan sendReply),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// endpointURL turns the gateway base URL into the /ws endpoint for other.
func endpointURL(base, other string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server url must be ws, wss, http or https, got %q", base)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("user", other)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect starts the connection loop and waits for the first snapshot. If ctx
// ends first, Connect returns ctx.Err() and the loop keeps retrying in the
// background until Disconnect. A rejected identity stops the loop and is
// returned as conversation.ErrNotAuthenticated.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.stopped:
		c.mu.Unlock()
		return ErrClosed
	case c.started:
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.state = StateConnecting
	c.mu.Unlock()

	go c.run(runCtx)

	select {
	case <-c.ready:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect leaves the conversation and stops reconnecting. It is safe to
// call more than once and from any goroutine.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.stopped = true
	started := c.started
	cancel := c.cancel
	conn := c.conn
	c.mu.Unlock()

	if !started {
		c.finish(nil)
		return
	}

	if conn != nil {
		ctx, cancelWrite := context.WithTimeout(context.Background(), time.Second)
		_ = wsjson.Write(ctx, conn, conversation.Frame{Type: conversation.FrameLeave})
		cancelWrite()
	}
	cancel()
	<-c.done
}

// Events yields the event stream. It is closed once the client stops.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed once the client stops for good.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// State reports the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err reports why the client stopped, or nil after a plain Disconnect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send sends content and waits for the stored message. It fails fast with
// conversation.ErrSessionNotActive unless the client is Active.
func (c *Client) Send(ctx context.Context, content string) (*store.Message, error) {
	return c.send(ctx, content, false)
}

// SendAutoPilot sends content flagged as written by an assistant on the user's behalf.
func (c *Client) SendAutoPilot(ctx context.Context, content string) (*store.Message, error) {
	return c.send(ctx, content, true)
}

func (c *Client) send(ctx context.Context, content string, autoPilot bool) (*store.Message, error) {
	reqID := uuid.New().String()
	reply := make(chan sendReply, 1)

	c.mu.Lock()
	if c.state != StateActive || c.conn == nil {
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: client is %s", conversation.ErrSessionNotActive, state)
	}
	conn := c.conn
	c.pending[reqID] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	err := wsjson.Write(ctx, conn, conversation.Frame{
		Type:      conversation.FrameSendMessage,
		RequestID: reqID,
		Content:   content,
		AutoPilot: autoPilot,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case r := <-reply:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run owns the connection: dial under backoff, serve until the socket drops,
// repeat until canceled or permanently rejected.
func (c *Client) run(ctx context.Context) {
	var final error
	defer func() { c.finish(final) }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry until Disconnect

	for {
		var (
			conn *websocket.Conn
			snap Event
		)
		err := backoff.RetryNotify(func() error {
			var err error
			conn, snap, err = c.open(ctx)
			return err
		}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
			c.logger.Warn("connect failed, retrying", "error", err, "retry_in", wait)
		})
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("giving up", "error", err)
				final = err
			}
			return
		}

		err = c.serve(ctx, conn, snap)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("connection lost, reconnecting", "error", err)
		c.setState(StateReconnecting)
	}
}

// open dials and waits for the snapshot. HTTP rejections before the upgrade
// are permanent; everything else is retried.
func (c *Client) open(ctx context.Context) (*websocket.Conn, Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := websocket.Dial(ctx, c.endpoint, &websocket.DialOptions{
		HTTPClient: c.cfg.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, Event{}, backoff.Permanent(fmt.Errorf("%w: server rejected credentials", conversation.ErrNotAuthenticated))
			case http.StatusBadRequest:
				return nil, Event{}, backoff.Permanent(fmt.Errorf("%w: %s", conversation.ErrInvalidConversation, c.cfg.OtherUserID))
			}
		}
		return nil, Event{}, fmt.Errorf("dialing: %w", err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	var f conversation.Frame
	if err := wsjson.Read(ctx, conn, &f); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, Event{}, fmt.Errorf("waiting for snapshot: %w", err)
	}
	if f.Type == conversation.FrameError {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, Event{}, fmt.Errorf("join rejected: %w", serverError(f))
	}
	ev, ok := f.Event()
	if !ok || ev.Kind != EventSnapshot {
		_ = conn.Close(websocket.StatusProtocolError, "expected snapshot")
		return nil, Event{}, fmt.Errorf("expected %s frame, got %q", EventSnapshot, f.Type)
	}
	return conn, ev, nil
}

// serve runs one connection epoch.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, snap Event) error {
	defer c.drop(conn)

	ids := make([]string, len(snap.Snapshot.Messages))
	for i, m := range snap.Snapshot.Messages {
		ids[i] = m.ID
	}
	c.seen.Reset(ids)

	c.mu.Lock()
	c.conn = conn
	c.state = StateActive
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(c.ready) })

	c.logger.Info("joined conversation",
		"conversation_key", snap.Snapshot.ConversationKey.String(),
		"messages", len(snap.Snapshot.Messages))

	if !c.emit(ctx, snap) {
		return ctx.Err()
	}

	for {
		var f conversation.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return err
		}
		if !c.handle(ctx, f) {
			return ctx.Err()
		}
	}
}

// handle dispatches one frame. It returns false when ctx ended while emitting.
func (c *Client) handle(ctx context.Context, f conversation.Frame) bool {
	switch f.Type {
	case conversation.FrameSendResult:
		c.resolve(f.RequestID, sendReply{msg: f.Message})
		return true
	case conversation.FrameError:
		if f.RequestID != "" {
			c.resolve(f.RequestID, sendReply{err: serverError(f)})
			return true
		}
		c.logger.Warn("server error", "code", f.Code, "error", f.Error)
		return true
	}

	ev, ok := f.Event()
	if !ok {
		c.logger.Debug("ignoring unknown frame", "type", f.Type)
		return true
	}
	switch ev.Kind {
	case EventNewMessage:
		if c.seen.CheckAndMark(ev.Message.ID) {
			c.logger.Debug("dropping duplicate message", "message_id", ev.Message.ID)
			return true
		}
	case EventMembership:
		if !c.cfg.IncludeMembership {
			return true
		}
	case EventSnapshot:
		c.logger.Warn("unexpected second snapshot on one connection")
		return true
	}
	return c.emit(ctx, ev)
}

func (c *Client) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) resolve(reqID string, r sendReply) {
	c.mu.Lock()
	ch, ok := c.pending[reqID]
	delete(c.pending, reqID)
	c.mu.Unlock()
	if ok {
		ch <- r
	}
}

// drop forgets conn and fails every send still waiting on it.
func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan sendReply)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- sendReply{err: ErrConnectionLost}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	c.state = StateDisconnected
	c.err = err
	c.mu.Unlock()
	close(c.events)
	close(c.done)
}

// ServerError is an error frame decoded from the gateway. It unwraps to the
// matching conversation sentinel so errors.Is works across the wire.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return e.Message
}

func (e *ServerError) Unwrap() error {
	return conversation.ErrorForCode(e.Code)
}

func serverError(f conversation.Frame) error {
	msg := f.Error
	if msg == "" {
		msg = f.Code
	}
	return &ServerError{Code: f.Code, Message: msg}
}
