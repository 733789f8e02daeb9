package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"raycastlab/tuner/internal/auth"
	"raycastlab/tuner/internal/control"
	"raycastlab/tuner/internal/logging"
	"raycastlab/tuner/internal/networking"
	"raycastlab/tuner/internal/params"
	"raycastlab/tuner/internal/scene"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
	inputTimeout   = time.Second
)

// Inbound message types.
const (
	msgKeyDown = "keydown"
	msgKeyUp   = "keyup"
	msgRelease = "release"
	msgParam   = "param"
	msgAction  = "action"
)

// Outbound message types.
const (
	msgHello   = "hello"
	msgFrame   = "frame"
	msgCommand = "command"
	msgChange  = "change"
	msgError   = "error"
)

// hubSession is the part of the tuning session driven by WebSocket panels.
type hubSession interface {
	KeyDown(ctx context.Context, key string) (control.Command, error)
	KeyUp(ctx context.Context, key string) (control.Command, error)
	ReleaseAll(ctx context.Context) (control.Command, error)
	SetParameter(ctx context.Context, id params.FieldID, value any) (params.Change, error)
	Action(ctx context.Context, name string) error
	Fields() []params.Descriptor
	Values() map[params.FieldID]any
	Frame() scene.Frame
	Subscribe(fn func(scene.Frame)) func()
}

type inboundMessage struct {
	Type   string         `json:"type"`
	Key    string         `json:"key,omitempty"`
	Field  params.FieldID `json:"field,omitempty"`
	Value  any            `json:"value,omitempty"`
	Action string         `json:"action,omitempty"`
}

type outboundMessage struct {
	Type    string                 `json:"type"`
	Frame   *scene.Frame           `json:"frame,omitempty"`
	Command *control.Command       `json:"command,omitempty"`
	Change  *params.Change         `json:"change,omitempty"`
	Fields  []params.Descriptor    `json:"fields,omitempty"`
	Values  map[params.FieldID]any `json:"values,omitempty"`
	Scope   auth.Scope             `json:"scope,omitempty"`
	TraceID string                 `json:"trace_id,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type hubClient struct {
	id      string
	ctx     context.Context
	trace   string
	conn    *websocket.Conn
	send    chan []byte
	scope   auth.Scope
	log     *logging.Logger
	dropped atomic.Uint64
}

// HubOptions configures the WebSocket hub.
type HubOptions struct {
	Session         hubSession
	Logger          *logging.Logger
	Authenticator   requestAuthenticator
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration

	// FrameBudget caps frame bytes per panel per second; zero sends every frame.
	FrameBudget float64
}

// Hub relays scene frames and parameter changes to every connected panel and
// feeds their keyboard input and edits into the session.
type Hub struct {
	session       hubSession
	log           *logging.Logger
	authenticator requestAuthenticator
	upgrader      websocket.Upgrader
	maxPayload    int64
	pingInterval  time.Duration
	budget        *networking.FrameBudget
	nextID        atomic.Uint64

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool

	unsubscribe func()
}

// NewHub constructs a hub and subscribes it to the session frames.
func NewHub(opts HubOptions) *Hub {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	authenticator := opts.Authenticator
	if authenticator == nil {
		authenticator = allowAllAuthenticator{}
	}
	ping := opts.PingInterval
	if ping <= 0 {
		ping = 30 * time.Second
	}
	h := &Hub{
		session:       opts.Session,
		log:           logger.Named("hub"),
		authenticator: authenticator,
		maxPayload:    opts.MaxPayloadBytes,
		pingInterval:  ping,
		budget:        networking.NewFrameBudget(opts.FrameBudget, nil),
		clients:       make(map[*hubClient]struct{}),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(opts.AllowedOrigins)}
	h.unsubscribe = opts.Session.Subscribe(h.publishFrame)
	return h
}

// Clients reports how many panels are connected.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// SkippedFrames counts frames withheld from connected panels by the frame budget.
func (h *Hub) SkippedFrames() int64 {
	return h.budget.Skipped()
}

// publishFrame runs on the simulation goroutine; slow clients and clients over
// their frame budget drop frames.
func (h *Hub) publishFrame(frame scene.Frame) {
	if h.Clients() == 0 {
		return
	}
	payload, err := json.Marshal(outboundMessage{Type: msgFrame, Frame: &frame})
	if err != nil {
		h.log.Error("encode frame", logging.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !h.budget.Allow(client.id, len(payload)) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			client.dropped.Add(1)
		}
	}
}

// PublishChange relays a committed edit so every panel stays in sync.
func (h *Hub) PublishChange(change params.Change) {
	if h.Clients() == 0 {
		return
	}
	payload, err := json.Marshal(outboundMessage{Type: msgChange, Change: &change})
	if err != nil {
		h.log.Error("encode change", logging.Error(err))
		return
	}
	h.broadcast(payload)
}

func (h *Hub) broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			client.dropped.Add(1)
		}
	}
}

// ServeHTTP upgrades the request and runs the client pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticator.Authenticate(r, auth.ScopeView)
	if err != nil {
		h.log.Warn("websocket rejected: unauthorized", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}
	//1.- The panel keeps the upgrade request's trace for its whole connection.
	id := fmt.Sprintf("panel-%d", h.nextID.Add(1))
	base := h.log.With(logging.String("panel", id), logging.String("client", r.RemoteAddr), logging.String("subject", claims.Subject))
	ctx, logger, traceID := logging.WithTrace(context.WithoutCancel(r.Context()), base, logging.TraceIDFromContext(r.Context()))
	client := &hubClient{
		id:    id,
		ctx:   ctx,
		trace: traceID,
		conn:  conn,
		send:  make(chan []byte, clientSendSize),
		scope: claims.Scope,
		log:   logger,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	client.log.Info("panel connected", logging.String("scope", string(client.scope)))

	//2.- Greet with the field list, current values and the latest frame.
	frame := h.session.Frame()
	h.reply(client, outboundMessage{Type: msgHello, Fields: h.session.Fields(), Values: h.session.Values(), Frame: &frame, Scope: client.scope, TraceID: client.trace})

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(client *hubClient) {
	defer h.disconnect(client)

	if h.maxPayload > 0 {
		client.conn.SetReadLimit(h.maxPayload)
	}
	pongWait := 2 * h.pingInterval
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.log.Warn("read error", logging.Error(err))
			}
			return
		}
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(client, data)
	}
}

func (h *Hub) handle(client *hubClient, data []byte) {
	var msg inboundMessage
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&msg); err != nil {
		h.reply(client, outboundMessage{Type: msgError, Error: "malformed message"})
		return
	}

	ctx, cancel := context.WithTimeout(client.ctx, inputTimeout)
	defer cancel()

	var (
		command control.Command
		err     error
	)
	switch msg.Type {
	case msgKeyDown:
		command, err = h.session.KeyDown(ctx, msg.Key)
	case msgKeyUp:
		command, err = h.session.KeyUp(ctx, msg.Key)
	case msgRelease:
		command, err = h.session.ReleaseAll(ctx)
	case msgParam:
		if !client.scope.Allows(auth.ScopeEdit) {
			err = auth.ErrForbidden
			break
		}
		//1.- The committed change reaches every panel through PublishChange.
		_, err = h.session.SetParameter(ctx, msg.Field, msg.Value)
		if err == nil {
			return
		}
	case msgAction:
		if !client.scope.Allows(auth.ScopeEdit) {
			err = auth.ErrForbidden
			break
		}
		if err = h.session.Action(ctx, msg.Action); err == nil {
			return
		}
	default:
		err = errors.New("unknown message type " + msg.Type)
	}
	if err != nil {
		client.log.Debug("message rejected", logging.String("type", msg.Type), logging.Error(err))
		h.reply(client, outboundMessage{Type: msgError, Error: err.Error()})
		return
	}
	h.reply(client, outboundMessage{Type: msgCommand, Command: &command})
}

func (h *Hub) reply(client *hubClient, msg outboundMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		client.log.Error("encode reply", logging.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.send <- payload:
	default:
		client.dropped.Add(1)
	}
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnect removes the client and releases every held key so the car does
// not keep driving on input nobody is sending any more.
func (h *Hub) disconnect(client *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(client.ctx, inputTimeout)
	defer cancel()
	if _, err := h.session.ReleaseAll(ctx); err != nil {
		client.log.Debug("release on disconnect failed", logging.Error(err))
	}
	fields := []logging.Field{logging.Int64("dropped_messages", int64(client.dropped.Load()))}
	if usage, ok := h.budget.Usage(client.id); ok {
		fields = append(fields, logging.Int64("skipped_frames", usage.Skipped), logging.Float64("frame_bytes_per_second", usage.BytesPerSecond))
	}
	h.budget.Forget(client.id)
	client.log.Info("panel disconnected", fields...)
}

// Close disconnects every client and stops receiving frames.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
}

// originChecker accepts every origin when allowed is empty, otherwise only
// exact scheme://host matches. Requests without an Origin header are accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[strings.TrimRight(strings.ToLower(origin), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		parsed, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(parsed.Scheme+"://"+parsed.Host)]
		return ok
	}
}
