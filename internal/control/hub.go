// Package control exposes a running controller to local tools: a websocket
// feed of controller events with a small command protocol, and a JSON API
// for one-shot commands.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/proxyvpn/internal/controller"
	"github.com/koltyakov/proxyvpn/internal/domain"
	"github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/servers"
)

const (
	shutdownTimeout = 5 * time.Second
	writeTimeout    = 5 * time.Second
	commandTimeout  = 45 * time.Second
	sendBuffer      = 32
	maxMessageBytes = 64 << 10
)

// ErrNotAttached is returned by commands received before a controller was
// attached.
var ErrNotAttached = errors.New("controller not attached")

// Controller is the part of the controller driven over the control channel.
type Controller interface {
	CurrentState() controller.Snapshot
	ConnectLogical(ctx context.Context, choice servers.Choice) error
	Disconnect(ctx context.Context, err error) error
	DismissError(id string) bool
}

// CommandType names a websocket command.
type CommandType string

const (
	CommandConnect      CommandType = "connect"
	CommandDisconnect   CommandType = "disconnect"
	CommandState        CommandType = "state"
	CommandDismissError CommandType = "dismiss-error"
)

// Command is a client message on the websocket.
type Command struct {
	Type    CommandType     `json:"type"`
	Choice  *servers.Choice `json:"choice,omitempty"`
	ErrorID string          `json:"errorId,omitempty"`
}

// ReplyType tags command replies so clients can tell them from events.
const ReplyType = "reply"

// Reply answers one [Command].
type Reply struct {
	Type    string              `json:"type"`
	Command CommandType         `json:"command"`
	OK      bool                `json:"ok"`
	Error   string              `json:"error,omitempty"`
	State   controller.Snapshot `json:"state"`
}

// Browsers attach Origin to websocket handshakes and cross-site posts; local
// tools do not. Requests carrying one are refused.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return r.Header.Get("Origin") == "" },
}

// Hub fans controller events out to websocket clients. It implements
// [controller.Events]; a client too slow to drain its queue is dropped.
type Hub struct {
	log *slog.Logger

	ctrlMu sync.RWMutex
	ctrl   Controller
	token  string

	mu      sync.RWMutex
	clients map[string]*client
	wg      sync.WaitGroup
}

type client struct {
	id        string
	conn      *websocket.Conn
	send      chan any
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewHub returns a hub without a controller. The controller is attached
// later because it publishes into the hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log:     log.OrDefault(logger),
		clients: map[string]*client{},
	}
}

// Attach sets the controller commands are routed to.
func (h *Hub) Attach(ctrl Controller) {
	h.ctrlMu.Lock()
	h.ctrl = ctrl
	h.ctrlMu.Unlock()
}

// RequireToken makes every request present token as a bearer credential.
// An empty token disables the check.
func (h *Hub) RequireToken(token string) {
	h.ctrlMu.Lock()
	h.token = strings.TrimSpace(token)
	h.ctrlMu.Unlock()
}

func (h *Hub) controller() Controller {
	h.ctrlMu.RLock()
	defer h.ctrlMu.RUnlock()
	return h.ctrl
}

// Publish queues ev for every client without blocking.
func (h *Hub) Publish(ev controller.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.log.Warn("control client too slow; dropping", "client_id", c.id)
			c.close()
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.RLock()
	for _, c := range h.clients {
		c.close()
	}
	h.mu.RUnlock()
	h.wg.Wait()
}

// Handler routes the websocket feed and the JSON API.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", h.handleWS)
	mux.HandleFunc("GET /v1/state", h.handleState)
	mux.HandleFunc("POST /v1/connect", h.handleConnect)
	mux.HandleFunc("POST /v1/disconnect", h.handleDisconnect)
	mux.HandleFunc("POST /v1/dismiss-error", h.handleDismiss)
	return h.guard(mux)
}

// guard refuses browser-originated requests and, when a token is set,
// requests without it.
func (h *Hub) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" {
			h.log.Warn("control request from a browser origin refused", "origin", origin, "path", r.URL.Path)
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "cross-origin requests are not allowed"})
			return
		}
		h.ctrlMu.RLock()
		token := h.token
		h.ctrlMu.RUnlock()
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing or invalid control token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens on addr until ctx is canceled. It returns once the
// listener is bound.
func (h *Hub) Serve(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		h.Close()
	}()

	go func() {
		h.log.Info("control listener started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.Error("control server error", "err", err)
		}
	}()

	return ln.Addr(), nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageBytes)
	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan any, sendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.log.Debug("control client connected", "client_id", c.id)

	if ctrl := h.controller(); ctrl != nil {
		c.send <- controller.Event{Type: controller.EventState, State: ctrl.CurrentState()}
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writeLoop(c)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(c)
	}()
}

func (h *Hub) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

func (h *Hub) readLoop(c *client) {
	defer func() {
		c.close()
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		h.log.Debug("control client disconnected", "client_id", c.id)
	}()

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("control read error", "client_id", c.id, "err", err)
			}
			return
		}
		reply := h.execute(cmd)
		select {
		case c.send <- reply:
		case <-c.done:
			return
		}
	}
}

// execute runs cmd against the attached controller.
func (h *Hub) execute(cmd Command) Reply {
	reply := Reply{Type: ReplyType, Command: cmd.Type}
	ctrl := h.controller()
	if ctrl == nil {
		reply.Error = ErrNotAttached.Error()
		return reply
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case CommandConnect:
		choice := servers.Choice{Kind: servers.ChoiceFastest}
		if cmd.Choice != nil {
			choice = *cmd.Choice
		}
		err = ctrl.ConnectLogical(ctx, choice)
	case CommandDisconnect:
		err = ctrl.Disconnect(ctx, nil)
	case CommandState:
	case CommandDismissError:
		if !ctrl.DismissError(cmd.ErrorID) {
			err = errors.New("no such error: " + cmd.ErrorID)
		}
	default:
		err = errors.New("unknown command: " + string(cmd.Type))
	}
	reply.OK = err == nil
	if err != nil {
		reply.Error = err.Error()
	}
	reply.State = ctrl.CurrentState()
	return reply
}

type errorResponse struct {
	Error string `json:"error"`
}

type dismissRequest struct {
	ID string `json:"id"`
}

func (h *Hub) handleState(w http.ResponseWriter, _ *http.Request) {
	ctrl := h.controller()
	if ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNotAttached.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ctrl.CurrentState())
}

func (h *Hub) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller()
	if ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNotAttached.Error()})
		return
	}
	choice := servers.Choice{Kind: servers.ChoiceFastest}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&choice); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid choice: " + err.Error()})
			return
		}
	}
	if choice.Kind == "" {
		choice.Kind = servers.ChoiceFastest
	}
	if err := ctrl.ConnectLogical(r.Context(), choice); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ctrl.CurrentState())
}

func (h *Hub) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller()
	if ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNotAttached.Error()})
		return
	}
	if err := ctrl.Disconnect(r.Context(), nil); err != nil {
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ctrl.CurrentState())
}

func (h *Hub) handleDismiss(w http.ResponseWriter, r *http.Request) {
	ctrl := h.controller()
	if ctrl == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: ErrNotAttached.Error()})
		return
	}
	var req dismissRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}
	if !ctrl.DismissError(req.ID) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no such error: " + req.ID})
		return
	}
	writeJSON(w, http.StatusOK, ctrl.CurrentState())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotLoggedIn), domain.IsUnauthorized(err):
		return http.StatusUnauthorized
	case domain.IsForbidden(err):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNoServer):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
