package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/proxyvpn/internal/controller"
	"github.com/koltyakov/proxyvpn/internal/servers"
)

const wsHandshakeTimeout = 10 * time.Second

// Client talks to the control listener of a running instance.
type Client struct {
	base  string
	token string
	http  *resty.Client
}

// NewClient returns a client for the control listener at addr, given as
// host:port or as an http URL. A non-empty token is sent as a bearer
// credential.
func NewClient(addr, token string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	r := resty.New().
		SetBaseURL(base).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		r.SetTimeout(timeout)
	}
	token = strings.TrimSpace(token)
	if token != "" {
		r.SetAuthToken(token)
	}
	return &Client{base: base, token: token, http: r}
}

// RequestError is a non-2xx answer of the control API.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("control: %s (%d)", e.Message, e.Status)
}

// State returns the visible state of the running controller.
func (c *Client) State(ctx context.Context) (controller.Snapshot, error) {
	return c.call(ctx, http.MethodGet, "/v1/state", nil)
}

// Connect asks the running controller to connect to choice.
func (c *Client) Connect(ctx context.Context, choice servers.Choice) (controller.Snapshot, error) {
	return c.call(ctx, http.MethodPost, "/v1/connect", choice)
}

// Disconnect asks the running controller to disconnect.
func (c *Client) Disconnect(ctx context.Context) (controller.Snapshot, error) {
	return c.call(ctx, http.MethodPost, "/v1/disconnect", nil)
}

// DismissError hides the blocking error with id.
func (c *Client) DismissError(ctx context.Context, id string) (controller.Snapshot, error) {
	return c.call(ctx, http.MethodPost, "/v1/dismiss-error", dismissRequest{ID: id})
}

func (c *Client) call(ctx context.Context, method, path string, body any) (controller.Snapshot, error) {
	var (
		out     controller.Snapshot
		failure errorResponse
	)
	req := c.http.R().SetContext(ctx).SetResult(&out).SetError(&failure)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return controller.Snapshot{}, fmt.Errorf("control %s: %w", path, err)
	}
	if resp.IsError() {
		msg := failure.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return controller.Snapshot{}, &RequestError{Status: resp.StatusCode(), Message: msg}
	}
	return out, nil
}

// Watch streams controller events to fn until ctx is canceled or the
// connection drops. Command replies are skipped.
func (c *Client) Watch(ctx context.Context, fn func(controller.Event)) error {
	u, err := url.Parse(c.base)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var ev controller.Event
		if err := json.Unmarshal(data, &ev); err != nil || string(ev.Type) == ReplyType {
			continue
		}
		fn(ev)
	}
}
