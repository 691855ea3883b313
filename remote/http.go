package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"scenesync/core"
	"scenesync/session"
)

// HTTP is a Client talking to a relay over the network: row writes go through
// the REST routes and changes arrive on the websocket stream.
type HTTP struct {
	baseURL    string
	token      string
	httpClient *resty.Client
	dialer     *websocket.Dialer
}

func NewHTTP(baseURL, token string) *HTTP {
	baseURL = strings.TrimRight(baseURL, "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetHeader("User-Agent", "scenesync/1.0").
		SetTimeout(10 * time.Second)
	if token != "" {
		client.SetAuthToken(token)
	}
	return &HTTP{
		baseURL:    baseURL,
		token:      token,
		httpClient: client,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// CreateSession asks the relay to mint a new session.
func (c *HTTP) CreateSession(ctx context.Context) (*session.Ticket, error) {
	var ticket session.Ticket
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&ticket).
		Post("/api/sessions")
	if err != nil {
		return nil, fmt.Errorf("create session request failed: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp, "")
	}
	return &ticket, nil
}

func (c *HTTP) UpsertState(ctx context.Context, id string, state json.RawMessage) error {
	return c.put(ctx, "/api/sessions/{id}/state", id, state)
}

func (c *HTTP) SetCommand(ctx context.Context, id string, command json.RawMessage) error {
	return c.put(ctx, "/api/sessions/{id}/command", id, command)
}

func (c *HTTP) put(ctx context.Context, route, id string, body json.RawMessage) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", id).
		SetHeader("Content-Type", "application/json").
		SetBody([]byte(body)).
		Put(route)
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	if resp.IsError() {
		return statusError(resp, id)
	}
	return nil
}

func (c *HTTP) ClearCommand(ctx context.Context, id, stamp string) error {
	req := c.httpClient.R().
		SetContext(ctx).
		SetPathParam("id", id)
	if stamp != "" {
		req.SetQueryParam("stamp", stamp)
	}
	resp, err := req.Delete("/api/sessions/{id}/command")
	if err != nil {
		return fmt.Errorf("relay request failed: %w", err)
	}
	if resp.IsError() {
		return statusError(resp, id)
	}
	return nil
}

func statusError(resp *resty.Response, id string) error {
	if resp.StatusCode() == http.StatusNotFound {
		return fmt.Errorf("session %s: %w", id, core.ErrRowNotFound)
	}
	return fmt.Errorf("relay error (%d): %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
}

func (c *HTTP) streamURL(id string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/" + url.PathEscape(id)
	return u.String(), nil
}

func (c *HTTP) Subscribe(ctx context.Context, id string) (Subscription, error) {
	target, err := c.streamURL(id)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	sub := &wsSubscription{
		conn:    conn,
		session: id,
		changes: make(chan core.RowChange, 32),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go sub.readLoop()
	return sub, nil
}

type wsSubscription struct {
	conn    *websocket.Conn
	session string
	changes chan core.RowChange
	errs    chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	closing atomic.Bool
}

func (s *wsSubscription) Changes() <-chan core.RowChange { return s.changes }
func (s *wsSubscription) Errors() <-chan error           { return s.errs }

func (s *wsSubscription) readLoop() {
	defer close(s.done)
	defer close(s.changes)

	for {
		var change core.RowChange
		if err := s.conn.ReadJSON(&change); err != nil {
			if !s.closing.Load() {
				logrus.WithFields(logrus.Fields{
					"session_id": s.session,
					"error":      err,
				}).Warn("Realtime stream closed")
				s.errs <- fmt.Errorf("realtime stream: %w", err)
			}
			return
		}
		select {
		case s.changes <- change:
		case <-s.stop:
			return
		}
	}
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.closing.Store(true)
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		<-s.done
	})
	return err
}
