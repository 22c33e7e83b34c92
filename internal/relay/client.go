package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is a Store backed by a remote Server.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu   sync.Mutex
	subs map[string]*websocket.Conn // subscription id -> conn
}

// NewClient creates a client for the relay server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP: &http.Client{
			Timeout: 10 * time.Second,
		},
		subs: make(map[string]*websocket.Conn),
	}
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("relay unreachable at %s: %w", c.BaseURL, err)
	}
	drain(resp)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay health check: status %s", resp.Status)
	}
	return nil
}

func (c *Client) Insert(ctx context.Context, table string, row Row) error {
	var ack struct {
		Status string `json:"status"`
	}
	return c.postJSON(ctx, "/api/store/"+table, row, &ack)
}

func (c *Client) Update(ctx context.Context, table string, filter Filter, patch Row) (int, error) {
	var ack struct {
		Updated int `json:"updated"`
	}
	err := c.postJSON(ctx, "/api/store/"+table+"/update", map[string]any{
		"filter": filter,
		"patch":  patch,
	}, &ack)
	return ack.Updated, err
}

func (c *Client) Select(ctx context.Context, table string, filter Filter) ([]Row, error) {
	u := c.BaseURL + "/api/store/" + table
	if filter.Column != "" {
		q := url.Values{}
		q.Set("column", filter.Column)
		q.Set("value", canonical(filter.Value))
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("relay select %s: status %s", table, resp.Status)
	}
	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) Delete(ctx context.Context, table string, filter Filter) error {
	var ack struct {
		Status string `json:"status"`
	}
	return c.postJSON(ctx, "/api/store/"+table+"/delete", map[string]any{"filter": filter}, &ack)
}

// Subscribe opens a websocket change stream. The reader goroutine forwards
// events until cancel is called or the server closes the stream; cancel is
// idempotent.
func (c *Client) Subscribe(table string, kind EventKind, filter Filter) (<-chan Event, func(), error) {
	q := url.Values{}
	q.Set("table", table)
	q.Set("kind", string(kind))
	if filter.Column != "" {
		q.Set("column", filter.Column)
		q.Set("value", canonical(filter.Value))
	}

	wsURL := "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/api/store/subscribe?" + q.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("relay subscribe %s: %w", table, err)
	}

	id := uuid.NewString()
	c.mu.Lock()
	c.subs[id] = conn
	c.mu.Unlock()

	ch := make(chan Event, 64)
	done := make(chan struct{})

	cancel := func() {
		c.mu.Lock()
		stored, ok := c.subs[id]
		if ok {
			delete(c.subs, id)
		}
		c.mu.Unlock()
		if ok {
			close(done)
			_ = stored.Close()
		}
	}

	go func() {
		defer close(ch)
		for {
			var evt Event
			if err := conn.ReadJSON(&evt); err != nil {
				select {
				case <-done:
				default:
					clog.Debugw("subscription closed by server", "table", table, "error", err)
					cancel()
				}
				return
			}
			select {
			case ch <- evt:
			case <-done:
				return
			}
		}
	}()

	clog.Debugw("subscription opened", "id", id, "table", table, "kind", kind)
	return ch, cancel, nil
}

// Close cancels all open subscriptions.
func (c *Client) Close() {
	c.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(c.subs))
	for _, conn := range c.subs {
		conns = append(conns, conn)
	}
	c.subs = make(map[string]*websocket.Conn)
	c.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("POST %s: status %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
