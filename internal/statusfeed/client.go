package statusfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client reads a running commander's status feed.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the feed at addr (host:port or a URL).
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Status fetches the overall counters.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	err := c.get(ctx, "/api/status", &resp)
	return resp, err
}

// Workers lists workers, optionally only active ones.
func (c *Client) Workers(ctx context.Context, activeOnly bool) ([]WorkerResponse, error) {
	path := "/api/workers"
	if activeOnly {
		path += "?active=true"
	}
	var resp []WorkerResponse
	err := c.get(ctx, path, &resp)
	return resp, err
}

// Worker fetches one worker with its last lines of log.
func (c *Client) Worker(ctx context.Context, id string, lines int) (WorkerResponse, error) {
	var resp WorkerResponse
	err := c.get(ctx, "/api/workers/"+url.PathEscape(id)+"?lines="+strconv.Itoa(lines), &resp)
	return resp, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status feed unreachable (is a commander running?): %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("status feed returned %d: %s", resp.StatusCode, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Watch streams events over the WebSocket endpoint and calls fn for each
// until ctx ends, the feed closes or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(FeedEvent) error) error {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial status feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
		conn.Close()
	})
	defer stop()

	for {
		var ev FeedEvent
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
