package sdk

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Subscribe opens a websocket to the hub and calls fn for every project
// event matching the filter, in hub order. It blocks until ctx ends,
// the hub closes the stream, or fn returns an error (which Subscribe
// then returns).
//
// Requires a session with stream access, so call Handshake first.
//
//	err := client.Subscribe(ctx, sdk.StreamFilter{
//	    AggregateID: "backend",
//	    Types:       []string{"file.modified", "file.deleted"},
//	}, func(e *sdk.Event) error {
//	    log.Printf("%s %s by %s", e.Type, e.Data["path"], e.AgentID)
//	    return nil
//	})
func (c *Client) Subscribe(ctx context.Context, f StreamFilter, fn func(*Event) error) error {
	target, err := c.streamURL(f)
	if err != nil {
		return err
	}

	header := http.Header{}
	header.Set("X-Agent-ID", c.config.AgentID)
	if sid := c.SessionID(); sid != "" {
		header.Set("X-Session-ID", sid)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			raw, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return newAPIError(resp.StatusCode, raw)
		}
		return fmt.Errorf("forgegate-sdk: websocket dial failed: %w", err)
	}
	defer conn.Close()

	// The read loop below only unblocks on connection errors, so a
	// context cancellation has to tear the connection down itself.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("forgegate-sdk: websocket read failed: %w", err)
		}
		if err := fn(&ev); err != nil {
			return err
		}
	}
}

// streamURL converts the base URL to the websocket scheme and encodes
// the filter as query parameters.
func (c *Client) streamURL(f StreamFilter) (string, error) {
	u, err := url.Parse(c.config.BaseURL)
	if err != nil {
		return "", fmt.Errorf("forgegate-sdk: invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("forgegate-sdk: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/streams/ws"

	vals := url.Values{}
	if f.AggregateID != "" {
		vals.Set("aggregate_id", f.AggregateID)
	}
	if f.Agent != "" {
		vals.Set("agent", f.Agent)
	}
	if f.Path != "" {
		vals.Set("path", f.Path)
	}
	if len(f.Types) > 0 {
		vals.Set("types", strings.Join(f.Types, ","))
	}
	u.RawQuery = vals.Encode()
	return u.String(), nil
}
