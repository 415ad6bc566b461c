package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/switchboard-sh/switchboard/internal/shared/types"
)

// frame mirrors the daemon's WebSocket envelope.
type frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// WatchAttention subscribes to the daemon's attention stream and
// invokes fn for every event until ctx is canceled or the stream
// closes. Frames other than attention events are skipped.
func (c *Client) WatchAttention(ctx context.Context, fn func(types.AttentionEvent)) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL("/ws/attention"), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("attention stream rejected: %s", resp.Status)
		}
		return fmt.Errorf("dial attention stream: %w", err)
	}
	defer conn.Close()

	// Closing the conn is the only way to unblock ReadMessage when the
	// caller gives up.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("attention stream: %w", err)
		}

		var f frame
		if err := sonic.Unmarshal(raw, &f); err != nil {
			continue
		}
		if f.Type != "attention" {
			continue
		}
		var event types.AttentionEvent
		if err := sonic.Unmarshal(f.Payload, &event); err != nil {
			continue
		}
		fn(event)
	}
}

func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + path
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + path
	default:
		return c.base + path
	}
}
