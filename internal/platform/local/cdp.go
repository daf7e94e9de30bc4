package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// cdpConn is a DevTools protocol session on a single page target.
type cdpConn struct {
	conn      *websocket.Conn
	idCounter int64
	mu        sync.Mutex
}

type envelope struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *responseError  `json:"error,omitempty"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const defaultCallTimeout = 20 * time.Second

func dialTarget(ctx context.Context, socketURL string) (*cdpConn, error) {
	conn, _, err := websocket.Dial(ctx, socketURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial cdp websocket: %w", err)
	}
	conn.SetReadLimit(32 << 20)
	return &cdpConn{conn: conn}, nil
}

func (c *cdpConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "closing")
}

func (c *cdpConn) CaptureScreenshot(ctx context.Context) (string, error) {
	if err := c.Call(ctx, "Page.enable", nil, nil); err != nil {
		return "", err
	}
	var response struct {
		Data string `json:"data"`
	}
	if err := c.Call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"}, &response); err != nil {
		return "", err
	}
	return response.Data, nil
}

// Call sends one command and waits for its response, skipping events and
// responses to other commands.
func (c *cdpConn) Call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.idCounter++
	requestID := c.idCounter

	payload := map[string]any{
		"id":     requestID,
		"method": method,
	}
	if params != nil {
		payload["params"] = params
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cdp request: %w", err)
	}

	deadline := time.Now().Add(defaultCallTimeout)
	if explicit, ok := ctx.Deadline(); ok {
		deadline = explicit
	}
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := c.conn.Write(callCtx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("write cdp request: %w", err)
	}

	for {
		_, message, err := c.conn.Read(callCtx)
		if err != nil {
			return fmt.Errorf("read cdp response: %w", err)
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}
		if env.ID != requestID {
			continue
		}
		if env.Error != nil {
			return fmt.Errorf("cdp %s failed (%d): %s", method, env.Error.Code, env.Error.Message)
		}
		if out != nil && len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, out); err != nil {
				return fmt.Errorf("decode %s response: %w", method, err)
			}
		}
		return nil
	}
}
