package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// WatchURL turns the sync service base URL into its change-feed URL.
func WatchURL(baseURL, budgetID string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + budgetPath(budgetID) + "/watch")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidInput, u.Scheme)
	}
	return u.String(), nil
}

// Watch subscribes to change notifications for budgetID. The returned
// channel is closed when ctx ends or the connection drops.
func Watch(ctx context.Context, baseURL, budgetID string, logger *log.Logger) (<-chan Notification, error) {
	wsURL, err := WatchURL(baseURL, budgetID)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing change feed: %w", err)
	}

	out := make(chan Notification, 8)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil && logger != nil {
					logger.Printf("change feed closed: %v", err)
				}
				return
			}
			var n Notification
			if err := json.Unmarshal(data, &n); err != nil {
				if logger != nil {
					logger.Printf("change feed: bad message: %v", err)
				}
				continue
			}
			select {
			case out <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
