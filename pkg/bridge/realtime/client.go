package realtime

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultBaseURL is the production realtime endpoint.
	DefaultBaseURL = "wss://api.openai.com/v1/realtime"

	defaultHandshakeTimeout = 10 * time.Second
)

// DialConfig configures the outbound service connection.
type DialConfig struct {
	BaseURL          string
	Model            string
	APIKey           string
	HandshakeTimeout time.Duration
}

// Dial opens the realtime WebSocket. The handshake is bounded by
// HandshakeTimeout and fails fast on a non-upgrade response; there is no
// retry, because a bad call setup should reject the caller promptly rather
// than hold the line.
func Dial(ctx context.Context, cfg DialConfig) (*websocket.Conn, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("realtime api key must not be empty")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("realtime model must not be empty")
	}

	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	endpoint, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse realtime base URL: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", cfg.Model)
	endpoint.RawQuery = query.Encode()

	headers := make(http.Header)
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}

	dialCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime handshake failed: %w", err)
	}
	return conn, nil
}
