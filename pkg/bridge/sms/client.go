// Package sms sends outbound text messages through a SignalWire-compatible
// LAML Messages endpoint.
package sms

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 10 * time.Second

// Config identifies the messaging account and sender.
type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	FromNumber string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("sms base URL must not be empty")
	}
	if strings.TrimSpace(cfg.AccountSID) == "" {
		return nil, fmt.Errorf("sms account sid must not be empty")
	}
	if strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, fmt.Errorf("sms auth token must not be empty")
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, fmt.Errorf("sms from number must not be empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &Client{cfg: cfg, httpClient: httpClient}, nil
}

// Send delivers one text message. Failures are returned to the caller; the
// tool layer converts them into error-shaped outputs so a failed send never
// ends the phone call.
func (c *Client) Send(ctx context.Context, to, body string) error {
	if c == nil {
		return fmt.Errorf("sms client is not initialized")
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return fmt.Errorf("sms recipient must not be empty")
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("sms body must not be empty")
	}

	endpoint := fmt.Sprintf("%s/api/laml/2010-04-01/Accounts/%s/Messages.json",
		strings.TrimRight(c.cfg.BaseURL, "/"), url.PathEscape(c.cfg.AccountSID))

	form := url.Values{}
	form.Set("From", c.cfg.FromNumber)
	form.Set("To", to)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send sms: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
