// Package sms is the client for the fallback SMS API (form-encoded body,
// basic auth with account sid and auth token).
package sms

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"dispatchd/internal/transport"
)

type Config struct {
	BaseURL    string
	AccountSID string
	AuthToken  string
	From       string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, hc *http.Client) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	switch {
	case cfg.BaseURL == "":
		return nil, errors.New("sms: base_url is required")
	case cfg.AccountSID == "" || cfg.AuthToken == "":
		return nil, errors.New("sms: account_sid and auth_token are required")
	case cfg.From == "":
		return nil, errors.New("sms: from is required")
	}
	if hc == nil {
		hc = transport.DefaultHTTPClient()
	}
	return &Client{cfg: cfg, http: hc}, nil
}

func (c *Client) Name() string { return "sms" }

func (c *Client) SendText(ctx context.Context, to, text string) error {
	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.From)
	form.Set("Body", text)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms: %w", err)
	}
	defer resp.Body.Close()
	return transport.CheckResponse("sms", resp)
}
