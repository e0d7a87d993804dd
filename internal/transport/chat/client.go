// Package chat is the client for the primary chat-style messaging API
// (JSON body, bearer token, one "messages" endpoint per sender number).
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"dispatchd/internal/transport"
)

type Config struct {
	Name          string
	BaseURL       string
	Token         string
	PhoneNumberID string
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config, hc *http.Client) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("chat: base_url is required")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("chat: token is required")
	}
	if cfg.Name == "" {
		cfg.Name = "chat"
	}
	if hc == nil {
		hc = transport.DefaultHTTPClient()
	}
	return &Client{cfg: cfg, http: hc}, nil
}

func (c *Client) Name() string { return c.cfg.Name }

type textBody struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type sendRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	RecipientType    string   `json:"recipient_type"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

func (c *Client) endpoint() string {
	if c.cfg.PhoneNumberID == "" {
		return c.cfg.BaseURL + "/messages"
	}
	return c.cfg.BaseURL + "/" + c.cfg.PhoneNumberID + "/messages"
}

// SendText posts one text message. The provider expects the number
// without the leading "+".
func (c *Client) SendText(ctx context.Context, to, text string) error {
	payload, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             textBody{Body: text},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()
	return transport.CheckResponse(c.cfg.Name, resp)
}
