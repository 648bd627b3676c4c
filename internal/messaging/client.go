package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"crm-orchestrator/internal/config"
)

// ErrUnavailable marks a transient channel failure (timeout, 5xx, rate
// limit). Callers may retry; anything else is permanent.
var ErrUnavailable = errors.New("messaging channel unavailable")

// Sender is the outbound messaging collaborator.
type Sender interface {
	SendText(conversationID, text string) error
}

// Client talks to a WhatsApp Cloud-style messages endpoint.
type Client struct {
	cfg        *config.Config
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://graph.facebook.com/v21.0",
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type textMessage struct {
	MessagingProduct string  `json:"messaging_product"`
	To               string  `json:"to"`
	Type             string  `json:"type"`
	Text             textObj `json:"text"`
}

type textObj struct {
	Body string `json:"body"`
}

func (c *Client) SendText(conversationID, text string) error {
	payload := textMessage{
		MessagingProduct: "whatsapp",
		To:               conversationID,
		Type:             "text",
		Text:             textObj{Body: text},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.cfg.PhoneNumberID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("channel rejected message (status %d): %s", resp.StatusCode, string(respBody))
	}
	return nil
}
