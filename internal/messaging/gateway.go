package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const messagesPath = "/v1/messages"

// GatewayOptions parameterise the chat-gateway client.
type GatewayOptions struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Gateway posts messages through the desk's chat-gateway HTTP API.
type Gateway struct {
	opts    GatewayOptions
	client  *http.Client
	logger  zerolog.Logger
	baseURL string
}

// NewGateway constructs a chat-gateway messenger.
func NewGateway(opts GatewayOptions, logger zerolog.Logger) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Gateway{
		opts:    opts,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "chat_gateway").Logger(),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Send posts text into the given negotiation channel.
func (g *Gateway) Send(ctx context.Context, channelID, text string) error {
	if g.baseURL == "" {
		return errors.New("chat gateway base url not configured")
	}
	if channelID == "" {
		return errors.New("channel id required")
	}

	payload := map[string]string{
		"channel_id": channelID,
		"text":       text,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.opts.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("send gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return errors.New("gateway returned ok=false")
		}
	}

	g.logger.Debug().Str("channel_id", channelID).Int("len", len(text)).Msg("message sent")
	return nil
}

var _ Messenger = (*Gateway)(nil)
