package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert carries the operator notification context for an escalated channel.
type Alert struct {
	ChannelID    string
	QuoteID      string
	QuotedPrice  decimal.Decimal
	CurrentPrice decimal.Decimal
	DeviationBps decimal.Decimal
	RepriceCount int
	MaxReprices  int
	QuotedAt     time.Time
	Elapsed      time.Duration

	// PersistFailed marks the degraded path: the escalation record could
	// not be written, the channel was left unpaused and an operator must
	// intervene manually.
	PersistFailed bool
	PersistError  string
}

// Notifier defines the operator alert delivery interface.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram alert sender.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify renders the alert and calls the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(alert),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("channel_id", alert.ChannelID).
		Bool("persist_failed", alert.PersistFailed).
		Msg("escalation alert sent")
	return nil
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	if alert.PersistFailed {
		builder.WriteString("[QuoteGuard] ESCALATION NOT RECORDED\n")
	} else {
		builder.WriteString("[QuoteGuard] Channel escalated\n")
	}
	builder.WriteString(fmt.Sprintf("Channel: %s\n", alert.ChannelID))
	if alert.QuoteID != "" {
		builder.WriteString(fmt.Sprintf("Quote: %s\n", alert.QuoteID))
	}
	builder.WriteString(fmt.Sprintf("Quoted: %s BRL\n", alert.QuotedPrice.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Market: %s BRL\n", alert.CurrentPrice.StringFixed(4)))
	builder.WriteString(fmt.Sprintf("Deviation: %s bps\n", alert.DeviationBps.StringFixed(1)))
	builder.WriteString(fmt.Sprintf("Reprices: %d/%d\n", alert.RepriceCount, alert.MaxReprices))
	if !alert.QuotedAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Quoted at: %s UTC\n", alert.QuotedAt.UTC().Format(time.RFC3339)))
	}
	if alert.Elapsed > 0 {
		builder.WriteString(fmt.Sprintf("Quote age: %s\n", alert.Elapsed.Truncate(time.Second)))
	}
	if alert.PersistFailed {
		builder.WriteString(fmt.Sprintf("Persistence error: %s\n", alert.PersistError))
		builder.WriteString("Channel NOT paused; manual intervention required.")
	} else {
		builder.WriteString("Automatic repricing paused; unpause after review.")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
