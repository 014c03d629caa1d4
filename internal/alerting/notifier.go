package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Alert kinds the engine raises for operators.
const (
	KindRateSourceUnhealthy = "rate_source_unhealthy"
	KindCollateralSlashed   = "collateral_slashed"
)

// Alert carries operator-facing context for one incident.
type Alert struct {
	Kind     string
	At       time.Time
	Message  string
	Bidder   string
	BidID    string
	Amount   *big.Int
	Source   string
	ProbeErr string
}

// Notifier delivers operator alerts.
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

// NewTelegramNotifier constructs a Telegram notifier.
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

// Notify sends a text message via the sendMessage API.
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
		return fmt.Errorf("telegram responded with status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().
		Str("kind", alert.Kind).
		Time("at", alert.At).
		Msg("alert delivered via telegram")
	return nil
}

func renderMessage(alert Alert) string {
	builder := strings.Builder{}
	builder.WriteString("[AuctionHouse Alert]\n")
	builder.WriteString(fmt.Sprintf("Kind: %s\n", alert.Kind))
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", alert.At.UTC().Format(time.RFC3339)))
	if alert.Message != "" {
		builder.WriteString(alert.Message + "\n")
	}
	if alert.Bidder != "" {
		builder.WriteString(fmt.Sprintf("Bidder: %s\n", alert.Bidder))
	}
	if alert.BidID != "" {
		builder.WriteString(fmt.Sprintf("Bid: %s\n", alert.BidID))
	}
	if alert.Amount != nil {
		// 18-decimal collateral asset amounts read better in whole units.
		builder.WriteString(fmt.Sprintf("Amount: %s\n", decimal.NewFromBigInt(alert.Amount, -18).StringFixed(6)))
	}
	if alert.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", alert.Source))
	}
	if alert.ProbeErr != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", alert.ProbeErr))
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
