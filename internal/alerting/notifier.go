package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Notification carries the alert context of one daily run.
type Notification struct {
	RunID          string
	Date           time.Time
	Status         string
	Pulse          *float64
	Weighting      string
	SkippedTickers map[string]string
	SkippedSectors map[string]string
	Systemic       bool
	Error          string
	AdditionalMsg  string
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
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

// Notify posts the rendered text to the sendMessage API.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
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
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
	}

	n.logger.Info().Str("run_id", note.RunID).
		Str("date", note.Date.Format(time.DateOnly)).
		Str("status", note.Status).
		Msg("run summary sent to telegram")
	return nil
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Sentiment Pulse] %s %s\n", note.Date.UTC().Format(time.DateOnly), strings.ToUpper(note.Status)))
	if note.RunID != "" {
		builder.WriteString(fmt.Sprintf("Run: %s\n", note.RunID))
	}
	if note.Pulse != nil {
		builder.WriteString(fmt.Sprintf("Pulse: %.6f (%s)\n", *note.Pulse, note.Weighting))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if note.Systemic {
		builder.WriteString("Every ticker failed at the source: likely a data provider outage\n")
	}
	writeReasons(&builder, "Skipped tickers", note.SkippedTickers)
	writeReasons(&builder, "Skipped sectors", note.SkippedSectors)
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

// writeReasons groups names by reason so large outages stay readable.
func writeReasons(b *strings.Builder, title string, reasons map[string]string) {
	if len(reasons) == 0 {
		return
	}
	grouped := make(map[string][]string)
	for name, reason := range reasons {
		grouped[reason] = append(grouped[reason], name)
	}
	keys := make([]string, 0, len(grouped))
	for reason := range grouped {
		keys = append(keys, reason)
	}
	sort.Strings(keys)

	b.WriteString(fmt.Sprintf("%s (%d):\n", title, len(reasons)))
	for _, reason := range keys {
		names := grouped[reason]
		sort.Strings(names)
		b.WriteString(fmt.Sprintf("  %s: %s\n", reason, strings.Join(names, ", ")))
	}
}

var _ Notifier = (*TelegramNotifier)(nil)
