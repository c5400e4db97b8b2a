package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramConfig holds configuration for the Telegram alerter.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration
	// BaseURL overrides the Bot API endpoint.
	BaseURL string
}

// TelegramAlerter posts alerts to a Telegram chat through the Bot API.
type TelegramAlerter struct {
	cfg    TelegramConfig
	client *http.Client
	now    func() time.Time
}

// NewTelegramAlerter creates a new Telegram alerter.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = telegramAPI
	}
	return &TelegramAlerter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}
}

func (t *TelegramAlerter) Name() string {
	return "telegram"
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert sends one message.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	body, err := json.Marshal(telegramMessage{
		ChatID:    t.cfg.ChatID,
		Text:      t.format(severity, message, fields...),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.BaseURL, t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var tr telegramResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return fmt.Errorf("parse response (status %d): %w", resp.StatusCode, err)
	}
	if !tr.OK {
		return fmt.Errorf("telegram API error: %s", tr.Description)
	}
	return nil
}

func (t *TelegramAlerter) format(severity Severity, message string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s]</b> %s", severity, html.EscapeString(message))
	if details := FormatFields(fields...); details != "" {
		b.WriteString("\n\n")
		b.WriteString(details)
	}
	fmt.Fprintf(&b, "\n\n<i>%s</i>", t.now().Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

// FormatFields renders slog-style key/value pairs one per line, HTML
// escaped. A trailing key without a value is dropped.
func FormatFields(fields ...any) string {
	var lines []string
	for i := 0; i+1 < len(fields); i += 2 {
		lines = append(lines, fmt.Sprintf("%s: %s",
			html.EscapeString(fmt.Sprint(fields[i])),
			html.EscapeString(fmt.Sprint(fields[i+1])),
		))
	}
	return strings.Join(lines, "\n")
}
