package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"emarsi-trader/internal/model"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier sends alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	backoff  time.Duration
}

// NewTelegramNotifier creates a Telegram notifier for one chat.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  telegramAPI,
		client:   &http.Client{Timeout: 10 * time.Second},
		backoff:  time.Second,
	}
}

// telegramResponse is the Bot API envelope. ok=false carries a description
// even on HTTP 200.
type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     formatTelegram(alert),
		"parse_mode":               "MarkdownV2",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	resp, err := post(ctx, t.client, url, body, nil, t.backoff)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	var tr telegramResponse
	if json.Unmarshal(resp, &tr) == nil && !tr.OK && tr.Description != "" {
		return fmt.Errorf("telegram: %s", tr.Description)
	}

	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

func formatTelegram(alert Alert) string {
	var b strings.Builder
	switch alert.Level {
	case AlertWarning:
		b.WriteString("⚠️")
	case AlertCritical:
		b.WriteString("🚨")
	default:
		b.WriteString("ℹ️")
	}
	d := alert.Signal
	if d != nil {
		switch d.Kind {
		case model.KindBuy:
			b.WriteString("🟢")
		case model.KindSell:
			b.WriteString("🔴")
		}
	}
	fmt.Fprintf(&b, " *%s*\n\n", escapeMarkdown(alert.Title))

	if d == nil {
		b.WriteString(escapeMarkdown(alert.Message))
		return b.String()
	}
	fmt.Fprintf(&b, "Price: `%s`\n", escapeMarkdown(fmt.Sprintf("%.8g", d.Price)))
	fmt.Fprintf(&b, "Confidence: `%s`\n", escapeMarkdown(fmt.Sprintf("%.1f", d.Confidence)))
	if ind := d.Indicators; ind.EMAShort != nil && ind.EMALong != nil && ind.RSI != nil {
		fmt.Fprintf(&b, "EMA: `%s`  RSI: `%s`\n",
			escapeMarkdown(fmt.Sprintf("%.2f/%.2f", *ind.EMAShort, *ind.EMALong)),
			escapeMarkdown(fmt.Sprintf("%.1f", *ind.RSI)))
	}
	fmt.Fprintf(&b, "\n_%s_", escapeMarkdown(d.Rationale))
	return b.String()
}

// markdownSpecials must be backslash-escaped in MarkdownV2 text.
const markdownSpecials = "_*[]()~`>#+-=|{}.!\\"

func escapeMarkdown(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
