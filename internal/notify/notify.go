// Package notify posts batch-run summaries to chat webhooks and LINE.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/medstack/receiptocr/internal/linebot"
	"github.com/medstack/receiptocr/internal/receipt"
)

// Notifier delivers a plain-text summary somewhere.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// WebhookNotifier posts to a Slack- or Discord-style incoming webhook.
type WebhookNotifier struct {
	url string
	// key is the JSON field the webhook expects: "text" for Slack,
	// "content" for Discord.
	key  string
	http *http.Client
}

func NewSlackNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, key: "text", http: &http.Client{Timeout: 10 * time.Second}}
}

func NewDiscordNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{url: url, key: "content", http: &http.Client{Timeout: 10 * time.Second}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, text string) error {
	blob, _ := json.Marshal(map[string]string{n.key: text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(blob))
	if err != nil {
		return receipt.WrapError(receipt.KindMessaging, "build webhook request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.http.Do(req)
	if err != nil {
		return receipt.WrapError(receipt.KindMessaging, "post webhook", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return receipt.NewError(receipt.KindMessaging,
			fmt.Sprintf("webhook status=%d body=%s", resp.StatusCode, string(body)))
	}
	return nil
}

// LineNotifier pushes the summary to one LINE user.
type LineNotifier struct {
	client *linebot.Client
	userID string
}

func NewLineNotifier(client *linebot.Client, userID string) *LineNotifier {
	return &LineNotifier{client: client, userID: userID}
}

func (n *LineNotifier) Notify(ctx context.Context, text string) error {
	return n.client.Push(ctx, n.userID, []linebot.Message{linebot.NewText(text)})
}

// Fanout sends to every notifier, logging failures instead of aborting.
type Fanout struct {
	targets []Notifier
	log     *zap.Logger
}

func NewFanout(log *zap.Logger, targets ...Notifier) *Fanout {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{targets: targets, log: log}
}

func (f *Fanout) Notify(ctx context.Context, text string) error {
	for _, t := range f.targets {
		if err := t.Notify(ctx, text); err != nil {
			f.log.Warn("notify failed", zap.Error(err))
		}
	}
	return nil
}

// BatchSummary formats the standard batch-run notification.
func BatchSummary(total, accepted, review, rejected int, started time.Time) string {
	return fmt.Sprintf("レシート一括処理が完了しました\n処理: %d件 / 自動登録: %d件 / 要確認: %d件 / 失敗: %d件\n所要時間: %s",
		total, accepted, review, rejected, time.Since(started).Round(time.Second))
}
