package linebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/medstack/receiptocr/internal/receipt"
)

const (
	apiBase     = "https://api.line.me"
	apiDataBase = "https://api-data.line.me"

	// Media downloads are capped so a hostile payload cannot exhaust us.
	maxMediaBytes = 20 << 20
)

// Client talks to the Messaging API with the channel access token.
type Client struct {
	token   string
	http    *http.Client
	baseURL string
	dataURL string
}

func NewClient(channelToken string) *Client {
	return &Client{
		token:   channelToken,
		http:    &http.Client{Timeout: 15 * time.Second},
		baseURL: apiBase,
		dataURL: apiDataBase,
	}
}

// WithBaseURLs points the client at a test server.
func (c *Client) WithBaseURLs(api, data string) *Client {
	c.baseURL = api
	c.dataURL = data
	return c
}

// Reply answers the event's reply token. Reply tokens are short-lived;
// when the platform rejects one the same messages go out as a push so
// the user still hears back.
func (c *Client) Reply(ctx context.Context, replyToken, userID string, msgs []Message) error {
	msgs = ClampMessages(msgs)
	if len(msgs) == 0 {
		return nil
	}
	err := c.post(ctx, "/v2/bot/message/reply", map[string]any{
		"replyToken": replyToken,
		"messages":   msgs,
	})
	if err == nil {
		return nil
	}
	if userID == "" {
		return err
	}
	if perr := c.Push(ctx, userID, msgs); perr != nil {
		return receipt.WrapError(receipt.KindMessaging, "reply and push both failed", perr)
	}
	return nil
}

func (c *Client) Push(ctx context.Context, userID string, msgs []Message) error {
	return c.post(ctx, "/v2/bot/message/push", map[string]any{
		"to":       userID,
		"messages": ClampMessages(msgs),
	})
}

// DownloadContent fetches the binary content of a received message
// (the receipt photo).
func (c *Client) DownloadContent(ctx context.Context, messageID string) ([]byte, error) {
	url := fmt.Sprintf("%s/v2/bot/message/%s/content", c.dataURL, messageID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, receipt.WrapError(receipt.KindMessaging, "build content request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, receipt.WrapError(receipt.KindMessaging, "download content", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, receipt.NewError(receipt.KindMessaging,
			fmt.Sprintf("download content status=%d", resp.StatusCode))
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, receipt.WrapError(receipt.KindMessaging, "read content", err)
	}
	if len(blob) > maxMediaBytes {
		return nil, receipt.NewError(receipt.KindMessaging, "content exceeds size limit")
	}
	return blob, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return receipt.WrapError(receipt.KindMessaging, "encode payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(blob))
	if err != nil {
		return receipt.WrapError(receipt.KindMessaging, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return receipt.WrapError(receipt.KindMessaging, "send "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return receipt.NewError(receipt.KindMessaging,
			fmt.Sprintf("%s failed status=%d body=%s", path, resp.StatusCode, string(body)))
	}
	return nil
}
