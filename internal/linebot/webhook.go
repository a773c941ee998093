package linebot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// Event is one webhook event in the delivery body.
type Event struct {
	Type           string `json:"type"`
	WebhookEventID string `json:"webhookEventId"`
	Timestamp      int64  `json:"timestamp"`
	ReplyToken     string `json:"replyToken"`
	Source         struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
	Postback struct {
		Data string `json:"data"`
	} `json:"postback"`
}

// DedupKey identifies the event for at-most-once processing. Older
// deliveries lack webhookEventId; those fall back to a composite key.
func (e Event) DedupKey() string {
	if e.WebhookEventID != "" {
		return e.WebhookEventID
	}
	return fmt.Sprintf("%d:%s:%s", e.Timestamp, e.Type, e.Message.ID)
}

// Dispatcher is what the webhook hands events to. The conversation
// layer implements it; keeping it an interface here avoids a package
// cycle and lets tests stub the whole bot.
type Dispatcher interface {
	// AlreadyProcessed records the dedup key, returning true when the
	// event is new and should be handled.
	MarkEvent(eventID string) (bool, error)
	HandleMessage(ctx context.Context, ev Event) error
	HandleImage(ctx context.Context, ev Event) error
	HandlePostback(ctx context.Context, ev Event) error
	HandleFollow(ctx context.Context, ev Event) error
	HandleUnfollow(ctx context.Context, ev Event) error
}

// WebhookHandler verifies, parses and dispatches webhook deliveries.
type WebhookHandler struct {
	secret     string
	dispatcher Dispatcher
	log        *zap.Logger
}

func NewWebhookHandler(channelSecret string, d Dispatcher, log *zap.Logger) *WebhookHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebhookHandler{secret: channelSecret, dispatcher: d, log: log}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !VerifySignature(h.secret, body, r.Header.Get("X-Line-Signature")) {
		h.log.Warn("webhook signature mismatch")
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}
	var payload struct {
		Events []Event `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	handled, skipped, failed := 0, 0, 0
	for _, ev := range payload.Events {
		fresh, err := h.dispatcher.MarkEvent(ev.DedupKey())
		if err != nil {
			failed++
			h.log.Error("event dedup failed", zap.Error(err))
			continue
		}
		if !fresh {
			skipped++
			continue
		}
		if err := h.dispatch(r.Context(), ev); err != nil {
			failed++
			h.log.Error("event handling failed",
				zap.String("type", ev.Type), zap.String("event_id", ev.DedupKey()), zap.Error(err))
			continue
		}
		handled++
	}
	h.log.Info("webhook delivery",
		zap.Int("handled", handled), zap.Int("skipped", skipped), zap.Int("failed", failed))

	// Always 200: the platform retries non-2xx deliveries and our dedup
	// already guards against replays.
	w.WriteHeader(http.StatusOK)
}

func (h *WebhookHandler) dispatch(ctx context.Context, ev Event) error {
	switch ev.Type {
	case "message":
		if ev.Message.Type == "image" {
			return h.dispatcher.HandleImage(ctx, ev)
		}
		return h.dispatcher.HandleMessage(ctx, ev)
	case "postback":
		return h.dispatcher.HandlePostback(ctx, ev)
	case "follow":
		return h.dispatcher.HandleFollow(ctx, ev)
	case "unfollow":
		return h.dispatcher.HandleUnfollow(ctx, ev)
	default:
		return nil
	}
}
