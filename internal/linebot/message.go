package linebot

// Message is the wire shape of an outgoing text message.
type Message struct {
	Type       string      `json:"type"`
	Text       string      `json:"text,omitempty"`
	QuickReply *QuickReply `json:"quickReply,omitempty"`
}

type QuickReply struct {
	Items []QuickReplyItem `json:"items"`
}

type QuickReplyItem struct {
	Type   string `json:"type"`
	Action Action `json:"action"`
}

type Action struct {
	Type        string `json:"type"`
	Label       string `json:"label"`
	Data        string `json:"data,omitempty"`
	Text        string `json:"text,omitempty"`
	DisplayText string `json:"displayText,omitempty"`
}

// Platform limits on outgoing payloads.
const (
	maxQuickReplyItems = 13
	maxLabelRunes      = 20
	maxDataBytes       = 300
	maxTextRunes       = 5000
	maxReplyMessages   = 5
)

// NewText builds a plain text message, truncated to the platform limit.
func NewText(text string) Message {
	return Message{Type: "text", Text: truncateRunes(text, maxTextRunes)}
}

// WithQuickReplies attaches up to the platform maximum of quick-reply
// buttons, truncating labels and data to their limits.
func (m Message) WithQuickReplies(items ...QuickReplyItem) Message {
	if len(items) == 0 {
		return m
	}
	if len(items) > maxQuickReplyItems {
		items = items[:maxQuickReplyItems]
	}
	clipped := make([]QuickReplyItem, len(items))
	for i, it := range items {
		it.Action.Label = truncateRunes(it.Action.Label, maxLabelRunes)
		it.Action.Data = truncateBytes(it.Action.Data, maxDataBytes)
		clipped[i] = it
	}
	m.QuickReply = &QuickReply{Items: clipped}
	return m
}

// PostbackItem is a button that fires a postback without echoing text.
func PostbackItem(label string, p Postback) QuickReplyItem {
	return QuickReplyItem{
		Type: "action",
		Action: Action{
			Type:        "postback",
			Label:       label,
			Data:        p.Encode(),
			DisplayText: label,
		},
	}
}

// MessageItem is a button that sends its label back as a user message.
func MessageItem(label string) QuickReplyItem {
	return QuickReplyItem{
		Type:   "action",
		Action: Action{Type: "message", Label: label, Text: label},
	}
}

// ClampMessages enforces the per-reply message count limit.
func ClampMessages(msgs []Message) []Message {
	if len(msgs) > maxReplyMessages {
		return msgs[:maxReplyMessages]
	}
	return msgs
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	// back off to a rune boundary
	b := []byte(s[:max])
	for len(b) > 0 && b[len(b)-1]&0xC0 == 0x80 {
		b = b[:len(b)-1]
	}
	if len(b) > 0 && b[len(b)-1] >= 0xC0 {
		b = b[:len(b)-1]
	}
	return string(b)
}
