// Package linebot carries the LINE Messaging API surface: webhook
// verification and parsing, reply/push delivery, media download, and the
// compact postback codec the conversation layer rides on.
package linebot

import (
	"net/url"
	"strconv"
	"strings"
)

// Postback action codes. Kept to one short token each because the whole
// encoded payload must fit the postback data limit.
const (
	ActionOK        = "ok"
	ActionHold      = "hold"
	ActionCancel    = "cancel"
	ActionEdit      = "edit"
	ActionField     = "field"
	ActionPick      = "pick"
	ActionFreeText  = "free_text"
	ActionBack      = "back"
	ActionAddFamily = "add_family"
	ActionDupKeep   = "dup_keep"
	ActionDupDel    = "dup_del"
)

// Postback is the decoded form of a quick-reply data payload.
// Keys: a=action, r=receipt id, f=field name, i=option index.
type Postback struct {
	Action    string
	ReceiptID string
	Field     string
	Index     int
}

func (p Postback) Encode() string {
	var sb strings.Builder
	sb.WriteString("a=" + url.QueryEscape(p.Action))
	if p.ReceiptID != "" {
		sb.WriteString("&r=" + url.QueryEscape(p.ReceiptID))
	}
	if p.Field != "" {
		sb.WriteString("&f=" + url.QueryEscape(p.Field))
	}
	if p.Index >= 0 {
		sb.WriteString("&i=" + strconv.Itoa(p.Index))
	}
	return sb.String()
}

// NewPostback returns a Postback with the index marked unset.
func NewPostback(action, receiptID string) Postback {
	return Postback{Action: action, ReceiptID: receiptID, Index: -1}
}

// DecodePostback parses k=v pairs, ignoring unknown keys and malformed
// pairs so older clients' payloads still decode.
func DecodePostback(data string) Postback {
	p := Postback{Index: -1}
	for _, pair := range strings.Split(data, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			continue
		}
		switch k {
		case "a":
			p.Action = val
		case "r":
			p.ReceiptID = val
		case "f":
			p.Field = val
		case "i":
			if n, err := strconv.Atoi(val); err == nil {
				p.Index = n
			}
		}
	}
	return p
}
