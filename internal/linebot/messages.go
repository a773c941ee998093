package linebot

import (
	"fmt"
	"strings"
)

// Fixed reply texts. Centralized so the conversation layer and tests
// agree on the exact wording.
const (
	TextRegistered      = "登録しました。"
	TextReviewNeeded    = "確認が必要です。内容を確認してください。"
	TextRetake          = "読み取りに失敗しました。明るい場所で真上から再撮影してください。"
	TextHeld            = "保留にしました。後からまとめて確認できます。"
	TextCancelled       = "この領収書の登録をキャンセルしました。"
	TextUnknownAction   = "うまく読み取れませんでした。ボタンから選択してください。"
	TextManualEntry     = "手入力"
	TextBack            = "戻る"
	TextAddFamily       = "新しい家族を追加"
	TextFamilyFinish    = "家族氏名の登録を終了"
	TextYearOmitted     = "年が省略されています。どちらの日付ですか？"
	TextDateReinput     = "日付を読み取れませんでした。年・月・日を含めて入力してください。（例: 2026-02-03）"
	TextAmountReinput   = "金額を読み取れませんでした。数字で入力してください。（例: 1240）"
	TextHintApplied     = "過去の訂正履歴を反映しました。違う場合は修正してください。"
	TextQuotaExceeded   = "本日の読み取り回数の上限に達しました。また明日お試しください。"
	TextDuplicateFound  = "同じ内容の領収書がすでに登録されています。どうしますか？"
	TextFamilyOnboard   = "はじめに、医療費の対象となるご家族の氏名を登録してください。1人ずつ送信し、終わったら「家族氏名の登録を終了」を送ってください。"
	TextFamilyNext      = "登録しました。続けて次の家族の氏名を送るか、「家族氏名の登録を終了」を送ってください。"
	TextFamilyDone      = "家族の登録が完了しました。領収書の写真を送ってください。"
	TextCancelledLast   = "直前の登録を取り消しました。"
	TextNothingToCancel = "取り消せる登録が見つかりませんでした。"
)

// FieldLabels maps internal field names to the labels shown on buttons.
var FieldLabels = map[string]string{
	"payer_facility_name":       "医療機関",
	"prescribing_facility_name": "処方元",
	"payment_date":              "日付",
	"payment_amount":            "金額",
	"family_member_name":        "対象者",
}

// ConfirmSummary renders the extracted fields for the confirmation step.
func ConfirmSummary(facility, date, amount, family string) string {
	var sb strings.Builder
	sb.WriteString("📄 領収書を読み取りました\n")
	if facility != "" {
		sb.WriteString("医療機関: " + facility + "\n")
	}
	if date != "" {
		sb.WriteString("日付: " + date + "\n")
	}
	if amount != "" {
		sb.WriteString("金額: " + amount + "円\n")
	}
	if family != "" {
		sb.WriteString("対象者: " + family + "\n")
	}
	sb.WriteString("この内容で登録しますか？")
	return sb.String()
}

// ConfirmMessage is the AWAIT_CONFIRM prompt with its standard buttons.
func ConfirmMessage(summary, receiptID string) Message {
	return NewText(summary).WithQuickReplies(
		PostbackItem("登録する", NewPostback(ActionOK, receiptID)),
		PostbackItem("修正する", NewPostback(ActionEdit, receiptID)),
		PostbackItem("保留", NewPostback(ActionHold, receiptID)),
		PostbackItem("キャンセル", NewPostback(ActionCancel, receiptID)),
	)
}

// FieldMenuMessage asks which field to correct.
func FieldMenuMessage(receiptID string, fields []string) Message {
	items := make([]QuickReplyItem, 0, len(fields)+1)
	for _, f := range fields {
		label := FieldLabels[f]
		if label == "" {
			label = f
		}
		p := NewPostback(ActionField, receiptID)
		p.Field = f
		items = append(items, PostbackItem(label, p))
	}
	items = append(items, PostbackItem(TextBack, NewPostback(ActionBack, receiptID)))
	return NewText("どの項目を修正しますか？").WithQuickReplies(items...)
}

// CandidateMessage lists candidate values for one field plus manual
// entry and back. extra items (e.g. add-family) go before the fixed tail.
func CandidateMessage(prompt, receiptID, field string, options []string, extra ...QuickReplyItem) Message {
	items := make([]QuickReplyItem, 0, len(options)+len(extra)+2)
	for i, opt := range options {
		p := NewPostback(ActionPick, receiptID)
		p.Field = field
		p.Index = i
		items = append(items, PostbackItem(opt, p))
	}
	items = append(items, extra...)
	free := NewPostback(ActionFreeText, receiptID)
	free.Field = field
	items = append(items,
		PostbackItem(TextManualEntry, free),
		PostbackItem(TextBack, NewPostback(ActionBack, receiptID)))
	return NewText(prompt).WithQuickReplies(items...)
}

// DuplicateMessage offers keep/discard for a suspected duplicate.
func DuplicateMessage(receiptID string) Message {
	return NewText(TextDuplicateFound).WithQuickReplies(
		PostbackItem("両方登録する", NewPostback(ActionDupKeep, receiptID)),
		PostbackItem("登録しない", NewPostback(ActionDupDel, receiptID)),
	)
}

// TotalMessage renders the cumulative yearly total.
func TotalMessage(year int, total int64) string {
	return fmt.Sprintf("%d年の累計医療費: %s円", year, FormatYen(total))
}

// FormatYen groups digits by thousands.
func FormatYen(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	var sb strings.Builder
	for i, d := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			sb.WriteByte(',')
		}
		sb.WriteRune(d)
	}
	if neg {
		return "-" + sb.String()
	}
	return sb.String()
}
