package inbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medstack/receiptocr/internal/extract"
	"github.com/medstack/receiptocr/internal/family"
	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/linebot"
	"github.com/medstack/receiptocr/internal/ocr"
	"github.com/medstack/receiptocr/internal/pipeline"
	"github.com/medstack/receiptocr/internal/receipt"
	"github.com/medstack/receiptocr/internal/template"
)

// Replier is the outgoing half of the messaging client.
type Replier interface {
	Reply(ctx context.Context, replyToken, userID string, msgs []linebot.Message) error
	Push(ctx context.Context, userID string, msgs []linebot.Message) error
	DownloadContent(ctx context.Context, messageID string) ([]byte, error)
}

// Extractor runs the extraction pipeline for one document.
type Extractor interface {
	Run(ctx context.Context, documentID, householdID string, lines []receipt.OCRLine) (*receipt.ExtractionResult, error)
}

// PipelineFactory binds a pipeline to one household's family registry.
// Registries are per user, so the pipeline is rebuilt per request.
type PipelineFactory func(registry *family.Registry) Extractor

// BotConfig tunes the conversation service.
type BotConfig struct {
	SessionTTL         time.Duration
	Quota              QuotaLimits
	HintMinCount       int
	FuzzyNameThreshold float64
	ImageDir           string
	RetentionDays      int
	MaxFieldOptions    int
	// DisableTextCommands turns off the Japanese text aliases for the
	// confirm/edit/hold/cancel buttons. Quick replies keep working.
	DisableTextCommands bool
}

func (c *BotConfig) defaults() {
	if c.SessionTTL == 0 {
		c.SessionTTL = time.Hour
	}
	if c.Quota == (QuotaLimits{}) {
		c.Quota = DefaultQuotaLimits()
	}
	if c.HintMinCount == 0 {
		c.HintMinCount = 2
	}
	if c.FuzzyNameThreshold == 0 {
		c.FuzzyNameThreshold = 0.85
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 14
	}
	if c.MaxFieldOptions == 0 {
		c.MaxFieldOptions = 3
	}
}

// Bot wires the webhook events to the pipeline, the repository and the
// reply builders. It implements linebot.Dispatcher.
type Bot struct {
	cfg       BotConfig
	repo      *Repository
	client    Replier
	provider  ocr.Provider
	pipelines PipelineFactory
	learner   *template.Learner
	store     *template.Store
	log       *zap.Logger
	now       func() time.Time
}

func NewBot(cfg BotConfig, repo *Repository, client Replier, provider ocr.Provider, pipelines PipelineFactory, store *template.Store, log *zap.Logger) *Bot {
	cfg.defaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Bot{
		cfg:       cfg,
		repo:      repo,
		client:    client,
		provider:  provider,
		pipelines: pipelines,
		learner:   template.NewLearner(store),
		store:     store,
		log:       log,
		now:       time.Now,
	}
}

// WithClock fixes the bot clock; tests use this.
func (b *Bot) WithClock(now func() time.Time) *Bot {
	b.now = now
	return b
}

func (b *Bot) MarkEvent(eventID string) (bool, error) {
	return b.repo.MarkEventProcessed(eventID)
}

// --- image flow ---

func (b *Bot) HandleImage(ctx context.Context, ev linebot.Event) error {
	userID := ev.Source.UserID

	registry, err := b.registryFor(userID)
	if err != nil {
		if receipt.IsKind(err, receipt.KindRegistryEmpty) {
			return b.startOnboarding(ctx, ev)
		}
		return err
	}

	quota, err := b.repo.ConsumeOCRQuota(userID, b.cfg.Quota)
	if err != nil {
		return err
	}
	if !quota.Allowed {
		b.log.Info("ocr quota denied", zap.String("user", userID), zap.String("reason", quota.Reason))
		return b.reply(ctx, ev, linebot.NewText(linebot.TextQuotaExceeded))
	}

	image, err := b.client.DownloadContent(ctx, ev.Message.ID)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(image)
	imageSHA := hex.EncodeToString(sum[:])
	imagePath := b.storeImage(userID, imageSHA, image)

	lines, err := b.provider.Recognize(ctx, image)
	if err != nil {
		b.log.Warn("ocr failed", zap.String("user", userID), zap.Error(err))
		return b.reply(ctx, ev, linebot.NewText(linebot.TextRetake))
	}

	result, err := b.pipelines(registry).Run(ctx, uuid.NewString(), userID, lines)
	if err != nil {
		return err
	}
	return b.HandleNewResult(ctx, ev, result, imageSHA, imagePath)
}

// HandleNewResult persists the extraction and opens the matching
// conversation. A result for a new receipt supersedes any open session.
func (b *Bot) HandleNewResult(ctx context.Context, ev linebot.Event, result *receipt.ExtractionResult, imageSHA, imagePath string) error {
	userID := ev.Source.UserID
	b.applyCorrectionHints(userID, result)

	if err := b.repo.SaveResult(userID, result, imageSHA, imagePath); err != nil {
		return err
	}
	if prev, err := b.repo.ActiveSession(userID); err == nil && prev != nil && prev.ReceiptID != result.DocumentID {
		_ = b.repo.DeleteSession(prev.SessionID)
	}

	if result.Decision.Status == receipt.StatusRejected {
		if err := b.repo.UpsertAggregate(userID, result.DocumentID, result.Fields, AggregateHold); err != nil {
			return err
		}
		return b.reply(ctx, ev, linebot.NewText(linebot.TextRetake))
	}

	sess := &Session{
		UserID:    userID,
		ReceiptID: result.DocumentID,
		State:     InitialState(result.Decision.Status),
		Payload: SessionPayload{
			Fields:       result.Fields,
			Candidates:   result.CandidatePool,
			Decision:     &result.Decision,
			Lines:        result.OCRLines,
			DocumentType: result.DocumentType,
		},
	}
	if result.Template != nil && result.Template.Matched {
		sess.Payload.TemplateID = result.Template.TemplateID
	}

	dupID, err := b.repo.FindDuplicate(userID, result.DuplicateKey(), imageSHA, result.DocumentID)
	if err != nil {
		return err
	}
	if dupID != "" {
		sess.Payload.DuplicateOf = dupID
		if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
			return err
		}
		return b.reply(ctx, ev, linebot.DuplicateMessage(result.DocumentID))
	}
	return b.openConfirmation(ctx, ev, sess)
}

// openConfirmation registers the tentative aggregate, queues correction
// steps, and prompts either the first step or the confirm summary.
func (b *Bot) openConfirmation(ctx context.Context, ev linebot.Event, sess *Session) error {
	if err := b.repo.UpsertAggregate(sess.UserID, sess.ReceiptID, sess.Payload.Fields, AggregateTentative); err != nil {
		return err
	}
	sess.Payload.PendingSteps = b.buildPendingSteps(sess)

	var msgs []linebot.Message
	if b.hintWasApplied(sess) {
		msgs = append(msgs, linebot.NewText(linebot.TextHintApplied))
	}
	if len(sess.Payload.PendingSteps) > 0 {
		step := sess.Payload.PendingSteps[0]
		sess.Payload.PendingSteps = sess.Payload.PendingSteps[1:]
		msg, err := b.enterStep(sess, step)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	} else {
		msgs = append(msgs, b.confirmMessage(sess))
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, msgs...)
}

// buildPendingSteps queues the corrections that must happen before
// confirmation. The family step goes first.
func (b *Bot) buildPendingSteps(sess *Session) []PendingStep {
	var steps []PendingStep
	if sess.Payload.Decision != nil {
		for _, r := range sess.Payload.Decision.Reasons {
			if r == pipeline.ReasonFamilySameSurname || r == pipeline.ReasonFamilyDifferentSurname {
				steps = append(steps, PendingStep{Field: receipt.FieldFamilyMember, Reason: r})
				break
			}
		}
	}
	if c, ok := sess.Payload.Fields[receipt.FieldPaymentDate]; ok && extract.YearIsMissing(c) {
		steps = append(steps, PendingStep{
			Field:   receipt.FieldPaymentDate,
			Options: b.yearCandidates(c),
			Reason:  extract.ReasonYearMissing,
		})
	}
	return steps
}

// yearCandidates expands a year-less date into current and prior year.
func (b *Bot) yearCandidates(c receipt.Candidate) []receipt.Candidate {
	monthDay := strings.TrimPrefix(c.ValueNormalized, "--")
	year := b.now().Year()
	out := make([]receipt.Candidate, 0, 2)
	for _, y := range []int{year, year - 1} {
		cand := c
		cand.ValueNormalized = fmt.Sprintf("%04d-%s", y, monthDay)
		cand.Source = receipt.SourceUserCorrection
		cand.Reasons = []string{"year_disambiguation"}
		out = append(out, cand)
	}
	return out
}

// enterStep moves the session into AWAIT_FIELD_CANDIDATE for one step.
func (b *Bot) enterStep(sess *Session, step PendingStep) (linebot.Message, error) {
	options := step.Options
	var extra []linebot.QuickReplyItem
	prompt := "候補から選択してください。"

	if step.Field == receipt.FieldFamilyMember {
		members, err := b.repo.ListFamilyMembers(sess.UserID)
		if err != nil {
			return linebot.Message{}, err
		}
		options = options[:0]
		for _, m := range members {
			options = append(options, receipt.Candidate{
				Field:           receipt.FieldFamilyMember,
				ValueNormalized: m.Canonical,
				ValueRaw:        m.Canonical,
				Source:          receipt.SourceFamilyRegistry,
			})
		}
		extra = append(extra, linebot.PostbackItem(linebot.TextAddFamily, linebot.NewPostback(linebot.ActionAddFamily, sess.ReceiptID)))
		prompt = "どなたの領収書ですか？"
		if c, ok := sess.Payload.Fields[receipt.FieldFamilyMember]; ok {
			sess.Payload.AliasSource = c.ValueNormalized
		}
	} else if step.Reason == extract.ReasonYearMissing {
		prompt = linebot.TextYearOmitted
	}

	sess.Payload.AwaitingField = step.Field
	sess.Payload.Options = options
	if err := b.transition(sess, StateAwaitFieldSelection); err != nil {
		return linebot.Message{}, err
	}
	if err := b.transition(sess, StateAwaitFieldCandidate); err != nil {
		return linebot.Message{}, err
	}

	labels := make([]string, len(options))
	for i, o := range options {
		labels[i] = o.ValueNormalized
	}
	return linebot.CandidateMessage(prompt, sess.ReceiptID, string(step.Field), labels, extra...), nil
}

// --- postbacks ---

func (b *Bot) HandlePostback(ctx context.Context, ev linebot.Event) error {
	p := linebot.DecodePostback(ev.Postback.Data)
	sess, err := b.repo.ActiveSession(ev.Source.UserID)
	if err != nil {
		return err
	}
	if sess == nil || (p.ReceiptID != "" && p.ReceiptID != sess.ReceiptID) {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}

	switch p.Action {
	case linebot.ActionOK:
		return b.confirm(ctx, ev, sess)
	case linebot.ActionHold:
		return b.hold(ctx, ev, sess)
	case linebot.ActionCancel:
		return b.cancel(ctx, ev, sess)
	case linebot.ActionEdit:
		return b.openFieldMenu(ctx, ev, sess)
	case linebot.ActionField:
		return b.openFieldCandidates(ctx, ev, sess, receipt.FieldName(p.Field))
	case linebot.ActionPick:
		return b.pickOption(ctx, ev, sess, p.Index)
	case linebot.ActionFreeText:
		return b.openFreeText(ctx, ev, sess, receipt.FieldName(p.Field))
	case linebot.ActionBack:
		return b.back(ctx, ev, sess)
	case linebot.ActionAddFamily:
		return b.startFamilySubDialog(ctx, ev, sess)
	case linebot.ActionDupKeep:
		sess.Payload.DuplicateOf = ""
		return b.openConfirmation(ctx, ev, sess)
	case linebot.ActionDupDel:
		if err := b.complete(sess); err != nil {
			return err
		}
		return b.reply(ctx, ev, linebot.NewText(linebot.TextCancelled))
	default:
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
}

func (b *Bot) confirm(ctx context.Context, ev linebot.Event, sess *Session) error {
	if !CanTransition(sess.State, StateCompleted) {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	userID := sess.UserID
	if err := b.repo.UpsertAggregate(userID, sess.ReceiptID, sess.Payload.Fields, AggregateConfirmed); err != nil {
		return err
	}
	b.learnTemplate(userID, sess)
	if err := b.complete(sess); err != nil {
		return err
	}

	msgs := []linebot.Message{linebot.NewText(linebot.TextRegistered)}
	msgs = append(msgs, b.totalMessages(userID, sess)...)
	return b.reply(ctx, ev, msgs...)
}

// totalMessages builds the cumulative-total lines. During filing season
// (through March) the prior year is still interesting, so it rides along.
func (b *Bot) totalMessages(userID string, sess *Session) []linebot.Message {
	years := []int{}
	if c, ok := sess.Payload.Fields[receipt.FieldPaymentDate]; ok && len(c.ValueNormalized) >= 4 {
		if y, err := strconv.Atoi(c.ValueNormalized[:4]); err == nil {
			years = append(years, y)
		}
	}
	if len(years) == 0 {
		years = append(years, b.now().Year())
	}
	if b.now().Month() <= 3 {
		prior := b.now().Year() - 1
		if prior != years[0] {
			years = append(years, prior)
		}
	}
	var sb strings.Builder
	for i, y := range years {
		total, err := b.repo.YearTotal(userID, y)
		if err != nil {
			b.log.Warn("year total failed", zap.Int("year", y), zap.Error(err))
			continue
		}
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(linebot.TotalMessage(y, total))
	}
	if sb.Len() == 0 {
		return nil
	}
	return []linebot.Message{linebot.NewText(sb.String())}
}

func (b *Bot) hold(ctx context.Context, ev linebot.Event, sess *Session) error {
	if !CanTransition(sess.State, StateHold) {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	if err := b.repo.SetAggregateStatus(sess.ReceiptID, AggregateHold); err != nil {
		return err
	}
	if err := b.repo.DeleteSession(sess.SessionID); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText(linebot.TextHeld))
}

// cancel closes the conversation and leaves everything else untouched.
func (b *Bot) cancel(ctx context.Context, ev linebot.Event, sess *Session) error {
	if err := b.complete(sess); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText(linebot.TextCancelled))
}

func (b *Bot) openFieldMenu(ctx context.Context, ev linebot.Event, sess *Session) error {
	if err := b.transition(sess, StateAwaitFieldSelection); err != nil {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	fields := []string{
		string(receipt.FieldPayerFacility),
		string(receipt.FieldPaymentDate),
		string(receipt.FieldPaymentAmount),
		string(receipt.FieldFamilyMember),
	}
	if _, ok := sess.Payload.Fields[receipt.FieldPrescribingFacility]; ok {
		fields = append(fields, string(receipt.FieldPrescribingFacility))
	}
	return b.reply(ctx, ev, linebot.FieldMenuMessage(sess.ReceiptID, fields))
}

func (b *Bot) openFieldCandidates(ctx context.Context, ev linebot.Event, sess *Session, field receipt.FieldName) error {
	if field == "" {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	step := PendingStep{Field: field, Options: b.fieldOptions(sess, field)}
	msg, err := b.enterStep(sess, step)
	if err != nil {
		return err
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, msg)
}

// fieldOptions picks distinct top candidates from the extraction pool.
func (b *Bot) fieldOptions(sess *Session, field receipt.FieldName) []receipt.Candidate {
	var out []receipt.Candidate
	seen := map[string]bool{}
	for _, c := range sess.Payload.Candidates[field] {
		if c.ValueNormalized == "" || seen[c.ValueNormalized] {
			continue
		}
		seen[c.ValueNormalized] = true
		out = append(out, c)
		if len(out) >= b.cfg.MaxFieldOptions {
			break
		}
	}
	return out
}

func (b *Bot) pickOption(ctx context.Context, ev linebot.Event, sess *Session, index int) error {
	if sess.State != StateAwaitFieldCandidate || index < 0 || index >= len(sess.Payload.Options) {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	return b.applyCorrection(ctx, ev, sess, sess.Payload.Options[index])
}

// applyCorrection commits a corrected value, records family aliases, and
// advances to the next pending step or back to confirmation.
func (b *Bot) applyCorrection(ctx context.Context, ev linebot.Event, sess *Session, chosen receipt.Candidate) error {
	field := sess.Payload.AwaitingField
	chosen.Field = field
	chosen.Source = receipt.SourceUserCorrection
	if sess.Payload.Fields == nil {
		sess.Payload.Fields = map[receipt.FieldName]receipt.Candidate{}
	}
	sess.Payload.Fields[field] = chosen

	if field == receipt.FieldFamilyMember && sess.Payload.AliasSource != "" &&
		sess.Payload.AliasSource != chosen.ValueNormalized {
		if err := b.repo.AddFamilyAlias(sess.UserID, chosen.ValueNormalized, sess.Payload.AliasSource); err != nil {
			b.log.Warn("alias record failed", zap.Error(err))
		}
		sess.Payload.AliasSource = ""
	}
	if err := b.repo.UpdateField(sess.ReceiptID, chosen); err != nil {
		return err
	}
	if contextKey := correctionContext(sess.Payload.Fields); contextKey != "" {
		if err := b.repo.RecordCorrection(sess.UserID, field, contextKey, chosen.ValueNormalized); err != nil {
			b.log.Warn("record correction failed", zap.Error(err))
		}
	}

	sess.Payload.AwaitingField = ""
	sess.Payload.Options = nil

	if len(sess.Payload.PendingSteps) > 0 {
		step := sess.Payload.PendingSteps[0]
		sess.Payload.PendingSteps = sess.Payload.PendingSteps[1:]
		msg, err := b.enterStep(sess, step)
		if err != nil {
			return err
		}
		if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
			return err
		}
		return b.reply(ctx, ev, msg)
	}

	if err := b.transition(sess, StateAwaitConfirm); err != nil {
		return err
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, b.confirmMessage(sess))
}

func (b *Bot) openFreeText(ctx context.Context, ev linebot.Event, sess *Session, field receipt.FieldName) error {
	if field == "" {
		field = sess.Payload.AwaitingField
	}
	if field == "" {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	sess.Payload.AwaitingField = field
	if err := b.transition(sess, StateAwaitFreeText); err != nil {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	label := linebot.FieldLabels[string(field)]
	if label == "" {
		label = string(field)
	}
	return b.reply(ctx, ev, linebot.NewText(label+"を入力してください。"))
}

func (b *Bot) back(ctx context.Context, ev linebot.Event, sess *Session) error {
	switch sess.State {
	case StateAwaitFieldSelection:
		if err := b.transition(sess, StateAwaitConfirm); err != nil {
			return err
		}
		if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
			return err
		}
		return b.reply(ctx, ev, b.confirmMessage(sess))
	case StateAwaitFieldCandidate, StateAwaitFreeText:
		if err := b.transition(sess, StateAwaitFieldSelection); err != nil {
			return err
		}
		sess.Payload.AwaitingField = ""
		sess.Payload.Options = nil
		return b.openFieldMenu(ctx, ev, sess)
	default:
		if err := b.transition(sess, StateAwaitConfirm); err != nil {
			return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
		}
		if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
			return err
		}
		return b.reply(ctx, ev, b.confirmMessage(sess))
	}
}

// --- family registration sub-dialog ---

func (b *Bot) startFamilySubDialog(ctx context.Context, ev linebot.Event, sess *Session) error {
	if !CanTransition(sess.State, StateAwaitFreeText) {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
	}
	sess.Payload.FamilyRegistration = true
	sess.Payload.ResumeStep = &PendingStep{Field: receipt.FieldFamilyMember}
	if err := b.transition(sess, StateAwaitFreeText); err != nil {
		return err
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText("登録する家族の氏名を入力してください。"))
}

func (b *Bot) startOnboarding(ctx context.Context, ev linebot.Event) error {
	sess := &Session{
		UserID: ev.Source.UserID,
		State:  StateAwaitFreeText,
		Payload: SessionPayload{
			FamilyRegistration: true,
		},
	}
	// Onboarding has no receipt; the free-text state is reached directly.
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText(linebot.TextFamilyOnboard))
}

// --- text flow ---

func (b *Bot) HandleMessage(ctx context.Context, ev linebot.Event) error {
	text := strings.TrimSpace(ev.Message.Text)
	sess, err := b.repo.ActiveSession(ev.Source.UserID)
	if err != nil {
		return err
	}

	if sess != nil && sess.State == StateAwaitFreeText {
		if sess.Payload.FamilyRegistration {
			return b.handleFamilyRegistrationText(ctx, ev, sess, text)
		}
		return b.handleFreeText(ctx, ev, sess, text)
	}

	if !b.cfg.DisableTextCommands {
		if action, ok := commandAlias(text); ok && sess != nil {
			ev.Postback.Data = linebot.Postback{Action: action, ReceiptID: sess.ReceiptID, Index: -1}.Encode()
			return b.HandlePostback(ctx, ev)
		}
		if sess != nil && sess.State == StateAwaitFieldSelection {
			if field, ok := fieldAlias(text); ok {
				return b.openFieldCandidates(ctx, ev, sess, field)
			}
		}
		if sess == nil && isCancelLastKeyword(text) {
			return b.cancelLast(ctx, ev)
		}
	}
	return b.reply(ctx, ev, linebot.NewText("領収書の写真を送ってください。読み取って医療費を記録します。"))
}

func (b *Bot) handleFamilyRegistrationText(ctx context.Context, ev linebot.Event, sess *Session, text string) error {
	if text == linebot.TextFamilyFinish {
		sess.Payload.FamilyRegistration = false
		if sess.ReceiptID == "" {
			// Onboarding: no receipt behind the session, just drop it.
			if err := b.repo.DeleteSession(sess.SessionID); err != nil {
				return err
			}
			return b.reply(ctx, ev, linebot.NewText(linebot.TextFamilyDone))
		}
		resume := sess.Payload.ResumeStep
		sess.Payload.ResumeStep = nil
		if err := b.transition(sess, StateAwaitFieldSelection); err != nil {
			return err
		}
		if resume == nil {
			resume = &PendingStep{Field: receipt.FieldFamilyMember}
		}
		msg, err := b.enterStep(sess, *resume)
		if err != nil {
			return err
		}
		if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
			return err
		}
		return b.reply(ctx, ev, msg)
	}

	name := jptext.Compact(family.Normalize(text))
	if name == "" || !jptext.IsJapaneseName(name) {
		return b.reply(ctx, ev, linebot.NewText("氏名をそのまま入力してください。（例: 山田 花子）"))
	}
	if err := b.repo.AddFamilyMember(sess.UserID, name); err != nil {
		return err
	}
	if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText(linebot.TextFamilyNext))
}

func (b *Bot) handleFreeText(ctx context.Context, ev linebot.Event, sess *Session, text string) error {
	field := sess.Payload.AwaitingField
	switch field {
	case receipt.FieldPaymentDate:
		normalized, yearMissing, ok := extract.ParseUserDate(text, b.now())
		if !ok {
			return b.reply(ctx, ev, linebot.NewText(linebot.TextDateReinput))
		}
		if yearMissing {
			cand := receipt.Candidate{Field: field, ValueRaw: text, ValueNormalized: normalized,
				Reasons: []string{extract.ReasonYearMissing}}
			step := PendingStep{Field: field, Options: b.yearCandidates(cand), Reason: extract.ReasonYearMissing}
			if err := b.transition(sess, StateAwaitFieldSelection); err != nil {
				return err
			}
			msg, err := b.enterStep(sess, step)
			if err != nil {
				return err
			}
			if err := b.repo.SaveSession(sess, b.cfg.SessionTTL); err != nil {
				return err
			}
			return b.reply(ctx, ev, msg)
		}
		return b.applyFreeValue(ctx, ev, sess, text, normalized)

	case receipt.FieldPaymentAmount:
		digits := keepDigits(jptext.FoldWidth(text))
		if digits == "" {
			return b.reply(ctx, ev, linebot.NewText(linebot.TextAmountReinput))
		}
		return b.applyFreeValue(ctx, ev, sess, text, digits)

	case receipt.FieldFamilyMember:
		name := jptext.Compact(family.Normalize(text))
		if name == "" {
			return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
		}
		return b.applyFreeValue(ctx, ev, sess, text, name)

	default:
		value := strings.TrimSpace(jptext.FoldWidth(text))
		if value == "" {
			return b.reply(ctx, ev, linebot.NewText(linebot.TextUnknownAction))
		}
		return b.applyFreeValue(ctx, ev, sess, text, value)
	}
}

func (b *Bot) applyFreeValue(ctx context.Context, ev linebot.Event, sess *Session, raw, normalized string) error {
	chosen := receipt.Candidate{
		Field:           sess.Payload.AwaitingField,
		ValueRaw:        raw,
		ValueNormalized: normalized,
		Reasons:         []string{"user_free_text"},
	}
	return b.applyCorrection(ctx, ev, sess, chosen)
}

// --- follow / unfollow ---

func (b *Bot) HandleFollow(ctx context.Context, ev linebot.Event) error {
	return b.startOnboarding(ctx, ev)
}

func (b *Bot) HandleUnfollow(_ context.Context, ev linebot.Event) error {
	return b.repo.PurgeUser(ev.Source.UserID)
}

// cancelLast withdraws the most recent confirmed registration.
func (b *Bot) cancelLast(ctx context.Context, ev linebot.Event) error {
	entry, err := b.repo.LastConfirmedEntry(ev.Source.UserID)
	if err != nil {
		return err
	}
	if entry == nil {
		return b.reply(ctx, ev, linebot.NewText(linebot.TextNothingToCancel))
	}
	if err := b.repo.DeleteAggregate(entry.ReceiptID); err != nil {
		return err
	}
	return b.reply(ctx, ev, linebot.NewText(linebot.TextCancelledLast))
}

// --- learning ---

// applyCorrectionHints swaps in corrections the user has repeated before,
// keyed by the extracted facility.
func (b *Bot) applyCorrectionHints(userID string, result *receipt.ExtractionResult) {
	contextKey := correctionContext(result.Fields)
	if contextKey == "" {
		return
	}
	for _, field := range []receipt.FieldName{receipt.FieldPayerFacility, receipt.FieldFamilyMember} {
		hint, err := b.repo.CorrectionHint(userID, field, contextKey, b.cfg.HintMinCount)
		if err != nil || hint == nil {
			continue
		}
		current, ok := result.Fields[field]
		if ok && current.ValueNormalized == hint.Value {
			continue
		}
		current.Field = field
		current.ValueNormalized = hint.Value
		current.ValueRaw = hint.Value
		current.Source = receipt.SourceUserCorrection
		current.Reasons = append(current.Reasons, "correction_hint_applied")
		result.Fields[field] = current
		result.Audit.Notes = append(result.Audit.Notes, "correction_hint:"+string(field))
	}
}

func (b *Bot) hintWasApplied(sess *Session) bool {
	for _, c := range sess.Payload.Fields {
		for _, r := range c.Reasons {
			if r == "correction_hint_applied" {
				return true
			}
		}
	}
	return false
}

func correctionContext(fields map[receipt.FieldName]receipt.Candidate) string {
	if c, ok := fields[receipt.FieldPayerFacility]; ok && c.ValueNormalized != "" {
		return c.ValueNormalized
	}
	if c, ok := fields[receipt.FieldPrescribingFacility]; ok && c.ValueNormalized != "" {
		return c.ValueNormalized
	}
	return ""
}

// learnTemplate feeds the confirmed layout back into the household's
// template set.
func (b *Bot) learnTemplate(userID string, sess *Session) {
	if len(sess.Payload.Lines) == 0 {
		return
	}
	var matched *template.Template
	if sess.Payload.TemplateID != "" {
		if tpls, err := b.store.Load(userID); err == nil {
			for _, t := range tpls {
				if t.ID == sess.Payload.TemplateID {
					matched = t
					break
				}
			}
		}
	}
	if _, err := b.learner.Learn(userID, sess.Payload.DocumentType, sess.Payload.Lines, matched, sess.Payload.Fields); err != nil {
		b.log.Warn("template learn failed", zap.Error(err))
	}
}

// --- helpers ---

func (b *Bot) registryFor(userID string) (*family.Registry, error) {
	profiles, err := b.repo.ListFamilyMembers(userID)
	if err != nil {
		return nil, err
	}
	members := make([]family.Member, 0, len(profiles))
	for _, p := range profiles {
		m := family.Member{Canonical: p.Canonical}
		_ = jsonUnmarshal(p.AliasJSON, &m.Aliases)
		members = append(members, m)
	}
	return family.NewRegistry(members, true, b.cfg.FuzzyNameThreshold)
}

func (b *Bot) confirmMessage(sess *Session) linebot.Message {
	get := func(f receipt.FieldName) string {
		if c, ok := sess.Payload.Fields[f]; ok {
			return c.ValueNormalized
		}
		return ""
	}
	amount := get(receipt.FieldPaymentAmount)
	if amount != "" {
		if n, err := strconv.ParseInt(amount, 10, 64); err == nil {
			amount = linebot.FormatYen(n)
		}
	}
	summary := linebot.ConfirmSummary(
		get(receipt.FieldPayerFacility),
		get(receipt.FieldPaymentDate),
		amount,
		get(receipt.FieldFamilyMember),
	)
	return linebot.ConfirmMessage(summary, sess.ReceiptID)
}

func (b *Bot) transition(sess *Session, to SessionState) error {
	if !CanTransition(sess.State, to) {
		return receipt.NewError(receipt.KindValidation,
			fmt.Sprintf("illegal session transition %s -> %s", sess.State, to))
	}
	sess.State = to
	return nil
}

// complete validates the closing transition and drops the session row; a
// closed conversation leaves nothing behind to expire.
func (b *Bot) complete(sess *Session) error {
	if err := b.transition(sess, StateCompleted); err != nil {
		return err
	}
	return b.repo.DeleteSession(sess.SessionID)
}

func (b *Bot) reply(ctx context.Context, ev linebot.Event, msgs ...linebot.Message) error {
	return b.client.Reply(ctx, ev.ReplyToken, ev.Source.UserID, msgs)
}

func (b *Bot) storeImage(userID, sha string, image []byte) string {
	if b.cfg.ImageDir == "" {
		return ""
	}
	dir := filepath.Join(b.cfg.ImageDir, userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.log.Warn("image dir", zap.Error(err))
		return ""
	}
	path := filepath.Join(dir, sha+".jpg")
	if err := os.WriteFile(path, image, 0o644); err != nil {
		b.log.Warn("image write", zap.Error(err))
		return ""
	}
	return path
}

func commandAlias(text string) (string, bool) {
	switch strings.ToLower(text) {
	case "ok", "はい", "登録", "確定", "登録する":
		return linebot.ActionOK, true
	case "修正", "修正する":
		return linebot.ActionEdit, true
	case "保留":
		return linebot.ActionHold, true
	case "キャンセル", "やめる":
		return linebot.ActionCancel, true
	case "戻る":
		return linebot.ActionBack, true
	}
	return "", false
}

func fieldAlias(text string) (receipt.FieldName, bool) {
	switch text {
	case "医療機関", "病院", "薬局":
		return receipt.FieldPayerFacility, true
	case "金額":
		return receipt.FieldPaymentAmount, true
	case "日付":
		return receipt.FieldPaymentDate, true
	case "対象者", "名前":
		return receipt.FieldFamilyMember, true
	}
	return "", false
}

var cancelLastKeywords = []string{"取り消し", "取消", "やり直し", "削除", "失敗"}

func isCancelLastKeyword(text string) bool {
	for _, kw := range cancelLastKeywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// keepDigits strips everything but digits, keeping a leading minus.
func keepDigits(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	out := sb.String()
	if out != "" && strings.HasPrefix(strings.TrimSpace(s), "-") {
		out = "-" + out
	}
	return out
}

func jsonUnmarshal(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
