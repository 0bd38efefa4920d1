// Package gateway is the orchestration boundary between the messaging
// transports and the conversation flow. It owns conversation state: each
// conversation gets a mailbox and a single worker, so turns for one
// conversation are processed strictly one at a time while different
// conversations proceed in parallel. Rapid message bursts (typical when a
// user sends several photos) are debounced into a single turn.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pepeccz/msi-a-sub002/internal/messaging"
	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

const (
	// DefaultDebounce is how long a worker waits for follow-up messages
	// before treating the accumulated input as one turn.
	DefaultDebounce = 2 * time.Second
	// DefaultMaxRegenerations bounds how many times a screened-out draft is
	// regenerated before the rule's corrective text is sent verbatim.
	DefaultMaxRegenerations = 2
	// DefaultMailboxBuffer is the per-conversation mailbox capacity.
	DefaultMailboxBuffer = 32
)

// Responder produces the assistant reply for a conversation turn. hint
// carries corrective guidance on regeneration attempts.
type Responder interface {
	Respond(ctx context.Context, conv *models.ConversationState, hint string) (string, []models.ToolInvocationRecord, error)
}

// Screener validates outbound drafts against constraint rules.
type Screener interface {
	Screen(ctx context.Context, draft, category string, collecting bool, invocations []models.ToolInvocationRecord) (*models.ConstraintRule, error)
}

// turnInput is the merged inbound payload for one turn.
type turnInput struct {
	texts       []string
	attachments []models.Attachment
	receivedAt  int64
}

type mailbox struct {
	ch chan turnInput
}

// Service routes inbound messages to per-conversation workers and drives
// the receive → respond → screen → persist → send turn pipeline.
type Service struct {
	store      store.Store
	msgService messaging.Service
	responder  Responder
	screener   Screener

	debounce         time.Duration
	maxRegenerations int
	handoffNotice    string

	mu        sync.Mutex
	mailboxes map[string]*mailbox

	wg   sync.WaitGroup
	done chan struct{}
}

// Option configures the gateway service.
type Option func(*Service)

// WithDebounce overrides the burst debounce window.
func WithDebounce(d time.Duration) Option {
	return func(s *Service) { s.debounce = d }
}

// WithMaxRegenerations overrides the screened-draft regeneration budget.
func WithMaxRegenerations(n int) Option {
	return func(s *Service) { s.maxRegenerations = n }
}

// WithHandoffNotice overrides the static reply sent while a conversation's
// agent is disabled.
func WithHandoffNotice(notice string) Option {
	return func(s *Service) { s.handoffNotice = notice }
}

// New creates the gateway service.
func New(st store.Store, msgService messaging.Service, responder Responder, screener Screener, opts ...Option) *Service {
	s := &Service{
		store:            st,
		msgService:       msgService,
		responder:        responder,
		screener:         screener,
		debounce:         DefaultDebounce,
		maxRegenerations: DefaultMaxRegenerations,
		handoffNotice:    "Un compañero del equipo está atendiendo tu conversación; te responderá en breve. 🙂",
		mailboxes:        make(map[string]*mailbox),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	slog.Debug("gateway.New: gateway service created", "debounce", s.debounce, "maxRegenerations", s.maxRegenerations)
	return s
}

// Start consumes the messaging service's response and receipt channels until
// the context is cancelled or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	slog.Info("gateway.Start: starting gateway dispatch")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case resp, ok := <-s.msgService.Responses():
				if !ok {
					return
				}
				s.Dispatch(resp)
			}
		}
	}()
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case receipt, ok := <-s.msgService.Receipts():
				if !ok {
					return
				}
				if err := s.store.AddReceipt(receipt); err != nil {
					slog.Error("gateway.Start: failed to store receipt", "error", err, "to", receipt.To)
				}
			}
		}
	}()
	return nil
}

// Stop shuts down dispatch and waits for in-flight turns to finish. Mailbox
// channels stay open: producers may still hold references to them, so
// shutdown is signaled through the done channel only. Safe to call twice.
func (s *Service) Stop() {
	slog.Info("gateway.Stop: stopping gateway dispatch")
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("gateway.Stop: gateway stopped")
}

// Dispatch routes one inbound message to its conversation's mailbox,
// creating the mailbox and worker on first contact. A full mailbox drops
// the message rather than blocking the shared dispatch loop.
func (s *Service) Dispatch(resp models.Response) {
	conversationID, err := s.msgService.ValidateAndCanonicalizeRecipient(resp.From)
	if err != nil {
		slog.Error("gateway.Dispatch: invalid sender", "error", err, "from", resp.From)
		return
	}

	input := turnInput{receivedAt: resp.Time, attachments: resp.Attachments}
	if strings.TrimSpace(resp.Body) != "" {
		input.texts = []string{resp.Body}
	}

	mb := s.mailboxFor(conversationID)
	if mb == nil {
		slog.Warn("gateway.Dispatch: gateway stopped, dropping message", "conversationID", conversationID)
		return
	}
	select {
	case mb.ch <- input:
	default:
		slog.Warn("gateway.Dispatch: mailbox full, dropping message", "conversationID", conversationID)
	}
}

// mailboxFor returns the conversation's mailbox, creating it and its worker
// on first contact. Returns nil after Stop: the done check and close both
// run under the mutex, so no worker is ever added once Stop begins waiting.
func (s *Service) mailboxFor(conversationID string) *mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	default:
	}
	if mb, ok := s.mailboxes[conversationID]; ok {
		return mb
	}
	mb := &mailbox{ch: make(chan turnInput, DefaultMailboxBuffer)}
	s.mailboxes[conversationID] = mb
	s.wg.Add(1)
	go s.worker(conversationID, mb)
	slog.Debug("gateway.mailboxFor: mailbox created", "conversationID", conversationID)
	return mb
}

// worker serializes turns for one conversation. After the first message of
// a burst it keeps collecting until the debounce window passes quietly,
// then processes everything as a single turn.
func (s *Service) worker(conversationID string, mb *mailbox) {
	defer s.wg.Done()
	for {
		var merged turnInput
		select {
		case merged = <-mb.ch:
		case <-s.done:
			return
		}

		timer := time.NewTimer(s.debounce)
	collect:
		for {
			select {
			case more := <-mb.ch:
				merged.texts = append(merged.texts, more.texts...)
				merged.attachments = append(merged.attachments, more.attachments...)
				if more.receivedAt > merged.receivedAt {
					merged.receivedAt = more.receivedAt
				}
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(s.debounce)
			case <-timer.C:
				break collect
			case <-s.done:
				timer.Stop()
				return
			}
		}

		s.processTurn(context.Background(), conversationID, merged)
	}
}

// processTurn runs the full turn pipeline. A turn whose final state save
// fails is treated as failed: the draft is discarded and the user gets a
// retry notice, so state and sent messages never diverge.
func (s *Service) processTurn(ctx context.Context, conversationID string, input turnInput) {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		slog.Error("gateway.processTurn: failed to load conversation", "error", err, "conversationID", conversationID)
		s.sendRetryNotice(ctx, conversationID)
		return
	}
	if conv == nil {
		now := time.Now()
		conv = &models.ConversationState{
			ConversationID:   conversationID,
			FirstInteraction: true,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		slog.Info("gateway.processTurn: new conversation", "conversationID", conversationID)
	} else {
		conv.FirstInteraction = false
	}
	conv.TurnSeq++

	s.recordAttachments(conv, input.attachments)
	s.appendUserTurn(conv, input)

	if err := s.store.AddResponse(models.Response{From: conversationID, Body: strings.Join(input.texts, "\n"), Time: input.receivedAt}); err != nil {
		slog.Error("gateway.processTurn: failed to log inbound response", "error", err, "conversationID", conversationID)
	}

	if conv.AgentDisabled {
		slog.Info("gateway.processTurn: agent disabled, sending handoff notice", "conversationID", conversationID)
		if err := s.store.SaveConversation(conv); err != nil {
			slog.Error("gateway.processTurn: failed to save conversation", "error", err, "conversationID", conversationID)
		}
		s.send(ctx, conversationID, s.handoffNotice)
		return
	}

	draft, invocations, err := s.respondScreened(ctx, conv)
	if err != nil {
		slog.Error("gateway.processTurn: turn failed", "error", err, "conversationID", conversationID)
		s.sendRetryNotice(ctx, conversationID)
		return
	}

	for _, rec := range invocations {
		if err := s.store.AddToolInvocation(rec); err != nil {
			slog.Error("gateway.processTurn: failed to record tool invocation", "error", err, "conversationID", conversationID, "tool", rec.Tool)
		}
	}

	s.flushPendingAttachments(conv)

	conv.AppendMessage(models.RoleAssistant, draft)
	conv.UpdatedAt = time.Now()
	if err := s.store.SaveConversation(conv); err != nil {
		slog.Error("gateway.processTurn: failed to save conversation, discarding draft",
			"error", fmt.Errorf("%w: %v", models.ErrPersistenceUnavailable, err), "conversationID", conversationID)
		s.sendRetryNotice(ctx, conversationID)
		return
	}

	s.send(ctx, conversationID, draft)
}

// respondScreened generates a draft and passes it through the screener,
// regenerating with corrective hints up to the budget. When the budget runs
// out the violated rule's corrective text is sent verbatim.
func (s *Service) respondScreened(ctx context.Context, conv *models.ConversationState) (string, []models.ToolInvocationRecord, error) {
	collecting := conv.Case != nil && !conv.Case.Phase.IsTerminal()
	var all []models.ToolInvocationRecord

	hint := ""
	for attempt := 0; attempt <= s.maxRegenerations; attempt++ {
		draft, invocations, err := s.responder.Respond(ctx, conv, hint)
		all = append(all, invocations...)
		if err != nil {
			return "", all, err
		}

		rule, err := s.screener.Screen(ctx, draft, conv.Category, collecting, all)
		if err != nil {
			// Screening must not take the reply path down with it.
			slog.Error("gateway.respondScreened: screening failed, sending unscreened draft", "error", err, "conversationID", conv.ConversationID)
			return draft, all, nil
		}
		if rule == nil {
			return draft, all, nil
		}

		slog.Warn("gateway.respondScreened: draft rejected by constraint rule",
			"conversationID", conv.ConversationID, "ruleID", rule.ID, "attempt", attempt+1)
		hint = rule.Corrective
		if attempt == s.maxRegenerations {
			slog.Warn("gateway.respondScreened: regeneration budget exhausted, sending corrective text",
				"conversationID", conv.ConversationID, "ruleID", rule.ID)
			return rule.Corrective, all, nil
		}
	}
	return "", all, fmt.Errorf("unreachable regeneration state")
}

// recordAttachments persists this turn's attachments, scoped to the current
// collection step so completion checks count the right artifacts. With no
// open case they stay pending on the conversation and are re-scoped when a
// case opens.
func (s *Service) recordAttachments(conv *models.ConversationState, attachments []models.Attachment) {
	if len(attachments) == 0 {
		return
	}

	scope := ""
	caseID := ""
	if st := conv.Case; st != nil && !st.Phase.IsTerminal() {
		caseID = st.CaseID
		switch {
		case st.Phase == models.PhasePerItem:
			scope = models.ItemConfirmScope(st.CurrentItem())
		case st.Phase == models.PhaseBaseDocs:
			scope = models.ConfirmScopeBaseDocs
		}
	}

	for i := range attachments {
		att := attachments[i]
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		att.ConversationID = conv.ConversationID
		att.CaseID = caseID
		att.Scope = scope
		if att.ReceivedAt.IsZero() {
			att.ReceivedAt = time.Now()
		}

		if caseID == "" {
			conv.PendingAttachments = append(conv.PendingAttachments, att)
			continue
		}
		if err := s.store.AddAttachment(att); err != nil {
			slog.Error("gateway.recordAttachments: failed to store attachment", "error", err, "conversationID", conv.ConversationID, "attachmentID", att.ID)
		}
	}
	slog.Debug("gateway.recordAttachments: attachments recorded",
		"conversationID", conv.ConversationID, "count", len(attachments), "caseID", caseID, "scope", scope)
}

// flushPendingAttachments re-scopes attachments that arrived before a case
// existed onto the case's current collection step. Called after the
// responder runs, so a case opened this turn picks them up immediately.
func (s *Service) flushPendingAttachments(conv *models.ConversationState) {
	st := conv.Case
	if st == nil || st.Phase.IsTerminal() || len(conv.PendingAttachments) == 0 {
		return
	}

	scope := models.ConfirmScopeBaseDocs
	if st.Phase == models.PhasePerItem {
		scope = models.ItemConfirmScope(st.CurrentItem())
	}

	// Each attachment leaves the pending list the moment it is stored, so a
	// mid-list failure retries only the unpersisted tail and never double
	// counts what already landed.
	flushed := 0
	remaining := conv.PendingAttachments
	for len(remaining) > 0 {
		att := remaining[0]
		att.CaseID = st.CaseID
		att.Scope = scope
		if err := s.store.AddAttachment(att); err != nil {
			slog.Error("gateway.flushPendingAttachments: failed to store attachment", "error", err, "conversationID", conv.ConversationID, "attachmentID", att.ID)
			conv.PendingAttachments = remaining
			return
		}
		remaining = remaining[1:]
		flushed++
	}
	slog.Info("gateway.flushPendingAttachments: pending attachments assigned to case",
		"conversationID", conv.ConversationID, "caseID", st.CaseID, "scope", scope, "count", flushed)
	conv.PendingAttachments = nil
}

// appendUserTurn adds the merged burst to the conversation log as one user
// message. Attachments without text still produce a message so the
// responder knows files arrived.
func (s *Service) appendUserTurn(conv *models.ConversationState, input turnInput) {
	text := strings.Join(input.texts, "\n")
	if len(input.attachments) > 0 {
		note := fmt.Sprintf("[el cliente ha enviado %d archivo(s)]", len(input.attachments))
		if text == "" {
			text = note
		} else {
			text += "\n" + note
		}
	}
	if text == "" {
		return
	}
	conv.AppendMessage(models.RoleUser, text)
}

// SetAgentDisabled toggles the panic flag: while set, turns get a static
// handoff notice and the responder is never invoked.
func (s *Service) SetAgentDisabled(conversationID string, disabled bool) error {
	conv, err := s.store.GetConversation(conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return models.ErrConversationNotFound
	}
	conv.AgentDisabled = disabled
	conv.UpdatedAt = time.Now()
	if err := s.store.SaveConversation(conv); err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conversationID, err)
	}
	slog.Info("gateway.SetAgentDisabled: panic flag updated", "conversationID", conversationID, "disabled", disabled)
	return nil
}

func (s *Service) send(ctx context.Context, to, body string) {
	if err := s.msgService.SendMessage(ctx, to, body); err != nil {
		slog.Error("gateway.send: failed to send message", "error", err, "to", to)
	}
}

func (s *Service) sendRetryNotice(ctx context.Context, to string) {
	s.send(ctx, to, "⚠️ Ha habido un problema técnico procesando tu mensaje. Inténtalo de nuevo en unos minutos.")
}
