package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

// mockMsgService is an in-memory messaging.Service. Sent messages are pushed
// to a channel so tests can wait for asynchronous turn completion.
type mockMsgService struct {
	sent      chan sentMessage
	receipts  chan models.Receipt
	responses chan models.Response
}

type sentMessage struct {
	To   string
	Body string
}

func newMockMsgService() *mockMsgService {
	return &mockMsgService{
		sent:      make(chan sentMessage, 16),
		receipts:  make(chan models.Receipt, 16),
		responses: make(chan models.Response, 16),
	}
}

func (m *mockMsgService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, recipient)
	if len(digits) < 6 {
		return "", models.ErrEmptyRecipient
	}
	return digits, nil
}

func (m *mockMsgService) SendMessage(ctx context.Context, to, body string) error {
	m.sent <- sentMessage{To: to, Body: body}
	return nil
}

func (m *mockMsgService) Start(ctx context.Context) error { return nil }
func (m *mockMsgService) Stop() error { return nil }
func (m *mockMsgService) Receipts() <-chan models.Receipt { return m.receipts }
func (m *mockMsgService) Responses() <-chan models.Response { return m.responses }

// mockResponder returns scripted drafts and records the conversations and
// hints it saw.
type mockResponder struct {
	mu      sync.Mutex
	drafts  []string
	calls   int
	hints   []string
	turns   []int64
	err     error
	records []models.ToolInvocationRecord
}

func (m *mockResponder) Respond(ctx context.Context, conv *models.ConversationState, hint string) (string, []models.ToolInvocationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hints = append(m.hints, hint)
	m.turns = append(m.turns, conv.TurnSeq)
	if m.err != nil {
		return "", nil, m.err
	}
	draft := "respuesta"
	if m.calls < len(m.drafts) {
		draft = m.drafts[m.calls]
	} else if len(m.drafts) > 0 {
		draft = m.drafts[len(m.drafts)-1]
	}
	m.calls++
	return draft, m.records, nil
}

func (m *mockResponder) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockResponder) seenHints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.hints...)
}

// mockScreener violates the first n drafts with a fixed rule.
type mockScreener struct {
	mu        sync.Mutex
	violateN  int
	evaluated int
	rule      models.ConstraintRule
	err       error
}

func (m *mockScreener) Screen(ctx context.Context, draft, category string, collecting bool, invocations []models.ToolInvocationRecord) (*models.ConstraintRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.evaluated++
	if m.evaluated <= m.violateN {
		violated := m.rule
		return &violated, nil
	}
	return nil, nil
}

// failingStore wraps a store and fails every conversation save.
type failingStore struct {
	store.Store
}

func (f *failingStore) SaveConversation(state *models.ConversationState) error {
	return errors.New("disk full")
}

// attachmentFailStore wraps a store and fails attachment writes after the
// first failAfter calls succeed.
type attachmentFailStore struct {
	store.Store
	failAfter int
	calls     int
}

func (f *attachmentFailStore) AddAttachment(att models.Attachment) error {
	f.calls++
	if f.calls > f.failAfter {
		return errors.New("attachment write failed")
	}
	return f.Store.AddAttachment(att)
}

func waitForSend(t *testing.T, msgService *mockMsgService) sentMessage {
	t.Helper()
	select {
	case msg := <-msgService.sent:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return sentMessage{}
	}
}

func assertNoSend(t *testing.T, msgService *mockMsgService, d time.Duration) {
	t.Helper()
	select {
	case msg := <-msgService.sent:
		t.Fatalf("unexpected outbound message: %+v", msg)
	case <-time.After(d):
	}
}

func newTestGateway(t *testing.T, st store.Store, responder Responder, screener Screener, opts ...Option) (*Service, *mockMsgService) {
	t.Helper()
	msgService := newMockMsgService()
	opts = append([]Option{WithDebounce(20 * time.Millisecond)}, opts...)
	svc := New(st, msgService, responder, screener, opts...)
	t.Cleanup(svc.Stop)
	return svc, msgService
}

func TestProcessTurn_HappyPath(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{drafts: []string{"hola, soy el asistente"}}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{From: "+34 600 111 222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if msg.To != "34600111222" {
		t.Errorf("recipient should be canonicalized, got %q", msg.To)
	}
	if msg.Body != "hola, soy el asistente" {
		t.Errorf("unexpected body: %q", msg.Body)
	}

	conv, err := st.GetConversation("34600111222")
	if err != nil || conv == nil {
		t.Fatalf("conversation not persisted: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(conv.Messages))
	}
	if conv.Messages[0].Role != models.RoleUser || conv.Messages[1].Role != models.RoleAssistant {
		t.Errorf("unexpected roles: %+v", conv.Messages)
	}
	if conv.TurnSeq != 1 {
		t.Errorf("expected turn 1, got %d", conv.TurnSeq)
	}
}

func TestProcessTurn_DebounceMergesBurst(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{},
		WithDebounce(100*time.Millisecond))

	now := time.Now().Unix()
	svc.Dispatch(models.Response{From: "34600111222", Body: "primera", Time: now})
	svc.Dispatch(models.Response{From: "34600111222", Body: "segunda", Time: now})
	svc.Dispatch(models.Response{From: "34600111222", Body: "tercera", Time: now})

	waitForSend(t, msgService)
	if got := responder.callCount(); got != 1 {
		t.Errorf("burst should collapse into one turn, responder ran %d times", got)
	}

	conv, _ := st.GetConversation("34600111222")
	if conv == nil || len(conv.Messages) != 2 {
		t.Fatalf("expected one merged user message plus reply, got %+v", conv)
	}
	user := conv.Messages[0].Content
	for _, part := range []string{"primera", "segunda", "tercera"} {
		if !strings.Contains(user, part) {
			t.Errorf("merged message missing %q: %q", part, user)
		}
	}
}

func TestProcessTurn_RegenerationBudget(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{drafts: []string{"borrador malo"}}
	screener := &mockScreener{
		violateN: 10, // never passes
		rule: models.ConstraintRule{
			ID:         "rule_x",
			Corrective: "No puedo confirmar eso todavía.",
		},
	}
	svc, msgService := newTestGateway(t, st, responder, screener)

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if msg.Body != "No puedo confirmar eso todavía." {
		t.Errorf("exhausted budget should send corrective verbatim, got %q", msg.Body)
	}
	// Initial attempt plus DefaultMaxRegenerations retries.
	if got := responder.callCount(); got != DefaultMaxRegenerations+1 {
		t.Errorf("expected %d responder calls, got %d", DefaultMaxRegenerations+1, got)
	}
	hints := responder.seenHints()
	if hints[0] != "" {
		t.Errorf("first attempt should carry no hint, got %q", hints[0])
	}
	for _, h := range hints[1:] {
		if h != "No puedo confirmar eso todavía." {
			t.Errorf("retries should carry the corrective hint, got %q", h)
		}
	}
}

func TestProcessTurn_RegenerationRecovers(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{drafts: []string{"malo", "bueno"}}
	screener := &mockScreener{
		violateN: 1,
		rule:     models.ConstraintRule{ID: "rule_x", Corrective: "corrige"},
	}
	svc, msgService := newTestGateway(t, st, responder, screener)

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if msg.Body != "bueno" {
		t.Errorf("second draft should pass, got %q", msg.Body)
	}
}

func TestProcessTurn_ScreenerFailureSendsUnscreened(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{drafts: []string{"borrador"}}
	screener := &mockScreener{err: errors.New("rules table gone")}
	svc, msgService := newTestGateway(t, st, responder, screener)

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if msg.Body != "borrador" {
		t.Errorf("screener failure must not block the reply, got %q", msg.Body)
	}
}

func TestProcessTurn_PersistenceFailureDiscardsDraft(t *testing.T) {
	st := &failingStore{Store: store.NewInMemoryStore()}
	responder := &mockResponder{drafts: []string{"no debería llegar"}}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if msg.Body == "no debería llegar" {
		t.Fatal("draft must be discarded when the final save fails")
	}
	if !strings.Contains(msg.Body, "problema técnico") {
		t.Errorf("expected retry notice, got %q", msg.Body)
	}
}

func TestProcessTurn_ResponderFailureSendsRetryNotice(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{err: errors.New("model down")}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if !strings.Contains(msg.Body, "problema técnico") {
		t.Errorf("expected retry notice, got %q", msg.Body)
	}
}

func TestProcessTurn_AgentDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	if err := st.SaveConversation(&models.ConversationState{
		ConversationID: "34600111222",
		AgentDisabled:  true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	msg := waitForSend(t, msgService)
	if !strings.Contains(msg.Body, "compañero del equipo") {
		t.Errorf("expected handoff notice, got %q", msg.Body)
	}
	if responder.callCount() != 0 {
		t.Error("responder must never run while the agent is disabled")
	}
}

func TestProcessTurn_AttachmentsWithoutCaseStayPending(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{
		From: "34600111222",
		Time: time.Now().Unix(),
		Attachments: []models.Attachment{
			{MimeType: "image/jpeg"},
		},
	})

	waitForSend(t, msgService)
	conv, _ := st.GetConversation("34600111222")
	if conv == nil {
		t.Fatal("conversation not persisted")
	}
	if len(conv.PendingAttachments) != 1 {
		t.Fatalf("attachment should stay pending without a case, got %d", len(conv.PendingAttachments))
	}
	if conv.PendingAttachments[0].ID == "" {
		t.Error("attachment should get an ID assigned")
	}
	// The user turn notes the received file for the responder.
	if !strings.Contains(conv.Messages[0].Content, "archivo") {
		t.Errorf("user message should note the attachment: %q", conv.Messages[0].Content)
	}
}

func TestProcessTurn_AttachmentsScopedToCurrentItem(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	if err := st.SaveConversation(&models.ConversationState{
		ConversationID: "34600111222",
		Case: &models.CaseState{
			CaseID:     "case-1",
			Phase:      models.PhasePerItem,
			Items:      []string{"escape"},
			ItemPhase:  models.ItemPhasePhotos,
			ItemStatus: map[string]models.ItemStatus{"escape": models.ItemStatusPendingPhotos},
			ItemData:   map[string]map[string]string{},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	svc, msgService := newTestGateway(t, st, &mockResponder{}, &mockScreener{})

	svc.Dispatch(models.Response{
		From: "34600111222",
		Time: time.Now().Unix(),
		Attachments: []models.Attachment{
			{ID: "att-1", MimeType: "image/jpeg"},
		},
	})

	waitForSend(t, msgService)
	count, err := st.CountAttachments("case-1", models.ItemConfirmScope("escape"))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("attachment should be scoped to the current item, count=%d", count)
	}
}

func TestFlushPendingAttachments_PartialFailureKeepsTail(t *testing.T) {
	st := store.NewInMemoryStore()
	failing := &attachmentFailStore{Store: st, failAfter: 1}
	svc := New(failing, newMockMsgService(), &mockResponder{}, &mockScreener{})
	t.Cleanup(svc.Stop)

	conv := &models.ConversationState{
		ConversationID: "34600111222",
		Case: &models.CaseState{
			CaseID:     "case-1",
			Phase:      models.PhasePerItem,
			Items:      []string{"escape"},
			ItemPhase:  models.ItemPhasePhotos,
			ItemStatus: map[string]models.ItemStatus{"escape": models.ItemStatusPendingPhotos},
			ItemData:   map[string]map[string]string{},
		},
		PendingAttachments: []models.Attachment{
			{ID: "att-1", ConversationID: "34600111222", MimeType: "image/jpeg"},
			{ID: "att-2", ConversationID: "34600111222", MimeType: "image/jpeg"},
		},
	}

	svc.flushPendingAttachments(conv)

	scope := models.ItemConfirmScope("escape")
	if count, _ := st.CountAttachments("case-1", scope); count != 1 {
		t.Fatalf("expected 1 stored attachment after partial failure, got %d", count)
	}
	if len(conv.PendingAttachments) != 1 || conv.PendingAttachments[0].ID != "att-2" {
		t.Fatalf("only the unpersisted attachment should stay pending, got %+v", conv.PendingAttachments)
	}

	// Retrying must persist the tail without re-adding what already landed.
	failing.failAfter = 10
	svc.flushPendingAttachments(conv)
	if count, _ := st.CountAttachments("case-1", scope); count != 2 {
		t.Errorf("expected 2 stored attachments after retry, got %d", count)
	}
	if len(conv.PendingAttachments) != 0 {
		t.Errorf("pending list should be empty after full flush, got %+v", conv.PendingAttachments)
	}
}

func TestDispatch_AfterStopDropsMessage(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Stop()
	svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})

	assertNoSend(t, msgService, 150*time.Millisecond)
	if responder.callCount() != 0 {
		t.Error("dispatch after stop must not start a turn")
	}
}

func TestStop_DuringBurstDoesNotPanic(t *testing.T) {
	st := store.NewInMemoryStore()
	svc, _ := newTestGateway(t, st, &mockResponder{}, &mockScreener{},
		WithDebounce(50*time.Millisecond))

	// Interleave dispatch with shutdown; sends must never hit a closed
	// channel.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			svc.Dispatch(models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()})
		}
	}()
	svc.Stop()
	wg.Wait()
}

func TestDispatch_InvalidSenderDropped(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	svc.Dispatch(models.Response{From: "???", Body: "hola", Time: time.Now().Unix()})

	assertNoSend(t, msgService, 150*time.Millisecond)
	if responder.callCount() != 0 {
		t.Error("invalid sender must not reach the responder")
	}
}

func TestSetAgentDisabled(t *testing.T) {
	st := store.NewInMemoryStore()
	svc, _ := newTestGateway(t, st, &mockResponder{}, &mockScreener{})

	if err := svc.SetAgentDisabled("34600111222", true); !errors.Is(err, models.ErrConversationNotFound) {
		t.Errorf("expected not-found error, got %v", err)
	}

	now := time.Now()
	if err := st.SaveConversation(&models.ConversationState{ConversationID: "34600111222", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := svc.SetAgentDisabled("34600111222", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conv, _ := st.GetConversation("34600111222")
	if conv == nil || !conv.AgentDisabled {
		t.Error("panic flag not persisted")
	}
}

func TestStart_ConsumesResponsesAndReceipts(t *testing.T) {
	st := store.NewInMemoryStore()
	responder := &mockResponder{}
	svc, msgService := newTestGateway(t, st, responder, &mockScreener{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	msgService.responses <- models.Response{From: "34600111222", Body: "hola", Time: time.Now().Unix()}
	waitForSend(t, msgService)

	msgService.receipts <- models.Receipt{To: "34600111222", Status: models.MessageStatusDelivered, Time: time.Now().Unix()}

	deadline := time.Now().Add(time.Second)
	for {
		receipts, err := st.GetReceipts()
		if err != nil {
			t.Fatalf("get receipts failed: %v", err)
		}
		if len(receipts) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receipt never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
