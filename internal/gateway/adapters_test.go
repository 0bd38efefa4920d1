package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pepeccz/msi-a-sub002/internal/models"
	"github.com/pepeccz/msi-a-sub002/internal/store"
)

func TestStoreAttachmentCounter(t *testing.T) {
	st := store.NewInMemoryStore()
	for i := 0; i < 3; i++ {
		if err := st.AddAttachment(models.Attachment{
			CaseID:     "case-1",
			Scope:      models.ItemConfirmScope("escape"),
			ReceivedAt: time.Now(),
		}); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}

	counter := StoreAttachmentCounter{Store: st}
	count, err := counter.CountReceived(context.Background(), "case-1", models.ItemConfirmScope("escape"))
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3, got %d", count)
	}
	if count, _ := counter.CountReceived(context.Background(), "case-1", models.ConfirmScopeBaseDocs); count != 0 {
		t.Errorf("expected 0 for other scope, got %d", count)
	}
}

func TestEscalator_NotifiesOperator(t *testing.T) {
	msgService := newMockMsgService()
	esc := NewEscalator(msgService, "+34 699 000 000")

	esc.Escalate(context.Background(), "case-1", "confirmación forzada sin fotos")

	select {
	case msg := <-msgService.sent:
		if msg.To != "+34 699 000 000" {
			t.Errorf("unexpected recipient: %q", msg.To)
		}
		if !strings.Contains(msg.Body, "case-1") || !strings.Contains(msg.Body, "confirmación forzada sin fotos") {
			t.Errorf("notice should name the case and reason: %q", msg.Body)
		}
	default:
		t.Fatal("expected an operator notice")
	}
}

func TestEscalator_LogOnlyWithoutOperator(t *testing.T) {
	msgService := newMockMsgService()
	esc := NewEscalator(msgService, "")

	esc.Escalate(context.Background(), "case-1", "sin operador")

	select {
	case msg := <-msgService.sent:
		t.Fatalf("no message expected without an operator, got %+v", msg)
	default:
	}

	// Nil service must not panic either.
	NewEscalator(nil, "").Escalate(context.Background(), "case-1", "sin servicio")
}
