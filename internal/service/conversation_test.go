package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/escalation"
	"github.com/psds-microservice/appeal-service/internal/model"
)

type fakeAssistant struct {
	calls  atomic.Int32
	answer string
	err    error
}

func (a *fakeAssistant) Ask(context.Context, int64, string) (string, error) {
	a.calls.Add(1)
	return a.answer, a.err
}

func newConversation(f *fixture, a Assistant) *Conversation {
	return NewConversation(f.auth, f.ledger, a, escalation.Default(), zerolog.Nop())
}

func TestHandleMessageRequiresAuthorization(t *testing.T) {
	f := newFixture(t)
	a := &fakeAssistant{answer: "hi"}
	c := newConversation(f, a)

	if _, err := c.HandleMessage(context.Background(), 100, "hello"); !errors.Is(err, errs.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("assistant must not be asked for unauthorized users")
	}
}

func TestHandleMessageAnswersWithAssistant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := &fakeAssistant{answer: "Open Documents and press Upload."}
	c := newConversation(f, a)

	if _, err := c.Authorize(ctx, "111098", "+7 982 770-1055", 100); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	reply, err := c.HandleMessage(ctx, 100, "how do I upload an invoice?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if reply.Text != a.answer || reply.Escalated || reply.Silent {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if got := f.ticket(t, reply.Ticket).Status; got != model.TicketStatusAIAnswered {
		t.Fatalf("status = %s", got)
	}
}

func TestHandleMessageEscalates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, 100)
	a := &fakeAssistant{answer: "answer"}
	c := newConversation(f, a)

	reply, err := c.HandleMessage(ctx, 100, "Nothing works, call me please")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !reply.Escalated || reply.Text != escalatedText {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("assistant must not answer an escalation")
	}

	// While a specialist owns the ticket the bot stays quiet.
	reply, err = c.HandleMessage(ctx, 100, "any news?")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !reply.Silent || reply.Text != "" {
		t.Fatalf("expected a silent reply, got %+v", reply)
	}
	if a.calls.Load() != 0 {
		t.Fatalf("assistant must not be asked while silenced")
	}

	reply, err = c.RequestSpecialist(ctx, 100)
	if err != nil {
		t.Fatalf("request specialist: %v", err)
	}
	if reply.Text != alreadyEscalatedText {
		t.Fatalf("unexpected reply: %+v", reply)
	}
}

func TestHandleMessageAssistantFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, 100)
	c := newConversation(f, &fakeAssistant{err: errors.New("model overloaded")})

	reply, err := c.HandleMessage(ctx, 100, "hello")
	if !errors.Is(err, errs.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if got := f.ticket(t, reply.Ticket).Status; got != model.TicketStatusNew {
		t.Fatalf("ticket must stay New, got %s", got)
	}
}

func TestAuthorizeReportsDefinitiveFailures(t *testing.T) {
	f := newFixture(t)
	c := newConversation(f, &fakeAssistant{})
	if _, err := c.Authorize(context.Background(), "222000", "89001234567", 777); !errors.Is(err, errs.ErrAlreadyBoundToOther) {
		t.Fatalf("expected ErrAlreadyBoundToOther, got %v", err)
	}
}
