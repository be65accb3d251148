package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/model"
)

// Assistant — AI-ответчик. Ask fails with errs.ErrUnavailable.
type Assistant interface {
	Ask(ctx context.Context, identity int64, text string) (string, error)
}

type Classifier interface {
	Classify(text string) bool
}

// Reply is what the chat transport should send back to the user.
type Reply struct {
	Ticket    model.TicketRef
	Text      string
	Escalated bool
	// Silent means a specialist owns the ticket and the bot says nothing.
	Silent bool
}

const (
	escalatedText        = "Your request has been passed to a specialist. You will get an answer here."
	alreadyEscalatedText = "A specialist is already working on your request."
)

// Conversation — сценарий обработки входящего сообщения поверх AuthDirectory и AppealLedger.
type Conversation struct {
	auth       *AuthDirectory
	ledger     *AppealLedger
	assistant  Assistant
	classifier Classifier
	log        zerolog.Logger
}

func NewConversation(auth *AuthDirectory, ledger *AppealLedger, assistant Assistant, classifier Classifier, log zerolog.Logger) *Conversation {
	return &Conversation{
		auth:       auth,
		ledger:     ledger,
		assistant:  assistant,
		classifier: classifier,
		log:        log.With().Str("component", "conversation").Logger(),
	}
}

// HandleMessage records a user message and produces the bot's answer.
func (c *Conversation) HandleMessage(ctx context.Context, identity int64, text string) (Reply, error) {
	ok, err := c.auth.IsAuthorized(ctx, identity)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Reply{}, errs.ErrNotAuthorized
	}

	ref, err := c.ledger.CreateOrAppend(ctx, identity, text)
	if err != nil {
		return Reply{}, err
	}

	if c.classifier != nil && c.classifier.Classify(text) {
		return c.escalate(ctx, ref)
	}

	silenced, err := c.ledger.IsSilenced(ctx, ref)
	if err != nil {
		return Reply{}, err
	}
	if silenced {
		return Reply{Ticket: ref, Silent: true}, nil
	}

	answer, err := c.assistant.Ask(ctx, identity, text)
	if err != nil {
		c.log.Warn().Err(err).Int64("user_id", identity).Msg("assistant failed")
		if errors.Is(err, errs.ErrUnavailable) {
			return Reply{Ticket: ref}, err
		}
		return Reply{Ticket: ref}, fmt.Errorf("%w: assistant: %v", errs.ErrUnavailable, err)
	}

	err = c.ledger.RecordAIResponse(ctx, ref, answer)
	if errors.Is(err, errs.ErrSilenced) {
		// A specialist took the ticket while the assistant was thinking.
		return Reply{Ticket: ref, Silent: true}, nil
	}
	if err != nil {
		return Reply{Ticket: ref}, err
	}
	return Reply{Ticket: ref, Text: answer}, nil
}

// RequestSpecialist is the explicit "talk to a human" action.
func (c *Conversation) RequestSpecialist(ctx context.Context, identity int64) (Reply, error) {
	ok, err := c.auth.IsAuthorized(ctx, identity)
	if err != nil {
		return Reply{}, err
	}
	if !ok {
		return Reply{}, errs.ErrNotAuthorized
	}
	ref, err := c.ledger.CreateOrAppend(ctx, identity, "requested a specialist")
	if err != nil {
		return Reply{}, err
	}
	return c.escalate(ctx, ref)
}

func (c *Conversation) escalate(ctx context.Context, ref model.TicketRef) (Reply, error) {
	changed, err := c.ledger.Escalate(ctx, ref)
	if err != nil {
		return Reply{Ticket: ref}, err
	}
	if !changed {
		return Reply{Ticket: ref, Text: alreadyEscalatedText, Escalated: true}, nil
	}
	return Reply{Ticket: ref, Text: escalatedText, Escalated: true}, nil
}

// Authorize binds identity to the partner and re-checks through the store so
// a stale negative cache entry is never served right after a bind.
func (c *Conversation) Authorize(ctx context.Context, partnerCode, phone string, identity int64) (model.PartnerRecord, error) {
	rec, bindErr := c.auth.BindIdentity(ctx, partnerCode, phone, identity)
	if bindErr != nil && !errs.IsDegraded(bindErr) {
		return rec, bindErr
	}
	ok, err := c.auth.ForceRefresh(ctx, identity)
	if err != nil {
		if bindErr != nil {
			return rec, bindErr
		}
		return rec, err
	}
	if !ok {
		if bindErr != nil {
			return rec, bindErr
		}
		return rec, fmt.Errorf("%w: binding of %d did not stick", errs.ErrUnavailable, identity)
	}
	// A bind that failed part-way may still have left the record authorized.
	return rec, nil
}
