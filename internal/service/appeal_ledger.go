package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/gateway"
	"github.com/psds-microservice/appeal-service/internal/kafka"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/sheets"
)

// PartnerLookup — источник данных партнёра для новой строки обращения.
type PartnerLookup interface {
	Lookup(ctx context.Context, identity int64) (model.PartnerRecord, error)
}

// SpecialistReply — ответ специалиста, ожидающий доставки.
type SpecialistReply struct {
	Ref      model.TicketRef
	Identity int64
	Text     string
}

// AppealLedger — машина состояний обращений поверх таблицы Appeals.
// Every conditional transition re-reads the row: specialists edit the
// sheet by hand and their edits win.
type AppealLedger struct {
	store    Store
	table    sheets.Table
	partners PartnerLookup
	locks    *keyedMutex
	events   kafka.AppealEventProducer
	now      func() time.Time
	log      zerolog.Logger
}

func NewAppealLedger(store Store, table sheets.Table, partners PartnerLookup, events kafka.AppealEventProducer, now func() time.Time, log zerolog.Logger) *AppealLedger {
	if events == nil {
		events = kafka.Nop{}
	}
	if now == nil {
		now = time.Now
	}
	return &AppealLedger{
		store:    store,
		table:    table,
		partners: partners,
		locks:    newKeyedMutex(),
		events:   events,
		now:      now,
		log:      log.With().Str("component", "appeal_ledger").Logger(),
	}
}

// CreateOrAppend records a user message on the identity's ticket, creating
// the ticket when there is none. A resolved ticket is reopened.
func (l *AppealLedger) CreateOrAppend(ctx context.Context, identity int64, text string) (model.TicketRef, error) {
	text = strings.TrimSpace(text)
	if identity <= 0 || text == "" {
		return model.TicketRef{}, fmt.Errorf("%w: identity and text are required", errs.ErrMalformed)
	}
	unlock := l.locks.Lock(identityKey(identity))
	defer unlock()

	t, err := l.findByIdentity(ctx, identity)
	if err == nil {
		return l.appendUserMessage(ctx, t.Ref(), identity, text)
	}
	if !errors.Is(err, errs.ErrTicketNotFound) {
		return model.TicketRef{}, err
	}

	partner, err := l.partners.Lookup(ctx, identity)
	if err != nil {
		return model.TicketRef{}, fmt.Errorf("ledger: create for %d: %w", identity, err)
	}
	// A row may already exist for the partner from before the identity was
	// (re)bound; adopt it instead of opening a second one.
	byKey := model.TicketRef{PartnerCode: partner.PartnerCode, Phone: partner.Phone}
	if _, err := l.store.FindRow(ctx, l.table, refMatcher(byKey)); err == nil {
		return l.appendUserMessage(ctx, byKey, identity, text)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return model.TicketRef{}, fmt.Errorf("ledger: create for %d: %w", identity, err)
	}

	now := l.now()
	t = model.Ticket{
		PartnerCode:  partner.PartnerCode,
		Phone:        partner.Phone,
		FullName:     partner.FullName,
		LinkedUserID: identity,
		History:      model.HistoryEntry(now, model.RoleUser, text),
		Status:       model.TicketStatusNew,
		UpdatedAt:    &now,
	}
	row, err := l.store.AppendRow(ctx, l.table, t.Cells())
	if err != nil {
		return model.TicketRef{}, fmt.Errorf("ledger: create for %d: %w", identity, err)
	}
	t.Row = row
	l.log.Info().Int64("user_id", identity).Str("code", t.PartnerCode).Int("row", row).Msg("appeal created")
	l.publish(ctx, kafka.EventAppealCreated, t)
	return t.Ref(), nil
}

func (l *AppealLedger) appendUserMessage(ctx context.Context, ref model.TicketRef, identity int64, text string) (model.TicketRef, error) {
	var reopened bool
	t, err := l.mutate(ctx, ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		t.History = model.AppendHistory(t.History, model.HistoryEntry(now, model.RoleUser, text))
		cells := []gateway.Cell{{Col: model.TicketColHistory, Value: t.History}}
		if t.LinkedUserID != identity {
			t.LinkedUserID = identity
			cells = append(cells, gateway.Cell{Col: model.TicketColUserID, Value: model.FormatUserID(identity)})
		}
		reopened = t.Status == model.TicketStatusResolved
		if reopened {
			t.Status = model.TicketStatusNew
			cells = append(cells, gateway.Cell{Col: model.TicketColStatus, Value: string(t.Status)})
		}
		return cells
	})
	if err != nil {
		return model.TicketRef{}, fmt.Errorf("ledger: append for %d: %w", identity, err)
	}
	if reopened {
		l.log.Info().Int64("user_id", identity).Int("row", t.Row).Msg("appeal reopened")
		l.publish(ctx, kafka.EventAppealReopened, t)
	}
	return t.Ref(), nil
}

// RecordAIResponse appends the assistant answer and marks the ticket
// AIAnswered. A ticket owned by a specialist is left untouched and
// errs.ErrSilenced is returned.
func (l *AppealLedger) RecordAIResponse(ctx context.Context, ref model.TicketRef, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty assistant response", errs.ErrMalformed)
	}
	unlock := l.locks.Lock(refKey(ref))
	defer unlock()

	var silenced bool
	t, err := l.mutate(ctx, ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		silenced = t.Status == model.TicketStatusInProgress
		if silenced {
			return nil
		}
		t.History = model.AppendHistory(t.History, model.HistoryEntry(now, model.RoleAssistant, text))
		t.Status = model.TicketStatusAIAnswered
		return []gateway.Cell{
			{Col: model.TicketColHistory, Value: t.History},
			{Col: model.TicketColStatus, Value: string(t.Status)},
		}
	})
	if err != nil {
		return fmt.Errorf("ledger: record ai response: %w", err)
	}
	if silenced {
		return errs.ErrSilenced
	}
	l.publish(ctx, kafka.EventAppealAIAnswered, t)
	return nil
}

// IsSilenced reads the row fresh and reports whether a specialist owns it.
func (l *AppealLedger) IsSilenced(ctx context.Context, ref model.TicketRef) (bool, error) {
	t, err := l.locate(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("ledger: is silenced: %w", err)
	}
	return t.Status == model.TicketStatusInProgress, nil
}

// Escalate hands the ticket to a specialist. It reports whether the status
// actually changed; escalating an InProgress ticket is a no-op.
func (l *AppealLedger) Escalate(ctx context.Context, ref model.TicketRef) (bool, error) {
	unlock := l.locks.Lock(refKey(ref))
	defer unlock()

	var changed bool
	t, err := l.mutate(ctx, ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		changed = t.Status != model.TicketStatusInProgress
		if !changed {
			return nil
		}
		t.History = model.AppendHistory(t.History, model.HistoryEntry(now, model.RoleSystem, "escalated to a specialist"))
		t.Status = model.TicketStatusInProgress
		return []gateway.Cell{
			{Col: model.TicketColHistory, Value: t.History},
			{Col: model.TicketColStatus, Value: string(t.Status)},
		}
	})
	if err != nil {
		return false, fmt.Errorf("ledger: escalate: %w", err)
	}
	if changed {
		l.log.Info().Int64("user_id", t.LinkedUserID).Int("row", t.Row).Msg("appeal escalated")
		l.publish(ctx, kafka.EventAppealEscalated, t)
	}
	return changed, nil
}

// Resolve closes the ticket. It refuses while a specialist reply is still
// waiting in the row, so an undelivered answer never ends up on a closed
// ticket.
func (l *AppealLedger) Resolve(ctx context.Context, ref model.TicketRef) (bool, error) {
	unlock := l.locks.Lock(refKey(ref))
	defer unlock()

	var changed bool
	t, err := l.mutate(ctx, ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		changed = t.SpecialistReply == "" && t.Status != model.TicketStatusResolved
		if !changed {
			return nil
		}
		t.Status = model.TicketStatusResolved
		return []gateway.Cell{{Col: model.TicketColStatus, Value: string(t.Status)}}
	})
	if err != nil {
		return false, fmt.Errorf("ledger: resolve: %w", err)
	}
	if changed {
		l.log.Info().Int64("user_id", t.LinkedUserID).Int("row", t.Row).Msg("appeal resolved")
		l.publish(ctx, kafka.EventAppealResolved, t)
	}
	return changed, nil
}

// PollSpecialistReplies scans the whole table fresh and returns every row
// with a pending reply. Nothing is cleared here.
func (l *AppealLedger) PollSpecialistReplies(ctx context.Context) ([]SpecialistReply, error) {
	rows, err := l.store.Refresh(ctx, l.table)
	if err != nil {
		return nil, fmt.Errorf("ledger: poll replies: %w", err)
	}
	var out []SpecialistReply
	for i, cells := range rows {
		t := model.TicketFromRow(l.table.FirstDataRow()+i, cells)
		if t.SpecialistReply == "" {
			continue
		}
		out = append(out, SpecialistReply{Ref: t.Ref(), Identity: t.LinkedUserID, Text: t.SpecialistReply})
	}
	return out, nil
}

// ClearSpecialistReply archives a delivered reply into the history and
// blanks the reply cell. The history is written first and UpdatedAt last, so
// a failure in between leads to a retry that only blanks the cell. The cell is
// left alone when it already holds a newer reply. Safe to call repeatedly.
func (l *AppealLedger) ClearSpecialistReply(ctx context.Context, reply SpecialistReply) error {
	text := strings.TrimSpace(reply.Text)
	unlock := l.locks.Lock(refKey(reply.Ref))
	defer unlock()

	var cleared bool
	t, err := l.mutate(ctx, reply.Ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		cleared = false
		if t.SpecialistReply == "" || text == "" {
			return nil
		}
		var cells []gateway.Cell
		if !archivedByPreviousClear(t, text) {
			t.History = model.AppendHistory(t.History, model.HistoryEntry(now, model.RoleSpecialist, text))
			cells = append(cells, gateway.Cell{Col: model.TicketColHistory, Value: t.History})
		}
		if t.SpecialistReply == text {
			t.SpecialistReply = ""
			cleared = true
			cells = append(cells, gateway.Cell{Col: model.TicketColReply, Value: ""})
		}
		return cells
	})
	if err != nil {
		return fmt.Errorf("ledger: clear reply: %w", err)
	}
	if cleared {
		l.log.Info().Int64("user_id", t.LinkedUserID).Int("row", t.Row).Msg("specialist reply delivered")
		l.publish(ctx, kafka.EventAppealReplyDelivered, t)
	}
	return nil
}

// archivedByPreviousClear reports whether the history already ends with text
// from a clear that failed before blanking the cell. A completed clear stamps
// UpdatedAt with the entry's own time, so an entry that is not newer than
// UpdatedAt belongs to an earlier delivery and the same text is a new reply.
func archivedByPreviousClear(t *model.Ticket, text string) bool {
	at, ok := model.LastEntryAt(t.History, model.RoleSpecialist, text)
	if !ok {
		return false
	}
	if at.IsZero() || t.UpdatedAt == nil {
		return true
	}
	return t.UpdatedAt.Before(at)
}

// DeadLetterReply gives up on a reply that could not be delivered: the text
// goes to the history with a System note and the cell is blanked so the
// monitor stops picking it up. A newer reply in the cell is left alone.
func (l *AppealLedger) DeadLetterReply(ctx context.Context, reply SpecialistReply, reason string) error {
	text := strings.TrimSpace(reply.Text)
	unlock := l.locks.Lock(refKey(reply.Ref))
	defer unlock()

	var dropped bool
	t, err := l.mutate(ctx, reply.Ref, func(t *model.Ticket, now time.Time) []gateway.Cell {
		dropped = t.SpecialistReply != "" && t.SpecialistReply == text
		if !dropped {
			return nil
		}
		note := "reply not delivered"
		if reason = strings.TrimSpace(reason); reason != "" {
			note += " (" + reason + ")"
		}
		t.History = model.AppendHistory(t.History, model.HistoryEntry(now, model.RoleSystem, note+": "+text))
		t.SpecialistReply = ""
		return []gateway.Cell{
			{Col: model.TicketColHistory, Value: t.History},
			{Col: model.TicketColReply, Value: ""},
		}
	})
	if err != nil {
		return fmt.Errorf("ledger: dead-letter reply: %w", err)
	}
	if dropped {
		l.log.Warn().Int64("user_id", t.LinkedUserID).Int("row", t.Row).Str("reason", reason).Msg("specialist reply dead-lettered")
		l.publish(ctx, kafka.EventAppealDeadLettered, t)
	}
	return nil
}

// Get returns the current state of the ticket, read fresh.
func (l *AppealLedger) Get(ctx context.Context, ref model.TicketRef) (model.Ticket, error) {
	t, err := l.locate(ctx, ref)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("ledger: get: %w", err)
	}
	return t, nil
}

// mutate re-reads the ticket, lets fn decide what to write and writes it.
// A row that moved under us is relocated by key and the whole step is
// retried once. fn returning no cells means nothing to do.
func (l *AppealLedger) mutate(ctx context.Context, ref model.TicketRef, fn func(t *model.Ticket, now time.Time) []gateway.Cell) (model.Ticket, error) {
	for attempt := 0; ; attempt++ {
		t, err := l.locate(ctx, ref)
		if err != nil {
			return model.Ticket{}, err
		}
		now := l.now()
		cells := fn(&t, now)
		if len(cells) == 0 {
			return t, nil
		}
		t.UpdatedAt = &now
		cells = append(cells, gateway.Cell{Col: model.TicketColUpdatedAt, Value: model.FormatTime(now)})
		err = l.store.WriteCells(ctx, l.table, t.Row, cells...)
		if errors.Is(err, errs.ErrConflict) && attempt == 0 {
			l.log.Warn().Int("row", t.Row).Msg("appeal row moved, relocating")
			ref.Row = 0
			continue
		}
		return t, err
	}
}

// locate reads the ticket addressed by ref. The row hint is tried first; when
// the row there no longer carries the ref's key the table is searched again.
func (l *AppealLedger) locate(ctx context.Context, ref model.TicketRef) (model.Ticket, error) {
	if ref.Row >= l.table.FirstDataRow() {
		cells, err := l.store.ReadRow(ctx, l.table, ref.Row)
		if err != nil {
			return model.Ticket{}, err
		}
		if t := model.TicketFromRow(ref.Row, cells); ref.Matches(t) {
			return t, nil
		}
		l.store.Invalidate(l.table)
	}
	for attempt := 0; attempt < 2; attempt++ {
		row, err := l.store.FindRow(ctx, l.table, refMatcher(ref))
		if errors.Is(err, errs.ErrNotFound) {
			return model.Ticket{}, errs.ErrTicketNotFound
		}
		if err != nil {
			return model.Ticket{}, err
		}
		cells, err := l.store.ReadRow(ctx, l.table, row)
		if err != nil {
			return model.Ticket{}, err
		}
		if t := model.TicketFromRow(row, cells); ref.Matches(t) {
			return t, nil
		}
		l.store.Invalidate(l.table)
	}
	return model.Ticket{}, errs.ErrTicketNotFound
}

// findByIdentity returns the first row linked to identity. Duplicate rows
// (for example after an append retried on a timeout) are ignored.
func (l *AppealLedger) findByIdentity(ctx context.Context, identity int64) (model.Ticket, error) {
	t, err := l.locate(ctx, model.TicketRef{UserID: identity})
	if err != nil {
		if errors.Is(err, errs.ErrTicketNotFound) {
			return model.Ticket{}, err
		}
		return model.Ticket{}, fmt.Errorf("ledger: find ticket of %d: %w", identity, err)
	}
	return t, nil
}

func (l *AppealLedger) publish(ctx context.Context, event string, t model.Ticket) {
	l.events.ProduceAppealEvent(ctx, event, map[string]interface{}{
		"code":    t.PartnerCode,
		"phone":   t.Phone,
		"user_id": t.LinkedUserID,
		"status":  string(t.Status),
		"row":     t.Row,
	})
}

func refMatcher(ref model.TicketRef) gateway.Matcher {
	return func(cells []string) bool {
		return ref.Matches(model.TicketFromRow(0, cells))
	}
}

func identityKey(identity int64) string {
	return "id:" + strconv.FormatInt(identity, 10)
}

func refKey(ref model.TicketRef) string {
	if ref.UserID != 0 {
		return identityKey(ref.UserID)
	}
	phone, err := model.NormalizePhone(ref.Phone)
	if err != nil {
		phone = strings.TrimSpace(ref.Phone)
	}
	return "key:" + strings.ToLower(strings.TrimSpace(ref.PartnerCode)) + "/" + phone
}
