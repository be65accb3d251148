package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/gateway"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/sheets"
)

const (
	partnersSheet = "Authorization"
	appealsSheet  = "Appeals"
)

// switchableBackend is the in-memory sheet with an on/off switch for outages.
type switchableBackend struct {
	*sheets.Memory
	down atomic.Bool
}

func (s *switchableBackend) err() error {
	if s.down.Load() {
		return fmt.Errorf("%w: backend down", errs.ErrUnavailable)
	}
	return nil
}

func (s *switchableBackend) ReadRange(ctx context.Context, table string, r sheets.Range) ([][]string, error) {
	if err := s.err(); err != nil {
		return nil, err
	}
	return s.Memory.ReadRange(ctx, table, r)
}

func (s *switchableBackend) WriteCell(ctx context.Context, table string, row, col int, value string) error {
	if err := s.err(); err != nil {
		return err
	}
	return s.Memory.WriteCell(ctx, table, row, col, value)
}

func (s *switchableBackend) AppendRow(ctx context.Context, table string, values []string) (int, error) {
	if err := s.err(); err != nil {
		return 0, err
	}
	return s.Memory.AppendRow(ctx, table, values)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) ProduceAppealEvent(_ context.Context, event string, _ map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

type fixture struct {
	backend *switchableBackend
	mem     *sheets.Memory
	gw      *gateway.Gateway
	auth    *AuthDirectory
	ledger  *AppealLedger
	events  *recordingEvents

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := sheets.NewMemory()
	mem.Seed(partnersSheet,
		[]string{"Code", "Phone", "Name", "User ID", "Status", "Authorized at"},
		[]string{"111098", "89827701055", "Ivan Petrov", "", "", ""},
		[]string{"222000", "+7 (900) 123-45-67", "Anna Smirnova", "555", "Authorized", "2024-01-01 10:00:00"},
		[]string{"333000", "8 912 000 11 22", "Oleg Sidorov", "", "Unauthorized", ""},
	)
	mem.Seed(appealsSheet,
		[]string{"Code", "Phone", "Name", "User ID", "History", "Status", "Reply", "Updated at"},
	)

	opts := gateway.DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 2 * time.Millisecond
	opts.CallTimeout = time.Second
	opts.RequestsPerMinute = 0
	opts.BreakerCooldown = time.Hour

	f := &fixture{
		backend: &switchableBackend{Memory: mem},
		mem:     mem,
		events:  &recordingEvents{},
		now:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.gw = gateway.New(f.backend, opts, zerolog.Nop())
	f.auth = NewAuthDirectory(f.gw, PartnersTable(partnersSheet), AuthOptions{
		PositiveTTL: time.Minute,
		NegativeTTL: 10 * time.Second,
		Now:         f.clock,
	}, f.events, zerolog.Nop())
	t.Cleanup(f.auth.Close)
	f.ledger = NewAppealLedger(f.gw, AppealsTable(appealsSheet), f.auth, f.events, f.clock, zerolog.Nop())
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// bind authorizes identity against the first seeded partner.
func (f *fixture) bind(t *testing.T, identity int64) {
	t.Helper()
	if _, err := f.auth.BindIdentity(context.Background(), "111098", "89827701055", identity); err != nil {
		t.Fatalf("bind %d: %v", identity, err)
	}
}

func (f *fixture) ticket(t *testing.T, ref model.TicketRef) model.Ticket {
	t.Helper()
	tk, err := f.ledger.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	return tk
}
