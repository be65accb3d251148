package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/kafka"
	"github.com/psds-microservice/appeal-service/internal/model"
)

func TestBindIdentityNormalizesPhone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	phone, err := model.NormalizePhone("+7 982 770-1055")
	if err != nil || phone != "89827701055" {
		t.Fatalf("normalize: %q, %v", phone, err)
	}

	rec, err := f.auth.BindIdentity(ctx, "111098", "+7 982 770-1055", 100)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rec.LinkedUserID != 100 || rec.AuthStatus != model.AuthStatusAuthorized || rec.Row != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if got := f.mem.Cell(partnersSheet, 2, model.PartnerColUserID); got != "100" {
		t.Fatalf("user id cell = %q", got)
	}
	if got := f.mem.Cell(partnersSheet, 2, model.PartnerColStatus); got != "Authorized" {
		t.Fatalf("status cell = %q", got)
	}
	if got := f.mem.Cell(partnersSheet, 2, model.PartnerColAuthorizedAt); got != "2024-05-01 12:00:00" {
		t.Fatalf("authorized at cell = %q", got)
	}
	ok, err := f.auth.IsAuthorized(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("IsAuthorized after bind = %v, %v", ok, err)
	}
	if f.events.count(kafka.EventPartnerBound) != 1 {
		t.Fatalf("expected one partner.bound event")
	}
}

func TestBindIdentityIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bind(t, 100)
	rows := f.mem.Len(partnersSheet)
	stamp := f.mem.Cell(partnersSheet, 2, model.PartnerColAuthorizedAt)

	f.advance(time.Hour)
	rec, err := f.auth.BindIdentity(ctx, "111098", "8 (982) 770-10-55", 100)
	if err != nil {
		t.Fatalf("second bind: %v", err)
	}
	if rec.LinkedUserID != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if f.mem.Len(partnersSheet) != rows {
		t.Fatalf("second bind must not add rows")
	}
	if got := f.mem.Cell(partnersSheet, 2, model.PartnerColAuthorizedAt); got != stamp {
		t.Fatalf("second bind rewrote the timestamp: %q -> %q", stamp, got)
	}
	if f.events.count(kafka.EventPartnerBound) != 1 {
		t.Fatalf("second bind must not publish")
	}
}

func TestBindIdentityMatchesFormattedRowPhones(t *testing.T) {
	f := newFixture(t)
	rec, err := f.auth.BindIdentity(context.Background(), "333000", "9120001122", 300)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rec.Row != 4 {
		t.Fatalf("bound row %d, want 4", rec.Row)
	}
}

func TestBindIdentityFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.auth.BindIdentity(ctx, "222000", "89001234567", 777); !errors.Is(err, errs.ErrAlreadyBoundToOther) {
		t.Fatalf("expected ErrAlreadyBoundToOther, got %v", err)
	}
	if got := f.mem.Cell(partnersSheet, 3, model.PartnerColUserID); got != "555" {
		t.Fatalf("binding to another identity must not write, cell = %q", got)
	}
	if _, err := f.auth.BindIdentity(ctx, "999999", "89827701055", 100); !errors.Is(err, errs.ErrPartnerNotFound) {
		t.Fatalf("expected ErrPartnerNotFound, got %v", err)
	}
	if _, err := f.auth.BindIdentity(ctx, "111098", "12345", 100); !errors.Is(err, errs.ErrInvalidPhone) {
		t.Fatalf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestBindIdentityFindsFreshlyAddedPartner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Warm the snapshot, then add a partner behind its back.
	if _, err := f.auth.IsAuthorized(ctx, 1); err != nil {
		t.Fatalf("warm: %v", err)
	}
	f.mem.Seed(partnersSheet, []string{"444000", "89990001122", "New Partner", "", "", ""})

	rec, err := f.auth.BindIdentity(ctx, "444000", "89990001122", 400)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rec.Row != 5 {
		t.Fatalf("bound row %d, want 5", rec.Row)
	}
}

func TestNegativeCacheAndForceRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.auth.IsAuthorized(ctx, 100)
	if err != nil || ok {
		t.Fatalf("IsAuthorized = %v, %v; want false", ok, err)
	}
	// An operator authorizes the partner by hand.
	f.mem.SetCell(partnersSheet, 2, model.PartnerColUserID, "100")
	f.mem.SetCell(partnersSheet, 2, model.PartnerColStatus, "Authorized")

	if ok, _ := f.auth.IsAuthorized(ctx, 100); ok {
		t.Fatalf("negative answer should still be cached")
	}
	ok, err = f.auth.ForceRefresh(ctx, 100)
	if err != nil || !ok {
		t.Fatalf("ForceRefresh = %v, %v; want true", ok, err)
	}
	if ok, _ := f.auth.IsAuthorized(ctx, 100); !ok {
		t.Fatalf("ForceRefresh must update the cache")
	}
}

func TestStoreOutageIsNotUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.down.Store(true)

	ok, err := f.auth.IsAuthorized(ctx, 555)
	if err == nil {
		t.Fatalf("expected an error while the store is down, got %v", ok)
	}
	if !errs.IsDegraded(err) {
		t.Fatalf("expected a degraded error, got %v", err)
	}
	if errs.UserMessage(err) == errs.UserMessage(errs.ErrNotAuthorized) {
		t.Fatalf("outage must not read as 'not authorized'")
	}

	f.backend.down.Store(false)
	ok, err = f.auth.IsAuthorized(ctx, 555)
	if err != nil || !ok {
		t.Fatalf("failure must not be cached: %v, %v", ok, err)
	}
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.auth.Lookup(ctx, 555)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.PartnerCode != "222000" || rec.FullName != "Anna Smirnova" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := f.auth.Lookup(ctx, 42); !errors.Is(err, errs.ErrPartnerNotFound) {
		t.Fatalf("expected ErrPartnerNotFound, got %v", err)
	}
}
