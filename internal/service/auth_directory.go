package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/gateway"
	"github.com/psds-microservice/appeal-service/internal/kafka"
	"github.com/psds-microservice/appeal-service/internal/metrics"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/sheets"
)

type AuthOptions struct {
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	Now         func() time.Time
}

// AuthDirectory — авторизация партнёров: кто привязан к какому chat id.
type AuthDirectory struct {
	store  Store
	table  sheets.Table
	opts   AuthOptions
	cache  *ttlcache.Cache[int64, bool]
	events kafka.AppealEventProducer
	log    zerolog.Logger
}

func NewAuthDirectory(store Store, table sheets.Table, opts AuthOptions, events kafka.AppealEventProducer, log zerolog.Logger) *AuthDirectory {
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = 5 * time.Minute
	}
	if opts.NegativeTTL <= 0 || opts.NegativeTTL > opts.PositiveTTL {
		opts.NegativeTTL = opts.PositiveTTL / 10
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if events == nil {
		events = kafka.Nop{}
	}
	cache := ttlcache.New[int64, bool](
		ttlcache.WithTTL[int64, bool](opts.PositiveTTL),
		ttlcache.WithDisableTouchOnHit[int64, bool](),
	)
	go cache.Start()
	return &AuthDirectory{
		store:  store,
		table:  table,
		opts:   opts,
		cache:  cache,
		events: events,
		log:    log.With().Str("component", "auth_directory").Logger(),
	}
}

// Close stops the cache janitor.
func (d *AuthDirectory) Close() {
	d.cache.Stop()
}

// IsAuthorized answers from the cache when it can. Store failures are
// returned as errors and never cached: "unavailable" is not "unauthorized".
func (d *AuthDirectory) IsAuthorized(ctx context.Context, identity int64) (bool, error) {
	if item := d.cache.Get(identity); item != nil {
		metrics.AuthCacheLookupsTotal.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}
	metrics.AuthCacheLookupsTotal.WithLabelValues("miss").Inc()
	return d.check(ctx, identity)
}

// ForceRefresh bypasses both the cache and the table snapshot.
func (d *AuthDirectory) ForceRefresh(ctx context.Context, identity int64) (bool, error) {
	d.cache.Delete(identity)
	d.store.Invalidate(d.table)
	return d.check(ctx, identity)
}

func (d *AuthDirectory) check(ctx context.Context, identity int64) (bool, error) {
	_, err := d.store.FindRow(ctx, d.table, authorizedAs(identity))
	switch {
	case err == nil:
		d.cache.Set(identity, true, d.opts.PositiveTTL)
		return true, nil
	case errors.Is(err, errs.ErrNotFound):
		d.cache.Set(identity, false, d.opts.NegativeTTL)
		return false, nil
	default:
		return false, fmt.Errorf("auth: check %d: %w", identity, err)
	}
}

// Lookup returns the partner record bound to identity.
func (d *AuthDirectory) Lookup(ctx context.Context, identity int64) (model.PartnerRecord, error) {
	match := authorizedAs(identity)
	for attempt := 0; attempt < 2; attempt++ {
		row, err := d.store.FindRow(ctx, d.table, match)
		if errors.Is(err, errs.ErrNotFound) {
			return model.PartnerRecord{}, fmt.Errorf("auth: lookup %d: %w", identity, errs.ErrPartnerNotFound)
		}
		if err != nil {
			return model.PartnerRecord{}, fmt.Errorf("auth: lookup %d: %w", identity, err)
		}
		cells, err := d.store.ReadRow(ctx, d.table, row)
		if err != nil {
			return model.PartnerRecord{}, fmt.Errorf("auth: lookup %d: %w", identity, err)
		}
		if match(cells) {
			return model.PartnerFromRow(row, cells), nil
		}
		d.store.Invalidate(d.table)
	}
	return model.PartnerRecord{}, fmt.Errorf("auth: lookup %d: %w", identity, errs.ErrPartnerNotFound)
}

// BindIdentity links identity to the partner row found by code and phone.
// The three cells are written one by one; after a failure the caller should
// re-check with ForceRefresh. Binding the same identity again is a no-op.
func (d *AuthDirectory) BindIdentity(ctx context.Context, partnerCode, phone string, identity int64) (model.PartnerRecord, error) {
	normalized, err := model.NormalizePhone(phone)
	if err != nil {
		return model.PartnerRecord{}, err
	}
	partnerCode = strings.TrimSpace(partnerCode)
	if partnerCode == "" || identity <= 0 {
		return model.PartnerRecord{}, fmt.Errorf("%w: partner code and identity are required", errs.ErrMalformed)
	}
	match := func(cells []string) bool {
		return len(cells) > model.PartnerColPhone &&
			sheets.NormalizeCell(cells[model.PartnerColCode]) == sheets.NormalizeCell(partnerCode) &&
			model.SamePhone(cells[model.PartnerColPhone], normalized)
	}

	for attempt := 0; attempt < 2; attempt++ {
		row, err := d.store.FindRow(ctx, d.table, match)
		if errors.Is(err, errs.ErrNotFound) {
			// The snapshot may predate a freshly provisioned row.
			d.store.Invalidate(d.table)
			continue
		}
		if err != nil {
			return model.PartnerRecord{}, fmt.Errorf("auth: bind %s: %w", partnerCode, err)
		}
		cells, err := d.store.ReadRow(ctx, d.table, row)
		if err != nil {
			return model.PartnerRecord{}, fmt.Errorf("auth: bind %s: %w", partnerCode, err)
		}
		if !match(cells) {
			d.store.Invalidate(d.table)
			continue
		}
		rec := model.PartnerFromRow(row, cells)
		if rec.LinkedUserID != 0 && rec.LinkedUserID != identity {
			return rec, errs.ErrAlreadyBoundToOther
		}
		if rec.LinkedUserID == identity && rec.AuthStatus == model.AuthStatusAuthorized {
			d.cache.Set(identity, true, d.opts.PositiveTTL)
			return rec, nil
		}

		now := d.opts.Now()
		err = d.store.WriteCells(ctx, d.table, row,
			gateway.Cell{Col: model.PartnerColUserID, Value: model.FormatUserID(identity)},
			gateway.Cell{Col: model.PartnerColStatus, Value: string(model.AuthStatusAuthorized)},
			gateway.Cell{Col: model.PartnerColAuthorizedAt, Value: model.FormatTime(now)},
		)
		if errors.Is(err, errs.ErrConflict) {
			d.store.Invalidate(d.table)
			continue
		}
		if err != nil {
			d.cache.Delete(identity)
			return rec, fmt.Errorf("auth: bind %s: %w", partnerCode, err)
		}

		rec.LinkedUserID = identity
		rec.AuthStatus = model.AuthStatusAuthorized
		rec.AuthorizedAt = &now
		d.cache.Set(identity, true, d.opts.PositiveTTL)
		d.log.Info().Str("code", rec.PartnerCode).Int64("user_id", identity).Int("row", row).Msg("partner bound")
		d.events.ProduceAppealEvent(ctx, kafka.EventPartnerBound, map[string]interface{}{
			"code":    rec.PartnerCode,
			"phone":   rec.Phone,
			"user_id": identity,
		})
		return rec, nil
	}
	return model.PartnerRecord{}, fmt.Errorf("auth: bind %s: %w", partnerCode, errs.ErrPartnerNotFound)
}

func authorizedAs(identity int64) gateway.Matcher {
	return func(cells []string) bool {
		return len(cells) > model.PartnerColStatus &&
			model.ParseUserID(cells[model.PartnerColUserID]) == identity &&
			model.ParseAuthStatus(cells[model.PartnerColStatus]) == model.AuthStatusAuthorized
	}
}
