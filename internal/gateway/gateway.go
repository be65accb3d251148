// Package gateway is the single choke point between the service and the
// tabular store. Every call goes through a client-side quota, a retry with
// exponential backoff and a circuit breaker; FindRow scans a cached snapshot.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/metrics"
	"github.com/psds-microservice/appeal-service/internal/sheets"
)

// Options — политика ретраев, брейкера, квоты и кеша.
type Options struct {
	Attempts      int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
	CallTimeout   time.Duration

	BreakerThreshold uint32
	BreakerCooldown  time.Duration

	// RequestsPerMinute <= 0 disables the client-side quota.
	RequestsPerMinute int
	Burst             int

	SnapshotTTL  time.Duration
	VerifyWrites bool
	// VerifyWindow: a row read this recently is not re-read before a write.
	VerifyWindow time.Duration
}

func DefaultOptions() Options {
	return Options{
		Attempts:          4,
		BaseDelay:         500 * time.Millisecond,
		MaxDelay:          8 * time.Second,
		JitterPercent:     20,
		CallTimeout:       15 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   30 * time.Second,
		RequestsPerMinute: 55,
		Burst:             5,
		SnapshotTTL:       10 * time.Second,
		VerifyWrites:      true,
		VerifyWindow:      3 * time.Second,
	}
}

// Matcher selects a row by its cells.
type Matcher func(cells []string) bool

// MatchColumns matches rows whose columns equal the given values after
// trimming and case folding.
func MatchColumns(want map[int]string) Matcher {
	norm := make(map[int]string, len(want))
	for c, v := range want {
		norm[c] = sheets.NormalizeCell(v)
	}
	return func(cells []string) bool {
		for c, v := range norm {
			got := ""
			if c < len(cells) {
				got = cells[c]
			}
			if sheets.NormalizeCell(got) != v {
				return false
			}
		}
		return true
	}
}

type snapshot struct {
	rows      [][]string // rows[i] is sheet row FirstDataRow+i
	fetchedAt time.Time
	readAt    map[int]time.Time // rows re-read individually since fetchedAt
}

type Gateway struct {
	backend sheets.Backend
	opts    Options
	log     zerolog.Logger
	tracer  trace.Tracer
	breaker *gobreaker.TwoStepCircuitBreaker
	limiter *rate.Limiter
	now     func() time.Time

	snaps *snapshotCache
	group singleflight.Group
}

func New(backend sheets.Backend, opts Options, log zerolog.Logger) *Gateway {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.BreakerThreshold < 1 {
		opts.BreakerThreshold = 1
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = DefaultOptions().BreakerCooldown
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultOptions().CallTimeout
	}
	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	g := &Gateway{
		backend: backend,
		opts:    opts,
		log:     log.With().Str("component", "sheet_gateway").Logger(),
		tracer:  otel.Tracer("appeal-service/gateway"),
		limiter: rate.NewLimiter(limit, opts.Burst),
		now:     time.Now,
		snaps:   newSnapshotCache(),
	}
	threshold := opts.BreakerThreshold
	g.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        "sheets",
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SheetBreakerState.Set(stateValue(to))
			ev := g.log.Warn()
			if to == gobreaker.StateClosed {
				ev = g.log.Info()
			}
			ev.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return g
}

// State returns the breaker state: "closed", "half-open" or "open".
func (g *Gateway) State() string {
	return g.breaker.State().String()
}

// Healthy is false while the breaker is open.
func (g *Gateway) Healthy() bool {
	return g.breaker.State() != gobreaker.StateOpen
}

func (g *Gateway) ReadRange(ctx context.Context, t sheets.Table, r sheets.Range) ([][]string, error) {
	var rows [][]string
	err := g.call(ctx, "read", t.Name, func(ctx context.Context) error {
		var err error
		rows, err = g.backend.ReadRange(ctx, t.Name, r)
		return err
	})
	return rows, err
}

// ReadRow reads one row fresh. A row past the end of the table comes back
// empty rather than as an error.
func (g *Gateway) ReadRow(ctx context.Context, t sheets.Table, row int) ([]string, error) {
	rows, err := g.ReadRange(ctx, t, sheets.RowsRange(row, row, t.Columns))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	g.snaps.observe(t, row, rows[0], g.now())
	return rows[0], nil
}

// Cell is one value of a multi-cell update.
type Cell struct {
	Col   int
	Value string
}

// WriteCell writes one cell. When the snapshot knows the row and has not seen
// it within VerifyWindow, the row's key cells are re-read first and
// ErrConflict is returned if they changed. The check is advisory: the store
// has no compare-and-swap.
func (g *Gateway) WriteCell(ctx context.Context, t sheets.Table, row, col int, value string) error {
	if err := g.verify(ctx, t, row); err != nil {
		return err
	}
	return g.writeCell(ctx, t, row, col, value)
}

// WriteCells verifies the row once and writes the cells one by one. There is
// no atomicity: a failure leaves the earlier cells written.
func (g *Gateway) WriteCells(ctx context.Context, t sheets.Table, row int, cells ...Cell) error {
	if err := g.verify(ctx, t, row); err != nil {
		return err
	}
	for _, c := range cells {
		if err := g.writeCell(ctx, t, row, c.Col, c.Value); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) verify(ctx context.Context, t sheets.Table, row int) error {
	if !g.opts.VerifyWrites || len(t.KeyCols) == 0 {
		return nil
	}
	expected, ok := g.snaps.row(t, row)
	if !ok || g.snaps.fresh(t, row, g.now(), g.opts.VerifyWindow) {
		return nil
	}
	current, err := g.ReadRange(ctx, t, sheets.RowsRange(row, row, t.Columns))
	if err != nil {
		return err
	}
	var cells []string
	if len(current) > 0 {
		cells = current[0]
	}
	if !sameKey(t.Key(expected), t.Key(cells)) {
		g.Invalidate(t)
		g.log.Warn().Str("table", t.Name).Int("row", row).Msg("row key changed under us, write refused")
		return fmt.Errorf("%w: %s row %d", errs.ErrConflict, t.Name, row)
	}
	g.snaps.observe(t, row, cells, g.now())
	return nil
}

func (g *Gateway) writeCell(ctx context.Context, t sheets.Table, row, col int, value string) error {
	err := g.call(ctx, "write", t.Name, func(ctx context.Context) error {
		return g.backend.WriteCell(ctx, t.Name, row, col, value)
	})
	if err != nil {
		return err
	}
	g.snaps.patch(t, row, col, value)
	return nil
}

func (g *Gateway) AppendRow(ctx context.Context, t sheets.Table, values []string) (int, error) {
	var row int
	err := g.call(ctx, "append", t.Name, func(ctx context.Context) error {
		var err error
		row, err = g.backend.AppendRow(ctx, t.Name, values)
		return err
	})
	if err != nil {
		return 0, err
	}
	g.snaps.appendRow(t, row, values)
	return row, nil
}

// FindRow returns the first data row accepted by match, scanning the cached
// snapshot. errs.ErrNotFound when no row matches.
func (g *Gateway) FindRow(ctx context.Context, t sheets.Table, match Matcher) (int, error) {
	rows, err := g.Snapshot(ctx, t)
	if err != nil {
		return 0, err
	}
	for i, cells := range rows {
		if match(cells) {
			return t.FirstDataRow() + i, nil
		}
	}
	return 0, errs.ErrNotFound
}

// Snapshot returns the data rows of t, refreshed when older than SnapshotTTL.
// Concurrent refreshes of the same table share one read.
func (g *Gateway) Snapshot(ctx context.Context, t sheets.Table) ([][]string, error) {
	if rows, ok := g.snaps.get(t.Name, g.now(), g.opts.SnapshotTTL); ok {
		return rows, nil
	}
	ch := g.group.DoChan(t.Name, func() (interface{}, error) {
		// Shared by every waiter, so it must outlive the caller that started it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.refreshBudget())
		defer cancel()
		return g.Refresh(rctx, t)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([][]string), nil
	}
}

// refreshBudget bounds a shared refresh by the whole retry schedule.
func (g *Gateway) refreshBudget() time.Duration {
	n := time.Duration(g.opts.Attempts)
	return n*g.opts.CallTimeout + (n-1)*g.opts.MaxDelay + time.Second
}

// Refresh reads all data rows of t and replaces the snapshot.
func (g *Gateway) Refresh(ctx context.Context, t sheets.Table) ([][]string, error) {
	rows, err := g.ReadRange(ctx, t, t.DataRange())
	if err != nil {
		return nil, err
	}
	metrics.SnapshotRefreshTotal.WithLabelValues(t.Name).Inc()
	g.snaps.put(t.Name, rows, g.now())
	return rows, nil
}

// Invalidate drops the snapshot of t so the next FindRow reads fresh data.
func (g *Gateway) Invalidate(t sheets.Table) {
	g.snaps.drop(t.Name)
}

func (g *Gateway) call(ctx context.Context, op, table string, fn func(context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "sheets."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("sheets.table", table)),
	)
	defer span.End()

	start := time.Now()
	err := g.guarded(ctx, op, table, fn)
	metrics.SheetCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.SheetCallsTotal.WithLabelValues(op, table, outcome(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// guarded runs fn under the breaker and reports only store outcomes to it.
// Permanent outcomes count as a healthy store. A caller that is already gone
// never takes a slot; one that leaves mid-call is not counted, except that an
// abandoned half-open trial reopens the circuit.
func (g *Gateway) guarded(ctx context.Context, op, table string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done, err := g.breaker.Allow()
	if err != nil {
		return fmt.Errorf("%w: sheets %s %s", errs.ErrCircuitOpen, op, table)
	}
	err = g.withRetry(ctx, op, table, fn)
	switch {
	case err == nil:
		done(true)
	case ctx.Err() != nil || errs.IsCallerGone(err):
		// done is ignored when the breaker moved on to another generation.
		if g.breaker.State() == gobreaker.StateHalfOpen {
			done(false)
		}
	default:
		done(!errs.IsTransient(err))
	}
	return err
}

func (g *Gateway) withRetry(ctx context.Context, op, table string, fn func(context.Context) error) error {
	b := retry.NewExponential(g.opts.BaseDelay)
	b = retry.WithCappedDuration(g.opts.MaxDelay, b)
	if g.opts.JitterPercent > 0 {
		b = retry.WithJitterPercent(g.opts.JitterPercent, b)
	}
	b = retry.WithMaxRetries(uint64(g.opts.Attempts-1), b)

	attempt := 0
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := g.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// The next token comes after the caller's deadline.
			return fmt.Errorf("sheets %s %s: quota wait: %w", op, table, context.DeadlineExceeded)
		}
		metrics.SheetAttemptsTotal.WithLabelValues(op, table).Inc()

		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: attempt timed out after %s", errs.ErrUnavailable, g.opts.CallTimeout)
		}
		if !errs.IsTransient(err) {
			return err
		}
		g.log.Debug().Err(err).Str("op", op).Str("table", table).Int("attempt", attempt).Msg("transient sheet error")
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil && errs.IsTransient(err) {
		return fmt.Errorf("%w: sheets %s %s failed after %d attempts: %w", errs.ErrUnavailable, op, table, attempt, err)
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrCircuitOpen):
		return "circuit_open"
	case errs.IsCallerGone(err):
		return "canceled"
	case errors.Is(err, errs.ErrConflict):
		return "conflict"
	case errors.Is(err, errs.ErrMalformed):
		return "malformed"
	case errs.IsTransient(err):
		return "unavailable"
	default:
		return "error"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func sameKey(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
