// Package monitor delivers specialist replies written into the appeals sheet.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/psds-microservice/appeal-service/internal/errs"
	"github.com/psds-microservice/appeal-service/internal/metrics"
	"github.com/psds-microservice/appeal-service/internal/model"
	"github.com/psds-microservice/appeal-service/internal/service"
)

const (
	MinInterval     = 30 * time.Second
	MaxInterval     = 90 * time.Second
	DefaultInterval = 60 * time.Second
)

// Sender delivers text to a chat identity. errs.ErrUnreachable marks a
// recipient that will not accept the message.
type Sender interface {
	Send(ctx context.Context, identity int64, text string) error
}

// Ledger is the part of AppealLedger the monitor drives.
type Ledger interface {
	PollSpecialistReplies(ctx context.Context) ([]service.SpecialistReply, error)
	ClearSpecialistReply(ctx context.Context, reply service.SpecialistReply) error
	DeadLetterReply(ctx context.Context, reply service.SpecialistReply, reason string) error
	Resolve(ctx context.Context, ref model.TicketRef) (bool, error)
}

var _ Ledger = (*service.AppealLedger)(nil)

type Options struct {
	Interval    time.Duration
	MaxAttempts int
	AutoResolve bool
	// StepTimeout bounds a single deliver-and-clear step. The step runs on a
	// context detached from shutdown so it is never cut in half.
	StepTimeout time.Duration
}

// Stats — итоги одного цикла опроса.
type Stats struct {
	Polled       int
	Delivered    int
	Failed       int
	DeadLettered int
	Skipped      int
}

type Monitor struct {
	ledger   Ledger
	sender   Sender
	attempts AttemptStore
	opts     Options
	interval time.Duration
	log      zerolog.Logger
}

func New(ledger Ledger, sender Sender, attempts AttemptStore, opts Options, log zerolog.Logger) *Monitor {
	if attempts == nil {
		attempts = NewMemoryAttempts()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 45 * time.Second
	}
	return &Monitor{
		ledger:   ledger,
		sender:   sender,
		attempts: attempts,
		opts:     opts,
		interval: ClampInterval(opts.Interval),
		log:      log.With().Str("component", "response_monitor").Logger(),
	}
}

// ClampInterval keeps the polling period within [MinInterval, MaxInterval].
// Zero means DefaultInterval.
func ClampInterval(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultInterval
	case d < MinInterval:
		return MinInterval
	case d > MaxInterval:
		return MaxInterval
	default:
		return d
	}
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info().Dur("interval", m.interval).Int("max_attempts", m.opts.MaxAttempts).Msg("response monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn().Err(err).Msg("poll cycle failed, retrying next tick")
		}
		select {
		case <-ctx.Done():
			m.log.Info().Msg("response monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes one poll-deliver-clear cycle. A poll failure is returned
// as is; it never means "no replies".
func (m *Monitor) RunOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { metrics.MonitorCycleDuration.Observe(time.Since(start).Seconds()) }()

	var st Stats
	replies, err := m.ledger.PollSpecialistReplies(ctx)
	if err != nil {
		return st, err
	}
	st.Polled = len(replies)
	for _, r := range replies {
		if ctx.Err() != nil {
			break
		}
		switch m.process(ctx, r) {
		case outcomeDelivered:
			st.Delivered++
		case outcomeFailed, outcomeClearFailed:
			st.Failed++
		case outcomeDeadLettered:
			st.DeadLettered++
		case outcomeSkipped:
			st.Skipped++
		}
	}
	if st.Polled > 0 {
		m.log.Info().Int("polled", st.Polled).Int("delivered", st.Delivered).Int("failed", st.Failed).
			Int("dead_lettered", st.DeadLettered).Int("skipped", st.Skipped).Msg("poll cycle done")
	}
	return st, nil
}

type outcome string

const (
	outcomeDelivered    outcome = "delivered"
	outcomeFailed       outcome = "failed"
	outcomeDeadLettered outcome = "dead_lettered"
	outcomeSkipped      outcome = "skipped"
	outcomeClearFailed  outcome = "clear_failed"
)

func (m *Monitor) process(parent context.Context, r service.SpecialistReply) (res outcome) {
	defer func() { metrics.RepliesDeliveredTotal.WithLabelValues(string(res)).Inc() }()

	log := m.log.With().Int64("user_id", r.Identity).Int("row", r.Ref.Row).Str("code", r.Ref.PartnerCode).Logger()
	if r.Identity == 0 {
		log.Warn().Msg("reply on a ticket without a linked identity, skipped")
		return outcomeSkipped
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.opts.StepTimeout)
	defer cancel()

	key := attemptKey(r)
	if err := m.sender.Send(ctx, r.Identity, r.Text); err != nil {
		n, aerr := m.attempts.Incr(ctx, key)
		if aerr != nil {
			log.Error().Err(aerr).Msg("count delivery attempt")
		}
		log.Warn().Err(err).Int("attempt", n).Bool("unreachable", errors.Is(err, errs.ErrUnreachable)).Msg("reply delivery failed")
		if n < m.opts.MaxAttempts {
			return outcomeFailed
		}
		if err := m.ledger.DeadLetterReply(ctx, r, err.Error()); err != nil {
			log.Error().Err(err).Msg("dead-letter reply")
			return outcomeFailed
		}
		if err := m.attempts.Reset(ctx, key); err != nil {
			log.Warn().Err(err).Msg("reset delivery attempts")
		}
		return outcomeDeadLettered
	}

	if err := m.ledger.ClearSpecialistReply(ctx, r); err != nil {
		// Delivered but still in the sheet: the next cycle sends it again.
		log.Error().Err(err).Msg("clear delivered reply")
		return outcomeClearFailed
	}
	if err := m.attempts.Reset(ctx, key); err != nil {
		log.Warn().Err(err).Msg("reset delivery attempts")
	}
	if m.opts.AutoResolve {
		if _, err := m.ledger.Resolve(ctx, r.Ref); err != nil {
			log.Warn().Err(err).Msg("resolve after delivery")
		}
	}
	log.Info().Msg("specialist reply delivered")
	return outcomeDelivered
}
