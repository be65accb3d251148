package errs

import (
	"context"
	"errors"
)

// Ошибки хранилища (таблицы). Transient: ErrThrottled, ErrUnavailable.
var (
	ErrUnavailable = errors.New("store unavailable")
	ErrThrottled   = errors.New("store quota exceeded")
	ErrMalformed   = errors.New("malformed request or data")
	ErrConflict    = errors.New("row changed since last read")
	ErrCircuitOpen = errors.New("circuit open")
	ErrNotFound    = errors.New("row not found")
	// ErrAccessDenied: the credentials were rejected. Not retried; an operator
	// has to fix the service account or the sharing settings.
	ErrAccessDenied = errors.New("store access denied")
)

// Доменные ошибки.
var (
	ErrPartnerNotFound     = errors.New("partner not found")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrAlreadyBoundToOther = errors.New("partner already bound to another identity")
	ErrInvalidPhone        = errors.New("invalid phone number")
	ErrNotAuthorized       = errors.New("identity is not authorized")
	ErrSilenced            = errors.New("ticket is handled by a specialist")
	ErrUnreachable         = errors.New("recipient unreachable")
)

// IsTransient reports whether err is worth retrying later: throttling or store
// unavailability. A timed-out attempt is reported as ErrUnavailable by the
// gateway; the caller's own cancellation or deadline is not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}

// IsCallerGone reports whether err comes from the caller's context rather than
// from the store.
func IsCallerGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsDegraded reports whether err means the store could not answer at all, as
// opposed to a definitive business outcome. Callers must never read a degraded
// error as "not authorized" or "nothing pending".
func IsDegraded(err error) bool {
	return IsTransient(err) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrAccessDenied)
}

// UserMessage returns the text shown to the end user for err.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case IsDegraded(err), IsCallerGone(err), errors.Is(err, ErrConflict):
		return "The service is temporarily unavailable, please try again in a minute."
	case errors.Is(err, ErrInvalidPhone):
		return "The phone number looks wrong. Please enter 10 or 11 digits, e.g. 8 900 123-45-67."
	case errors.Is(err, ErrPartnerNotFound):
		return "We could not find a partner with this code and phone number."
	case errors.Is(err, ErrAlreadyBoundToOther):
		return "This partner account is already linked to another user."
	case errors.Is(err, ErrNotAuthorized):
		return "Please complete authorization first."
	default:
		return "Something went wrong, please try again later."
	}
}
