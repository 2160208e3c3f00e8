package domain

import "errors"

// Matchmaking errors
var (
	ErrAlreadySeated       = errors.New("already on a table")
	ErrAlreadyQueued       = errors.New("already in queue")
	ErrTableNotFound       = errors.New("table not found")
	ErrTableFull           = errors.New("table full")
	ErrNotOnTable          = errors.New("you are not on this table")
	ErrNoOpponent          = errors.New("no opponent on table")
	ErrOpponentUnreachable = errors.New("opponent not connected")
	ErrPlayerNotOnTable    = errors.New("player not found on this table")
	ErrNotYourInvite       = errors.New("not your invite to accept")
	ErrWinNotConfirmed     = errors.New("win not confirmed")
	ErrInternalError       = errors.New("internal server error")
)

// Identity and request errors
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrUnauthorized     = errors.New("not authenticated")
	ErrForbidden        = errors.New("admin access required")
	ErrIdentityMismatch = errors.New("user does not match this connection")
	ErrInvalidRequest   = errors.New("invalid request")
)

// publicErrors are the errors whose text may be shown to a client as-is.
var publicErrors = []error{
	ErrAlreadySeated,
	ErrAlreadyQueued,
	ErrTableNotFound,
	ErrTableFull,
	ErrNotOnTable,
	ErrNoOpponent,
	ErrOpponentUnreachable,
	ErrPlayerNotOnTable,
	ErrNotYourInvite,
	ErrWinNotConfirmed,
	ErrUserNotFound,
	ErrUnauthorized,
	ErrForbidden,
	ErrIdentityMismatch,
	ErrInvalidRequest,
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrTableNotFound) || errors.Is(err, ErrUserNotFound)
}

// IsInfo reports whether err is an expected outcome that clients receive as
// an informational message rather than an error.
func IsInfo(err error) bool {
	return errors.Is(err, ErrAlreadyQueued) ||
		errors.Is(err, ErrOpponentUnreachable) ||
		errors.Is(err, ErrWinNotConfirmed)
}

// PublicMessage returns the client-facing text for err. Anything that is not
// one of the domain errors is reported as an internal error.
func PublicMessage(err error) string {
	if errors.Is(err, ErrInternalError) {
		return ErrInternalError.Error()
	}
	for _, known := range publicErrors {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return ErrInternalError.Error()
}
