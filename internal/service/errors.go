package service

import (
	"errors"
	"fmt"

	"github.com/richardliu001/mpesa-ledger/internal/limits"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
)

// Error classes. Every error returned by FundService matches at most one of
// them with errors.Is; transports map classes to status codes.
var (
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")
	ErrDependency = errors.New("dependency unavailable")
)

var (
	ErrInvalidAmount      = fmt.Errorf("%w: amount must be positive with at most two decimal places", ErrValidation)
	ErrInvalidPhone       = fmt.Errorf("%w: phone number must be a Kenyan mobile number", ErrValidation)
	ErrInvalidKind        = fmt.Errorf("%w: unknown transaction kind", ErrValidation)
	ErrInvalidCallback    = fmt.Errorf("%w: callback has no checkout request id", ErrValidation)
	ErrUnmatchedCallback  = fmt.Errorf("%w: callback matches no transaction", ErrConflict)
	ErrGatewayUnavailable = fmt.Errorf("%w: payment gateway unavailable", ErrDependency)

	ErrNotFound = repo.ErrNotFound
)

func rejected(reason limits.Reason) error {
	return fmt.Errorf("%w: %w", ErrValidation, &limits.RejectionError{Reason: reason})
}

func conflict(err error) error {
	return fmt.Errorf("%w: %w", ErrConflict, err)
}

// RejectionReason extracts the limit reason from err, if any.
func RejectionReason(err error) (limits.Reason, bool) {
	var re *limits.RejectionError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
