// Package limits decides whether a withdrawal may proceed, based on static
// limits and aggregates read from the ledger. It never writes.
package limits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/richardliu001/mpesa-ledger/internal/model"
)

// Reason names the first limit a withdrawal violated.
type Reason string

const (
	TooSmall             Reason = "too_small"
	TooFrequent          Reason = "too_frequent"
	DailyLimitExceeded   Reason = "daily_limit_exceeded"
	MonthlyLimitExceeded Reason = "monthly_limit_exceeded"
	InsufficientFunds    Reason = "insufficient_funds"
)

func (r Reason) message() string {
	switch r {
	case TooSmall:
		return "amount is below the minimum withdrawal"
	case TooFrequent:
		return "withdrawal requested too soon after the previous one"
	case DailyLimitExceeded:
		return "daily withdrawal limit exceeded"
	case MonthlyLimitExceeded:
		return "monthly withdrawal limit exceeded"
	case InsufficientFunds:
		return "insufficient funds"
	default:
		return string(r)
	}
}

// Decision is the outcome of Evaluate. The zero value is a rejection with no
// reason and must not be treated as Allow.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func Allow() Decision               { return Decision{Allowed: true} }
func Reject(reason Reason) Decision { return Decision{Reason: reason} }

// Err returns nil for an allowed decision and a *RejectionError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &RejectionError{Reason: d.Reason}
}

// RejectionError carries the reason a withdrawal was refused.
type RejectionError struct {
	Reason Reason
}

func (e *RejectionError) Error() string { return e.Reason.message() }

// IsReason reports whether err is a RejectionError with the given reason.
func IsReason(err error, reason Reason) bool {
	var re *RejectionError
	return errors.As(err, &re) && re.Reason == reason
}

// Config holds the static withdrawal limits.
type Config struct {
	MinAmount        decimal.Decimal
	MaxDailyAmount   decimal.Decimal
	MaxMonthlyAmount decimal.Decimal
	Cooldown         time.Duration
	DailyWindow      time.Duration
	MonthlyWindow    time.Duration
}

// DefaultConfig returns the production defaults: 10.00 minimum, 50,000.00
// per day, 100,000.00 per 30 days, 24h between withdrawals.
func DefaultConfig() Config {
	return Config{
		MinAmount:        decimal.New(1000, -2),
		MaxDailyAmount:   decimal.New(5000000, -2),
		MaxMonthlyAmount: decimal.New(10000000, -2),
		Cooldown:         24 * time.Hour,
		DailyWindow:      24 * time.Hour,
		MonthlyWindow:    30 * 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinAmount.IsNegative():
		return errors.New("limits: min amount must not be negative")
	case !c.MaxDailyAmount.IsPositive():
		return errors.New("limits: daily limit must be positive")
	case c.MaxMonthlyAmount.LessThan(c.MaxDailyAmount):
		return errors.New("limits: monthly limit must not be below the daily limit")
	case c.Cooldown < 0:
		return errors.New("limits: cooldown must not be negative")
	case c.DailyWindow <= 0 || c.MonthlyWindow <= 0:
		return errors.New("limits: windows must be positive")
	}
	return nil
}

// Ledger is the read side of the ledger store the engine depends on.
type Ledger interface {
	SumCompleted(ctx context.Context, userID string, kind model.Kind, since time.Time) (decimal.Decimal, error)
	SumPending(ctx context.Context, userID string, kind model.Kind) (decimal.Decimal, error)
	LastWithdrawalAt(ctx context.Context, userID string) (time.Time, bool, error)
}

// Engine evaluates withdrawals. Safe for concurrent use.
type Engine struct {
	cfg    Config
	ledger Ledger
	now    func() time.Time
}

// NewEngine returns an Engine reading aggregates from ledger.
func NewEngine(cfg Config, ledger Ledger) *Engine {
	return &Engine{cfg: cfg, ledger: ledger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// Evaluate checks amount against the limits in a fixed order; the first
// failing check decides the reason.
func (e *Engine) Evaluate(ctx context.Context, userID string, amount decimal.Decimal) (Decision, error) {
	if amount.LessThan(e.cfg.MinAmount) {
		return Reject(TooSmall), nil
	}

	now := e.now()
	last, ok, err := e.ledger.LastWithdrawalAt(ctx, userID)
	if err != nil {
		return Decision{}, fmt.Errorf("Evaluate: last withdrawal: %w", err)
	}
	if ok && now.Sub(last) < e.cfg.Cooldown {
		return Reject(TooFrequent), nil
	}

	pending, err := e.ledger.SumPending(ctx, userID, model.KindWithdrawal)
	if err != nil {
		return Decision{}, fmt.Errorf("Evaluate: pending: %w", err)
	}

	daily, err := e.ledger.SumCompleted(ctx, userID, model.KindWithdrawal, now.Add(-e.cfg.DailyWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("Evaluate: daily total: %w", err)
	}
	if daily.Add(pending).Add(amount).GreaterThan(e.cfg.MaxDailyAmount) {
		return Reject(DailyLimitExceeded), nil
	}

	monthly, err := e.ledger.SumCompleted(ctx, userID, model.KindWithdrawal, now.Add(-e.cfg.MonthlyWindow))
	if err != nil {
		return Decision{}, fmt.Errorf("Evaluate: monthly total: %w", err)
	}
	if monthly.Add(pending).Add(amount).GreaterThan(e.cfg.MaxMonthlyAmount) {
		return Reject(MonthlyLimitExceeded), nil
	}

	available, err := Available(ctx, e.ledger, userID, pending)
	if err != nil {
		return Decision{}, fmt.Errorf("Evaluate: %w", err)
	}
	if available.LessThan(amount) {
		return Reject(InsufficientFunds), nil
	}

	return Allow(), nil
}

// Available computes all-time completed deposits minus completed withdrawals
// minus the given pending reservation.
func Available(ctx context.Context, ledger Ledger, userID string, pending decimal.Decimal) (decimal.Decimal, error) {
	deposits, err := ledger.SumCompleted(ctx, userID, model.KindDeposit, time.Time{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("deposits: %w", err)
	}
	withdrawals, err := ledger.SumCompleted(ctx, userID, model.KindWithdrawal, time.Time{})
	if err != nil {
		return decimal.Zero, fmt.Errorf("withdrawals: %w", err)
	}
	return deposits.Sub(withdrawals).Sub(pending), nil
}
