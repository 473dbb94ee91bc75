package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/richardliu001/mpesa-ledger/internal/gateway"
	"github.com/richardliu001/mpesa-ledger/internal/limits"
	"github.com/richardliu001/mpesa-ledger/internal/model"
	"github.com/richardliu001/mpesa-ledger/internal/notify"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Config tunes the workflows that are not limit policy.
type Config struct {
	// PendingTimeout is how long a transaction may wait for its callback
	// before ExpirePending fails it.
	PendingTimeout time.Duration
	SweepBatch     int
}

// FundService runs the deposit and withdrawal workflows against the ledger.
type FundService struct {
	repo     repo.RepositoryInterface
	limits   *limits.Engine
	gateway  PaymentGateway
	notifier Notifier
	cfg      Config
	log      *zap.SugaredLogger
	now      func() time.Time
}

// NewFundService returns FundService.
func NewFundService(r repo.RepositoryInterface, engine *limits.Engine, gw PaymentGateway, n Notifier, cfg Config, logger *zap.SugaredLogger) *FundService {
	if cfg.PendingTimeout <= 0 {
		cfg.PendingTimeout = 30 * time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	return &FundService{
		repo:     r,
		limits:   engine,
		gateway:  gw,
		notifier: n,
		cfg:      cfg,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *FundService) WithClock(now func() time.Time) *FundService {
	s.now = now
	return s
}

type WithdrawalRequest struct {
	UserID      string
	Amount      decimal.Decimal
	PhoneNumber string
}

type DepositRequest struct {
	UserID      string
	Amount      decimal.Decimal
	PhoneNumber string
}

// BalanceView is a user's balance split into settled and reserved funds.
type BalanceView struct {
	Balance   decimal.Decimal
	Reserved  decimal.Decimal
	Available decimal.Decimal
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.Equal(amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

func accountReference(userID string) string { return "PEN" + userID }

// RequestWithdrawal checks the limits, starts the payout with the gateway and
// records it as pending. No row is written when the gateway refuses.
func (s *FundService) RequestWithdrawal(ctx context.Context, req WithdrawalRequest) (*model.Transaction, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, err
	}
	phone, err := normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, err
	}

	decision, err := s.limits.Evaluate(ctx, req.UserID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("RequestWithdrawal: %w", err)
	}
	if !decision.Allowed {
		s.log.Infow("withdrawal rejected", "user_id", req.UserID, "amount", req.Amount.String(), "reason", decision.Reason)
		return nil, rejected(decision.Reason)
	}

	// once the gateway has accepted, the row must be written even if the
	// caller goes away
	ctx = context.WithoutCancel(ctx)
	ack, err := s.gateway.InitiatePayment(ctx, gateway.PaymentRequest{
		PhoneNumber:      phone,
		Amount:           req.Amount,
		AccountReference: accountReference(req.UserID),
		Description:      "Pension Fund Withdrawal",
	})
	if err != nil {
		s.log.Warnw("gateway refused withdrawal", "user_id", req.UserID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	t, err := s.record(ctx, req.UserID, model.KindWithdrawal, req.Amount, phone, ack)
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, phone, notify.WithdrawalInitiated(t.Amount))
	return t, nil
}

// RequestDeposit starts an STK push for the user and records a pending deposit.
func (s *FundService) RequestDeposit(ctx context.Context, req DepositRequest) (*model.Transaction, gateway.PaymentAck, error) {
	if err := validateAmount(req.Amount); err != nil {
		return nil, gateway.PaymentAck{}, err
	}
	phone, err := normalizePhone(req.PhoneNumber)
	if err != nil {
		return nil, gateway.PaymentAck{}, err
	}

	ctx = context.WithoutCancel(ctx)
	ack, err := s.gateway.InitiatePayment(ctx, gateway.PaymentRequest{
		PhoneNumber:      phone,
		Amount:           req.Amount,
		AccountReference: accountReference(req.UserID),
		Description:      "Pension Fund Deposit",
	})
	if err != nil {
		s.log.Warnw("gateway refused deposit", "user_id", req.UserID, "error", err)
		return nil, gateway.PaymentAck{}, fmt.Errorf("%w: %w", ErrGatewayUnavailable, err)
	}

	t, err := s.record(ctx, req.UserID, model.KindDeposit, req.Amount, phone, ack)
	if err != nil {
		return nil, gateway.PaymentAck{}, err
	}
	return t, ack, nil
}

func (s *FundService) record(ctx context.Context, userID string, kind model.Kind, amount decimal.Decimal, phone string, ack gateway.PaymentAck) (*model.Transaction, error) {
	t := &model.Transaction{
		ID:                uuid.New(),
		UserID:            userID,
		Amount:            amount,
		Kind:              kind,
		ExternalReference: ack.CheckoutRequestID,
		MerchantRequestID: ack.MerchantRequestID,
		PhoneNumber:       phone,
	}
	if _, err := s.repo.RecordTransaction(ctx, t); err != nil {
		// the gateway has a live payment with no ledger row behind it
		s.log.Errorw("payment initiated but not recorded",
			"user_id", userID, "kind", kind, "amount", amount.String(),
			"external_reference", ack.CheckoutRequestID, "error", err)
		switch {
		case errors.Is(err, repo.ErrInsufficientFunds):
			return nil, rejected(limits.InsufficientFunds)
		case errors.Is(err, repo.ErrDuplicateReference):
			return nil, conflict(err)
		}
		return nil, err
	}
	s.log.Infow("transaction pending",
		"transaction_id", t.ID, "user_id", userID, "kind", kind,
		"amount", amount.String(), "external_reference", t.ExternalReference)
	return t, nil
}

// Balance returns the settled balance, the amount reserved by pending
// withdrawals and what is left to withdraw.
func (s *FundService) Balance(ctx context.Context, userID string) (BalanceView, error) {
	bal, err := s.repo.Balance(ctx, userID)
	if err != nil {
		return BalanceView{}, err
	}
	reserved, err := s.repo.SumPending(ctx, userID, model.KindWithdrawal)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{Balance: bal, Reserved: reserved, Available: bal.Sub(reserved)}, nil
}

// History lists the user's recent transactions, newest first. An empty kind
// lists both kinds.
func (s *FundService) History(ctx context.Context, userID string, kind model.Kind, limit int) ([]model.Transaction, error) {
	if kind != "" && !kind.Valid() {
		return nil, ErrInvalidKind
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.repo.ListByUser(ctx, userID, kind, limit)
}

// Transaction returns one of the user's transactions. Another user's
// transaction is reported as not found.
func (s *FundService) Transaction(ctx context.Context, userID string, id uuid.UUID) (*model.Transaction, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotFound
	}
	return t, nil
}

// RecomputeBalance rebuilds the user's materialized balance from the ledger.
func (s *FundService) RecomputeBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return s.repo.RecomputeBalance(ctx, userID)
}
