package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/richardliu001/mpesa-ledger/internal/model"
	"github.com/richardliu001/mpesa-ledger/internal/notify"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
)

// Callback is the gateway's final word on a payment.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	// Amount is the confirmed amount; nil when the gateway did not send one.
	Amount        *decimal.Decimal
	ReceiptNumber string
	PhoneNumber   string
}

// Succeeded reports whether the gateway settled the payment.
func (c Callback) Succeeded() bool { return c.ResultCode == 0 }

// HandleCallback applies a gateway callback to its pending transaction.
// Redelivered callbacks for a settled transaction change nothing and return
// an ErrConflict-class error wrapping repo.ErrStaleTransition.
func (s *FundService) HandleCallback(ctx context.Context, cb Callback) (*model.Transaction, error) {
	if cb.CheckoutRequestID == "" {
		return nil, ErrInvalidCallback
	}

	t, err := s.repo.GetByReference(ctx, cb.CheckoutRequestID)
	if errors.Is(err, repo.ErrNotFound) {
		s.log.Warnw("unmatched callback",
			"external_reference", cb.CheckoutRequestID,
			"merchant_request_id", cb.MerchantRequestID,
			"result_code", cb.ResultCode)
		evt, err := repo.UnmatchedCallbackEvent(cb.CheckoutRequestID, cb)
		if err != nil {
			return nil, fmt.Errorf("HandleCallback: %w", err)
		}
		if err := s.repo.CreateOutboxEvent(ctx, s.repo.DB(ctx), evt); err != nil {
			return nil, fmt.Errorf("HandleCallback: record unmatched: %w", err)
		}
		return nil, ErrUnmatchedCallback
	}
	if err != nil {
		return nil, fmt.Errorf("HandleCallback: %w", err)
	}

	if t.Status.Terminal() {
		s.log.Infow("duplicate callback ignored",
			"transaction_id", t.ID, "status", t.Status, "external_reference", cb.CheckoutRequestID)
		return t, conflict(repo.ErrStaleTransition)
	}

	to := model.StatusFailed
	details := repo.TransitionDetails{FailureReason: cb.ResultDesc}
	switch {
	case cb.Succeeded() && cb.Amount != nil && !cb.Amount.Equal(t.Amount):
		s.log.Errorw("callback amount does not match ledger",
			"transaction_id", t.ID, "ledger_amount", t.Amount.String(), "confirmed_amount", cb.Amount.String())
		details.FailureReason = model.FailureAmountMismatch
	case cb.Succeeded():
		to = model.StatusCompleted
		details = repo.TransitionDetails{GatewayReceipt: cb.ReceiptNumber}
	}

	updated, err := s.repo.Transition(ctx, t.ID, model.StatusPending, to, details)
	if errors.Is(err, repo.ErrStaleTransition) {
		s.log.Infow("callback lost race to another settlement", "transaction_id", t.ID)
		return nil, conflict(err)
	}
	if err != nil {
		return nil, fmt.Errorf("HandleCallback: %w", err)
	}

	s.log.Infow("transaction settled",
		"transaction_id", updated.ID, "kind", updated.Kind, "status", updated.Status,
		"amount", updated.Amount.String(), "result_code", cb.ResultCode)
	s.notifySettled(ctx, updated)
	return updated, nil
}

func (s *FundService) notifySettled(ctx context.Context, t *model.Transaction) {
	if t.Kind != model.KindWithdrawal {
		return
	}
	switch t.Status {
	case model.StatusCompleted:
		s.notifier.Notify(ctx, t.PhoneNumber, notify.WithdrawalCompleted(t.Amount))
	case model.StatusFailed:
		reason := ""
		if t.FailureReason != nil {
			reason = *t.FailureReason
		}
		s.notifier.Notify(ctx, t.PhoneNumber, notify.WithdrawalFailed(reason))
	}
}
