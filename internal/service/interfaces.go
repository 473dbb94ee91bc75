package service

import (
	"context"

	"github.com/richardliu001/mpesa-ledger/internal/gateway"
)

// PaymentGateway starts payments with the mobile-money provider.
type PaymentGateway interface {
	InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentAck, error)
}

// Notifier delivers a text message to a phone. Implementations must not
// block the caller on delivery and must not report failures back.
type Notifier interface {
	Notify(ctx context.Context, phone, message string)
}
