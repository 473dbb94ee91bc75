// Package gateway holds the request and acknowledgement types exchanged with
// a mobile-money payment gateway.
package gateway

import "github.com/shopspring/decimal"

// PaymentRequest asks the gateway to start a payment prompt on a handset.
type PaymentRequest struct {
	PhoneNumber      string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// PaymentAck is the gateway's synchronous acceptance of a PaymentRequest.
// The final outcome arrives later on the callback endpoint, keyed by
// CheckoutRequestID.
type PaymentAck struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseDescription string
	CustomerMessage     string
}
