package mpesa

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// CallbackEnvelope is the body Daraja posts to the callback URL.
type CallbackEnvelope struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []MetadataItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

func (cb STKCallback) item(name string) (string, bool) {
	if cb.CallbackMetadata == nil {
		return "", false
	}
	for _, it := range cb.CallbackMetadata.Item {
		if it.Name != name || len(it.Value) == 0 {
			continue
		}
		return strings.Trim(string(it.Value), `"`), true
	}
	return "", false
}

// Amount returns the confirmed amount, present only on successful callbacks.
func (cb STKCallback) Amount() (*decimal.Decimal, bool) {
	raw, ok := cb.item("Amount")
	if !ok {
		return nil, false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, false
	}
	return &d, true
}

func (cb STKCallback) ReceiptNumber() string {
	v, _ := cb.item("MpesaReceiptNumber")
	return v
}

func (cb STKCallback) PhoneNumber() string {
	v, _ := cb.item("PhoneNumber")
	return v
}
