package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/richardliu001/mpesa-ledger/internal/gateway"
)

type darajaStub struct {
	tokenCalls atomic.Int32
	stkCalls   atomic.Int32
	stkStatus  int
	stkBody    string
	lastPush   stkPushRequest
}

func (d *darajaStub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		d.tokenCalls.Add(1)
		assert.Equal(t, "client_credentials", r.URL.Query().Get("grant_type"))
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		d.stkCalls.Add(1)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&d.lastPush))
		status := d.stkStatus
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(d.stkBody))
	})
	return mux
}

const accepted = `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`

func newTestClient(t *testing.T, stub *darajaStub) *Client {
	t.Helper()
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:           srv.URL,
		ConsumerKey:       "key",
		ConsumerSecret:    "secret",
		BusinessShortCode: "174379",
		Passkey:           "passkey",
		CallbackURL:       "https://example.com/v1/callbacks/mpesa",
		Timeout:           time.Second,
	}, zap.NewNop().Sugar())
	return c.WithClock(func() time.Time { return time.Date(2026, 1, 2, 7, 4, 5, 0, time.UTC) })
}

func TestInitiatePayment(t *testing.T) {
	stub := &darajaStub{stkBody: accepted}
	c := newTestClient(t, stub)

	ack, err := c.InitiatePayment(context.Background(), gateway.PaymentRequest{
		PhoneNumber:      "254708374149",
		Amount:           decimal.NewFromInt(2000),
		AccountReference: "PENu1",
		Description:      "Pension Fund Deposit",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_191220191020363925", ack.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", ack.MerchantRequestID)

	push := stub.lastPush
	assert.Equal(t, "20260102100405", push.Timestamp, "EAT is UTC+3")
	assert.Equal(t, Password("174379", "passkey", "20260102100405"), push.Password)
	assert.Equal(t, "CustomerPayBillOnline", push.TransactionType)
	assert.Equal(t, "2000", push.Amount)
	assert.Equal(t, "254708374149", push.PartyA)
	assert.Equal(t, "174379", push.PartyB)
	assert.Equal(t, "PENu1", push.AccountReference)
	assert.Equal(t, "https://example.com/v1/callbacks/mpesa", push.CallBackURL)
}

func TestInitiatePayment_CachesToken(t *testing.T) {
	stub := &darajaStub{stkBody: accepted}
	c := newTestClient(t, stub)

	for i := 0; i < 3; i++ {
		_, err := c.InitiatePayment(context.Background(), gateway.PaymentRequest{PhoneNumber: "254708374149", Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, stub.tokenCalls.Load())
	assert.EqualValues(t, 3, stub.stkCalls.Load())
}

func TestInitiatePayment_Rejected(t *testing.T) {
	stub := &darajaStub{
		stkStatus: http.StatusBadRequest,
		stkBody:   `{"requestId":"11728-2929992-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`,
	}
	c := newTestClient(t, stub)

	_, err := c.InitiatePayment(context.Background(), gateway.PaymentRequest{PhoneNumber: "254708374149", Amount: decimal.NewFromInt(1)})
	assert.True(t, errors.Is(err, ErrRejected))
	assert.ErrorContains(t, err, "Invalid Amount")
}

func TestInitiatePayment_NonZeroResponseCode(t *testing.T) {
	stub := &darajaStub{stkBody: `{"ResponseCode":"1","ResponseDescription":"System busy"}`}
	c := newTestClient(t, stub)

	_, err := c.InitiatePayment(context.Background(), gateway.PaymentRequest{PhoneNumber: "254708374149", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestInitiatePayment_Unreachable(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1", Timeout: 200 * time.Millisecond}, zap.NewNop().Sugar())
	_, err := c.InitiatePayment(context.Background(), gateway.PaymentRequest{PhoneNumber: "254708374149", Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
}

func TestCallbackEnvelope(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":1.00},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"Balance"},{"Name":"TransactionDate","Value":20191219102115},{"Name":"PhoneNumber","Value":254708374149}]}}}}`
	var env CallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(body), &env))

	cb := env.Body.STKCallback
	assert.Equal(t, 0, cb.ResultCode)
	amount, ok := cb.Amount()
	require.True(t, ok)
	assert.True(t, amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "NLJ7RT61SV", cb.ReceiptNumber())
	assert.Equal(t, "254708374149", cb.PhoneNumber())

	failed := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_1","ResultCode":1032,"ResultDesc":"Request cancelled by user"}}}`
	var failedEnv CallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(failed), &failedEnv))
	_, ok = failedEnv.Body.STKCallback.Amount()
	assert.False(t, ok)
	assert.Empty(t, failedEnv.Body.STKCallback.ReceiptNumber())
}
