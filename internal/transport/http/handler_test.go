package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpmw "github.com/richardliu001/mpesa-ledger/http"
	"github.com/richardliu001/mpesa-ledger/internal/config"
	"github.com/richardliu001/mpesa-ledger/internal/gateway"
	"github.com/richardliu001/mpesa-ledger/internal/limits"
	"github.com/richardliu001/mpesa-ledger/internal/logger"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
	"github.com/richardliu001/mpesa-ledger/internal/service"
	"github.com/richardliu001/mpesa-ledger/internal/testutil"
)

func init() { gin.SetMode(gin.TestMode) }

type stubGateway struct {
	mu   sync.Mutex
	n    int
	down bool
}

func (g *stubGateway) InitiatePayment(context.Context, gateway.PaymentRequest) (gateway.PaymentAck, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return gateway.PaymentAck{}, errors.New("dial tcp: connection refused")
	}
	g.n++
	return gateway.PaymentAck{
		MerchantRequestID: fmt.Sprintf("mr-%d", g.n),
		CheckoutRequestID: fmt.Sprintf("ws_CO_%d", g.n),
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string) {}

func newTestServer(t *testing.T) (*gin.Engine, *stubGateway) {
	t.Helper()
	return newLimitedTestServer(t, config.RateLimitConfig{RPS: 1000, Burst: 1000})
}

func newLimitedTestServer(t *testing.T, rl config.RateLimitConfig) (*gin.Engine, *stubGateway) {
	t.Helper()
	clock := testutil.NewClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	r := repo.NewRepository(testutil.NewSQLiteDB(t), nil, nil, logger.Nop()).WithClock(clock.Now)
	engine := limits.NewEngine(limits.DefaultConfig(), r).WithClock(clock.Now)
	gw := &stubGateway{}
	svc := service.NewFundService(r, engine, gw, nopNotifier{}, service.Config{}, logger.Nop()).WithClock(clock.Now)
	return NewRouter(svc, rl, logger.Nop()), gw
}

func do(t *testing.T, h http.Handler, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(httpmw.HeaderUserID, user)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func stkCallback(ref string, code int, amount string) string {
	if code != 0 {
		return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":%d,"ResultDesc":"Request cancelled by user"}}}`, ref, code)
	}
	return fmt.Sprintf(`{"Body":{"stkCallback":{"MerchantRequestID":"mr","CheckoutRequestID":%q,"ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":%s},{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},{"Name":"PhoneNumber","Value":254708374149}]}}}}`, ref, amount)
}

func TestHandlers_DepositWithdrawFlow(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/v1/deposits", "u1", map[string]string{"amount": "10000", "phone_number": "0708374149"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	dep := decode(t, w)
	assert.Equal(t, "ws_CO_1", dep["checkout_request_id"])
	assert.Equal(t, "pending", dep["transaction"].(map[string]interface{})["status"])

	w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback("ws_CO_1", 0, "10000"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["ResultCode"])

	w = do(t, h, http.MethodPost, "/v1/withdrawals", "u1", map[string]string{"amount": "2000", "phone_number": "0708374149"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	wd := decode(t, w)
	assert.Equal(t, "withdrawal", wd["kind"])
	assert.Equal(t, "2000.00", wd["amount"])

	w = do(t, h, http.MethodGet, "/v1/accounts/balance", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"balance": "10000.00", "reserved": "2000.00", "available": "8000.00"}, decode(t, w))

	for i := 0; i < 2; i++ {
		w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback("ws_CO_2", 0, "2000"))
		assert.Equal(t, http.StatusOK, w.Code, "duplicate callbacks are acknowledged")
	}

	w = do(t, h, http.MethodGet, "/v1/accounts/balance", "u1", nil)
	assert.Equal(t, "8000.00", decode(t, w)["balance"])

	w = do(t, h, http.MethodGet, "/v1/transactions/"+wd["id"].(string), "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "completed", got["status"])
	assert.Equal(t, "NLJ7RT61SV", got["gateway_receipt"])

	w = do(t, h, http.MethodGet, "/v1/transactions/"+wd["id"].(string), "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/v1/transactions?kind=deposit", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHandlers_Errors(t *testing.T) {
	h, gw := newTestServer(t)

	w := do(t, h, http.MethodGet, "/v1/accounts/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/v1/withdrawals", "u1", `{"amount":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/withdrawals", "u1", map[string]string{"amount": "abc", "phone_number": "0708374149"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, h, http.MethodPost, "/v1/withdrawals", "u1", map[string]string{"amount": "5", "phone_number": "0708374149"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "too_small", decode(t, w)["reason"])

	w = do(t, h, http.MethodPost, "/v1/withdrawals", "u1", map[string]string{"amount": "100", "phone_number": "0708374149"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "insufficient_funds", decode(t, w)["reason"])

	w = do(t, h, http.MethodPost, "/v1/deposits", "u1", map[string]string{"amount": "100", "phone_number": "12"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	gw.down = true
	w = do(t, h, http.MethodPost, "/v1/deposits", "u1", map[string]string{"amount": "100", "phone_number": "0708374149"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, h, http.MethodGet, "/v1/transactions/not-a-uuid", "u1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/v1/transactions?kind=transfer", "u1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCallbackHandler(t *testing.T) {
	h, _ := newTestServer(t)

	w := do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback("ws_CO_nobody", 0, "10"))
	assert.Equal(t, http.StatusOK, w.Code, "unmatched callbacks are acknowledged")

	w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", `{"Body":{"stkCallback":{"ResultCode":0}}}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodPost, "/v1/deposits", "u1", map[string]string{"amount": "300", "phone_number": "0708374149"})
	require.Equal(t, http.StatusAccepted, w.Code)
	w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback("ws_CO_1", 1032, ""))
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, h, http.MethodGet, "/v1/transactions", "u1", nil)
	var list []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "failed", list[0]["status"])
	assert.Equal(t, "Request cancelled by user", list[0]["failure_reason"])

	w = do(t, h, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCallbackHandler_NotRateLimited(t *testing.T) {
	h, _ := newLimitedTestServer(t, config.RateLimitConfig{RPS: 1, Burst: 2})

	w := do(t, h, http.MethodPost, "/v1/deposits", "u1", map[string]string{"amount": "300", "phone_number": "0708374149"})
	require.Equal(t, http.StatusAccepted, w.Code)
	throttled := false
	for i := 0; i < 5 && !throttled; i++ {
		throttled = do(t, h, http.MethodGet, "/v1/accounts/balance", "u1", nil).Code == http.StatusTooManyRequests
	}
	require.True(t, throttled, "user routes share the per-IP bucket")

	for i := 0; i < 5; i++ {
		w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback(fmt.Sprintf("ws_CO_unknown_%d", i), 0, "10"))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPost, "/v1/callbacks/mpesa", "", stkCallback("ws_CO_1", 0, "300"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 0, decode(t, w)["ResultCode"])
}
