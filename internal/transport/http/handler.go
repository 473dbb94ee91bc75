package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	httpmw "github.com/richardliu001/mpesa-ledger/http"
	"github.com/richardliu001/mpesa-ledger/internal/gateway/mpesa"
	"github.com/richardliu001/mpesa-ledger/internal/model"
	"github.com/richardliu001/mpesa-ledger/internal/service"
)

// RegisterHandlers mounts the routes. userMW runs only on the user-facing /v1
// group, so gateway callbacks are never throttled or asked for an identity.
func RegisterHandlers(r *gin.Engine, svc *service.FundService, log *zap.SugaredLogger, userMW ...gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// the gateway authenticates by callback URL, not by user identity
	r.POST("/v1/callbacks/mpesa", callbackHandler(svc, log))

	v1 := r.Group("/v1", append(userMW, httpmw.IdentityMiddleware())...)
	{
		v1.POST("/withdrawals", withdrawalHandler(svc, log))
		v1.POST("/deposits", depositHandler(svc, log))
		v1.GET("/accounts/balance", balanceHandler(svc, log))
		v1.GET("/transactions", historyHandler(svc, log))
		v1.GET("/transactions/:id", transactionHandler(svc, log))
	}
}

type paymentReq struct {
	Amount      string `json:"amount" binding:"required"`
	PhoneNumber string `json:"phone_number" binding:"required"`
}

type transactionResp struct {
	ID                string       `json:"id"`
	Kind              model.Kind   `json:"kind"`
	Status            model.Status `json:"status"`
	Amount            string       `json:"amount"`
	ExternalReference string       `json:"external_reference"`
	PhoneNumber       string       `json:"phone_number"`
	GatewayReceipt    *string      `json:"gateway_receipt,omitempty"`
	FailureReason     *string      `json:"failure_reason,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

func toResp(t *model.Transaction) transactionResp {
	return transactionResp{
		ID:                t.ID.String(),
		Kind:              t.Kind,
		Status:            t.Status,
		Amount:            t.Amount.StringFixed(2),
		ExternalReference: t.ExternalReference,
		PhoneNumber:       t.PhoneNumber,
		GatewayReceipt:    t.GatewayReceipt,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		CompletedAt:       t.CompletedAt,
	}
}

func bindPayment(c *gin.Context) (paymentReq, decimal.Decimal, bool) {
	var req paymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, decimal.Zero, false
	}
	amt, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid amount"})
		return req, decimal.Zero, false
	}
	return req, amt, true
}

func withdrawalHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, amt, ok := bindPayment(c)
		if !ok {
			return
		}
		t, err := svc.RequestWithdrawal(c.Request.Context(), service.WithdrawalRequest{
			UserID: httpmw.UserID(c), Amount: amt, PhoneNumber: req.PhoneNumber,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, toResp(t))
	}
}

func depositHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		req, amt, ok := bindPayment(c)
		if !ok {
			return
		}
		t, ack, err := svc.RequestDeposit(c.Request.Context(), service.DepositRequest{
			UserID: httpmw.UserID(c), Amount: amt, PhoneNumber: req.PhoneNumber,
		})
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"transaction":         toResp(t),
			"merchant_request_id": ack.MerchantRequestID,
			"checkout_request_id": ack.CheckoutRequestID,
			"customer_message":    ack.CustomerMessage,
		})
	}
}

func balanceHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, err := svc.Balance(c.Request.Context(), httpmw.UserID(c))
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":   v.Balance.StringFixed(2),
			"reserved":  v.Reserved.StringFixed(2),
			"available": v.Available.StringFixed(2),
		})
	}
}

func historyHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		txs, err := svc.History(c.Request.Context(), httpmw.UserID(c), model.Kind(c.Query("kind")), limit)
		if err != nil {
			writeError(c, log, err)
			return
		}
		out := make([]transactionResp, 0, len(txs))
		for i := range txs {
			out = append(out, toResp(&txs[i]))
		}
		c.JSON(http.StatusOK, out)
	}
}

func transactionHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		t, err := svc.Transaction(c.Request.Context(), httpmw.UserID(c), id)
		if err != nil {
			writeError(c, log, err)
			return
		}
		c.JSON(http.StatusOK, toResp(t))
	}
}

// callbackHandler acknowledges everything the gateway need not resend,
// including duplicates and callbacks for unknown references. Only a storage
// failure returns 5xx so that the gateway retries.
func callbackHandler(svc *service.FundService, log *zap.SugaredLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var env mpesa.CallbackEnvelope
		if err := c.ShouldBindJSON(&env); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": "malformed callback"})
			return
		}
		stk := env.Body.STKCallback
		cb := service.Callback{
			MerchantRequestID: stk.MerchantRequestID,
			CheckoutRequestID: stk.CheckoutRequestID,
			ResultCode:        stk.ResultCode,
			ResultDesc:        stk.ResultDesc,
			ReceiptNumber:     stk.ReceiptNumber(),
			PhoneNumber:       stk.PhoneNumber(),
		}
		if amount, ok := stk.Amount(); ok {
			cb.Amount = amount
		}

		_, err := svc.HandleCallback(c.Request.Context(), cb)
		switch {
		case err == nil, errors.Is(err, service.ErrConflict):
			c.JSON(http.StatusOK, gin.H{"ResultCode": 0, "ResultDesc": "Accepted"})
		case errors.Is(err, service.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"ResultCode": 1, "ResultDesc": err.Error()})
		default:
			log.Errorw("callback not applied", "external_reference", cb.CheckoutRequestID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"ResultCode": 1, "ResultDesc": "temporarily unavailable"})
		}
	}
}

func writeError(c *gin.Context, log *zap.SugaredLogger, err error) {
	if reason, ok := service.RejectionReason(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": reason})
		return
	}
	switch {
	case errors.Is(err, service.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrDependency):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment provider unavailable, try again later"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
