// Package mpesa is a client for the Safaricom Daraja STK push API.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/richardliu001/mpesa-ledger/internal/gateway"
)

const (
	tokenPath = "/oauth/v1/generate?grant_type=client_credentials"
	stkPath   = "/mpesa/stkpush/v1/processrequest"

	timestampLayout = "20060102150405"
	// refresh a little before Daraja expires the token
	tokenSkew = time.Minute
)

// Daraja timestamps are East Africa Time.
var eat = time.FixedZone("EAT", 3*60*60)

var ErrRejected = errors.New("mpesa: request rejected")

type Config struct {
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	Timeout           time.Duration
	RPS               float64
	Burst             int
}

// Client initiates STK push payments. Safe for concurrent use.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.SugaredLogger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		log:        logger,
		now:        time.Now,
	}
}

func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + timestamp))
}

// InitiatePayment sends an STK push prompt to req.PhoneNumber.
func (c *Client) InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (gateway.PaymentAck, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: rate limit: %w", err)
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: %w", err)
	}

	ts := c.now().In(eat).Format(timestampLayout)
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.BusinessShortCode,
		Password:          Password(c.cfg.BusinessShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.Amount.String(),
		PartyA:            req.PhoneNumber,
		PartyB:            c.cfg.BusinessShortCode,
		PhoneNumber:       req.PhoneNumber,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+stkPath, bytes.NewReader(body))
	if err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: send: %w", err)
	}
	defer resp.Body.Close()

	c.log.Infow("stk push response",
		"status", resp.StatusCode,
		"account_reference", req.AccountReference,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode == http.StatusUnauthorized {
		c.resetToken()
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: read: %w", err)
	}
	var out stkPushResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return gateway.PaymentAck{}, fmt.Errorf("InitiatePayment: status %d: %s", resp.StatusCode, truncate(raw))
	}
	if resp.StatusCode != http.StatusOK || out.ResponseCode != "0" {
		desc := out.ResponseDescription
		if out.ErrorMessage != "" {
			desc = out.ErrorCode + " " + out.ErrorMessage
		}
		return gateway.PaymentAck{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, desc)
	}
	if out.CheckoutRequestID == "" {
		return gateway.PaymentAck{}, fmt.Errorf("%w: no checkout request id", ErrRejected)
	}

	return gateway.PaymentAck{
		MerchantRequestID:   out.MerchantRequestID,
		CheckoutRequestID:   out.CheckoutRequestID,
		ResponseDescription: out.ResponseDescription,
		CustomerMessage:     out.CustomerMessage,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// accessToken returns the cached OAuth token, fetching a new one when it is
// missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+tokenPath, nil)
	if err != nil {
		return "", fmt.Errorf("accessToken: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("accessToken: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("accessToken: unexpected status %d: %s", resp.StatusCode, truncate(raw))
	}
	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("accessToken: decode: %w", err)
	}
	if out.AccessToken == "" {
		return "", errors.New("accessToken: empty token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(out.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	c.token = out.AccessToken
	c.tokenExpiry = c.now().Add(ttl - tokenSkew)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func truncate(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
