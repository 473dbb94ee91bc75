package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// AfricasTalking sends SMS through the Africa's Talking messaging API.
type AfricasTalking struct {
	baseURL    string
	username   string
	apiKey     string
	senderID   string
	httpClient *http.Client
}

func NewAfricasTalking(baseURL, username, apiKey, senderID string, timeout time.Duration) *AfricasTalking {
	return &AfricasTalking{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		apiKey:   apiKey,
		senderID: senderID,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type messagingResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			StatusCode int    `json:"statusCode"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			MessageID  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

func (c *AfricasTalking) Send(ctx context.Context, phone, message string) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("to", "+"+strings.TrimPrefix(phone, "+"))
	form.Set("message", message)
	if c.senderID != "" {
		form.Set("from", c.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/version1/messaging", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("Send: build request: %w", err)
	}
	req.Header.Set("apiKey", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("Send: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out messagingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("Send: decode: %w", err)
	}
	if len(out.SMSMessageData.Recipients) == 0 {
		return fmt.Errorf("Send: no recipients accepted: %s", out.SMSMessageData.Message)
	}
	for _, r := range out.SMSMessageData.Recipients {
		// 100 processed, 101 sent, 102 queued
		if r.StatusCode < 100 || r.StatusCode > 102 {
			return fmt.Errorf("Send: recipient %s rejected: %s", r.Number, r.Status)
		}
	}
	return nil
}
