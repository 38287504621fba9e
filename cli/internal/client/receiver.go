package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookResponse is the receiver's JSON answer.
type WebhookResponse struct {
	StatusCode int    `json:"-"`
	RetryAfter int    `json:"-"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Accepted reports whether at least one envelope was queued.
func (r *WebhookResponse) Accepted() bool {
	return r.StatusCode == http.StatusOK && r.Status == "accepted"
}

type ReceiverClient struct {
	baseURL string
	client  *http.Client
}

func NewReceiverClient(baseURL string) *ReceiverClient {
	return &ReceiverClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// SendNotification posts a raw provider notification to /webhook. Non-2xx answers
// are returned as responses, not errors, so callers can inspect backpressure.
func (c *ReceiverClient) SendNotification(body []byte) (*WebhookResponse, error) {
	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &WebhookResponse{StatusCode: resp.StatusCode}
	if v := resp.Header.Get("Retry-After"); v != "" {
		out.RetryAfter, _ = strconv.Atoi(v)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			out.Error = string(data)
		}
	}
	return out, nil
}
