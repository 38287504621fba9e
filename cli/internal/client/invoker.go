package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound is returned when the invoker does not know the resource.
var ErrNotFound = errors.New("not found")

// Run mirrors the invoker's idempotency record.
type Run struct {
	RunKey          string    `json:"run_key" yaml:"run_key"`
	State           string    `json:"state" yaml:"state"`
	Attempts        int       `json:"attempts" yaml:"attempts"`
	RunID           string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	LastAttemptTime time.Time `json:"last_attempt_time" yaml:"last_attempt_time"`
	ExpiresAt       time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

// DeadRun is one dead-run queue entry. The envelope is kept raw.
type DeadRun struct {
	Timestamp   time.Time       `json:"timestamp" yaml:"timestamp"`
	RunKey      string          `json:"run_key" yaml:"run_key"`
	Pipeline    string          `json:"pipeline" yaml:"pipeline"`
	Reason      string          `json:"reason" yaml:"reason"`
	Error       string          `json:"error" yaml:"error"`
	Attempts    int             `json:"attempts" yaml:"attempts"`
	LastAttempt time.Time       `json:"last_attempt" yaml:"last_attempt"`
	Envelope    json.RawMessage `json:"envelope,omitempty" yaml:"-"`
}

type InvokerClient struct {
	baseURL string
	client  *http.Client
}

func NewInvokerClient(baseURL string) *InvokerClient {
	return &InvokerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetRun fetches the state of one run key.
func (c *InvokerClient) GetRun(runKey string) (*Run, error) {
	var run Run
	if err := c.do(http.MethodGet, "/runs/"+url.PathEscape(runKey), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListDeadRuns returns up to limit dead runs.
func (c *InvokerClient) ListDeadRuns(limit int) ([]DeadRun, error) {
	var body struct {
		Runs []DeadRun `json:"runs"`
	}
	path := "/dlq"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(http.MethodGet, path, &body); err != nil {
		return nil, err
	}
	return body.Runs, nil
}

// DeadRunStats returns stream statistics for the dead-run queue.
func (c *InvokerClient) DeadRunStats() (map[string]interface{}, error) {
	var stats map[string]interface{}
	if err := c.do(http.MethodGet, "/dlq/stats", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// PurgeDeadRuns removes every dead run.
func (c *InvokerClient) PurgeDeadRuns() error {
	return c.do(http.MethodDelete, "/dlq", nil)
}

func (c *InvokerClient) do(method, path string, out interface{}) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorMessage(resp.Body))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, errorMessage(resp.Body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return string(data)
}
