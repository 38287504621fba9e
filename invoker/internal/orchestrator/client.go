// Package orchestrator is the HTTP client for the downstream pipeline orchestrator.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/telhawk-systems/objtrigger/common/errs"
)

// ErrConflict means a run with the same run_key already exists.
var ErrConflict = errors.New("run already exists")

// IdempotencyKeyHeader carries the run_key when the orchestrator supports it.
const IdempotencyKeyHeader = "Idempotency-Key"

// RunRequest is the body of POST /runs.
type RunRequest struct {
	PipelineName string     `json:"pipeline_name"`
	RunKey       string     `json:"run_key"`
	Parameters   Parameters `json:"parameters"`
	DisplayName  string     `json:"display_name,omitempty"`
	Experiment   string     `json:"experiment,omitempty"`
	EventTime    *time.Time `json:"event_time,omitempty"`
}

// Parameters are passed through to the pipeline.
type Parameters struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Run is the orchestrator's answer to a successful submission.
type Run struct {
	ID string
}

// Error is a non-success HTTP answer. It unwraps to ErrConflict,
// errs.ErrTransientNetwork or errs.ErrPermanentRejection.
type Error struct {
	StatusCode int
	Message    string
	kind       error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("orchestrator returned %d", e.StatusCode)
	}
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// SupportsIdempotencyToken enables the Idempotency-Key header.
	SupportsIdempotencyToken bool
	Tokens                   TokenSource
}

// Client submits pipeline runs.
type Client struct {
	baseURL    string
	timeout    time.Duration
	idemToken  bool
	tokens     TokenSource
	httpClient *http.Client
}

// New constructs a new Client.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("")
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout:    cfg.Timeout,
		idemToken:  cfg.SupportsIdempotencyToken,
		tokens:     cfg.Tokens,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SupportsIdempotencyToken reports whether run keys travel in a header.
func (c *Client) SupportsIdempotencyToken() bool {
	return c.idemToken
}

// SubmitRun posts req to /runs.
func (c *Client) SubmitRun(ctx context.Context, req *RunRequest) (*Run, error) {
	if c == nil {
		return nil, fmt.Errorf("orchestrator client not configured")
	}

	bodyBytes, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runs", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errs.ErrPermanentRejection, err)
	}
	request.Header.Set("Content-Type", "application/json")
	if c.idemToken {
		request.Header.Set(IdempotencyKeyHeader, req.RunKey)
	}

	token, err := c.tokens.Token()
	if err != nil {
		if errs.IsTransient(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: obtain credentials: %v", errs.ErrPermanentRejection, err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(request)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("send request: %w", err)
		}
		return nil, fmt.Errorf("%w: send request: %w", errs.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return decodeRun(resp.Body)
	case resp.StatusCode == http.StatusConflict:
		return nil, &Error{StatusCode: resp.StatusCode, Message: readMessage(resp.Body), kind: ErrConflict}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &Error{StatusCode: resp.StatusCode, Message: readMessage(resp.Body), kind: errs.ErrTransientNetwork}
	default:
		return nil, &Error{StatusCode: resp.StatusCode, Message: readMessage(resp.Body), kind: errs.ErrPermanentRejection}
	}
}

func decodeRun(body io.Reader) (*Run, error) {
	var payload struct {
		RunID string `json:"run_id"`
		ID    string `json:"id"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		// The run was created; a bad body only loses the identifier.
		return &Run{}, nil
	}
	if payload.RunID != "" {
		return &Run{ID: payload.RunID}, nil
	}
	return &Run{ID: payload.ID}, nil
}

// readMessage extracts "message" or "error" from a JSON error body, falling back to
// the first line of the raw body.
func readMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var errBody map[string]any
	if json.Unmarshal(raw, &errBody) == nil {
		for _, k := range []string{"message", "error"} {
			if s, ok := errBody[k].(string); ok && s != "" {
				return s
			}
		}
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(raw)), "\n")
	return line
}

// DisplayName is the human-readable run name: "<pipeline> Run - <file> - <run_key[:12]>".
func DisplayName(pipeline, objectKey, runKey string) string {
	short := runKey
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s Run - %s - %s", pipeline, path.Base(objectKey), short)
}
