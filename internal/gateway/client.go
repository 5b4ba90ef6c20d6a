// Package gateway is a typed client for the remote orchestrator that stakes,
// submits and tracks delegated workflows on behalf of the agents.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "github.com/verkhohliad/chaos-oracle/internal/errors"
)

// DefaultHTTPTimeout bounds a single HTTP round trip.
const DefaultHTTPTimeout = 15 * time.Second

// DefaultPollInterval is the delay between workflow status reads.
const DefaultPollInterval = 2 * time.Second

// Role is the part an agent plays in a studio.
type Role string

const (
	RoleWorker   Role = "worker"
	RoleVerifier Role = "verifier"
)

// Workflow states reported by the orchestrator.
const (
	StateCreated   = "CREATED"
	StateRunning   = "RUNNING"
	StateStalled   = "STALLED"
	StateCompleted = "COMPLETED"
	StateFailed    = "FAILED"
)

// Registration asks the orchestrator to register and stake an agent in a studio.
type Registration struct {
	Role         Role   `json:"role"`
	StakeWei     string `json:"stake_amount"`
	AgentAddress string `json:"agent_address"`
	AgentID      uint64 `json:"agent_id,omitempty"`
	Network      string `json:"network,omitempty"`
}

// RegistrationResult is returned by RegisterWithStudio.
type RegistrationResult struct {
	Studio string `json:"studio"`
	Role   Role   `json:"role"`
	TxHash string `json:"tx_hash,omitempty"`
	Status string `json:"status"`
}

// WorkSubmission is the payload of a work-submission workflow.
type WorkSubmission struct {
	Studio        string `json:"studio_address"`
	Epoch         uint64 `json:"epoch"`
	DataHash      string `json:"data_hash"`
	ThreadRoot    string `json:"thread_root"`
	EvidenceRoot  string `json:"evidence_root"`
	SignerAddress string `json:"signer_address"`
	Network       string `json:"network,omitempty"`
}

// ScoreSubmission is the payload of a score-submission workflow.
type ScoreSubmission struct {
	Studio        string `json:"studio_address"`
	Epoch         uint64 `json:"epoch"`
	DataHash      string `json:"data_hash"`
	WorkerAddress string `json:"worker_address"`
	Scores        []int  `json:"scores"`
	SignerAddress string `json:"signer_address"`
	Network       string `json:"network,omitempty"`
}

// Workflow is the orchestrator's view of an asynchronous submission.
type Workflow struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	State     string         `json:"state"`
	TxHash    string         `json:"tx_hash,omitempty"`
	Error     string         `json:"error,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
}

// Terminal reports whether the workflow will not change state anymore.
func (w Workflow) Terminal() bool {
	return w.State == StateCompleted || w.State == StateFailed
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("gateway api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e != nil && (e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests)
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithAPIKey sends key in the X-API-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithPollInterval sets the delay between workflow status reads.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client wraps the HTTP interactions with the orchestrator REST API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	apiKey       string
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient instantiates a client for the orchestrator at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "gateway url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid gateway url %q", rawURL))
	}
	c := &Client{
		baseURL:      parsed,
		httpClient:   &http.Client{Timeout: DefaultHTTPTimeout},
		pollInterval: DefaultPollInterval,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// RegisterWithStudio registers and stakes the agent in studio.
func (c *Client) RegisterWithStudio(ctx context.Context, studio string, reg Registration) (RegistrationResult, error) {
	var result RegistrationResult
	endpoint := "/studios/" + url.PathEscape(studio) + "/register"
	if err := c.post(ctx, endpoint, reg, &result); err != nil {
		return RegistrationResult{}, err
	}
	return result, nil
}

// SubmitWork starts a work-submission workflow.
func (c *Client) SubmitWork(ctx context.Context, sub WorkSubmission) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/workflows/work-submission", sub, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// SubmitScores starts a score-submission workflow.
func (c *Client) SubmitScores(ctx context.Context, sub ScoreSubmission) (Workflow, error) {
	var wf Workflow
	if err := c.post(ctx, "/workflows/score-submission", sub, &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// GetWorkflow fetches a workflow by identifier.
func (c *Client) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	var wf Workflow
	if err := c.get(ctx, "/workflows/"+url.PathEscape(id), &wf); err != nil {
		return Workflow{}, err
	}
	return wf, nil
}

// WaitForCompletion polls the workflow until it reaches a terminal state or
// timeout elapses. A FAILED workflow yields a CodeWorkflowFailed error and a
// timeout yields CodeTimeout. Transient read errors are retried until the
// deadline; client errors abort immediately.
func (c *Client) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (Workflow, error) {
	// Each status request shares the overall deadline.
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last Workflow
	timedOut := func() (Workflow, error) {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		return last, xerrors.New(xerrors.CodeTimeout,
			fmt.Sprintf("workflow %s did not finish within %s (state %q)", id, timeout, last.State),
			xerrors.WithMetadata("workflow", id))
	}
	for {
		wf, err := c.GetWorkflow(pollCtx, id)
		switch {
		case err == nil:
			last = wf
			if wf.State == StateCompleted {
				c.logger.Info("workflow completed", slog.String("workflow", id), slog.String("tx", wf.TxHash))
				return wf, nil
			}
			if wf.State == StateFailed {
				return wf, xerrors.New(xerrors.CodeWorkflowFailed, "workflow failed: "+wf.Error,
					xerrors.WithMetadata("workflow", id))
			}
		case pollCtx.Err() != nil:
			return timedOut()
		default:
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return last, xerrors.Wrap(xerrors.CodeWorkflowFailed, err, "read workflow status",
					xerrors.WithMetadata("workflow", id))
			}
			c.logger.Warn("workflow status read failed", slog.String("workflow", id), slog.Any("error", err))
		}

		select {
		case <-pollCtx.Done():
			return timedOut()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeExternalService, err, "perform gateway request",
			xerrors.WithMetadata("path", req.URL.Path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			var envelope struct {
				Error *APIError `json:"error"`
			}
			envelope.Error = &apiErr
			if err := json.Unmarshal(data, &envelope); err != nil || apiErr.Message == "" {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
