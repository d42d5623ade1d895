// Package proofs is a Go client for the proofd REST API.
package proofs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with a proofd instance.
type Client struct {
	http *resty.Client
}

// DecisionSubmission is the payload accepted by POST /api/v1/proofs. Decision
// is encoded as-is, so callers may pass their own decision struct or a
// json.RawMessage.
type DecisionSubmission struct {
	ID       string         `json:"id,omitempty"`
	Decision any            `json:"decision"`
	Submit   bool           `json:"submit,omitempty"`
	Chain    string         `json:"chain,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// JobResult mirrors the result recorded once a job succeeds.
type JobResult struct {
	MerkleRoot  string `json:"merkle_root"`
	LeafHash    string `json:"leaf_hash"`
	Signer      string `json:"signer"`
	Action      string `json:"action"`
	ChosenIndex int    `json:"chosen_index"`
	Chain       string `json:"chain,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Job is the server view of an asynchronous proof job.
type Job struct {
	ID         string          `json:"id"`
	Decision   json.RawMessage `json:"decision,omitempty"`
	Submit     bool            `json:"submit"`
	Chain      string          `json:"chain,omitempty"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	LastError  string          `json:"last_error,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Result     *JobResult      `json:"result,omitempty"`
	CreatedAt  int64           `json:"created_at"`
	UpdatedAt  int64           `json:"updated_at"`
	Proof      *ProofRecord    `json:"proof,omitempty"`
}

// Done reports whether the job reached a final state.
func (j Job) Done() bool {
	return j.Status == "succeeded" || (j.Status == "failed" && j.Attempts >= j.MaxRetries)
}

// ProofRecord is a persisted, signed proof as returned by the detail endpoint.
type ProofRecord struct {
	ID          string          `json:"id"`
	Proof       json.RawMessage `json:"proof"`
	MerkleRoot  string          `json:"merkle_root"`
	LeafHash    string          `json:"leaf_hash"`
	Signer      string          `json:"signer"`
	ChosenIndex int             `json:"chosen_index"`
	Action      string          `json:"action"`
	Reasoning   string          `json:"reasoning"`
	HookData    string          `json:"hook_data"`
	Chain       string          `json:"chain,omitempty"`
	TxHash      string          `json:"tx_hash,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// VerifyRequest carries either a proof object or ABI-encoded hook data.
type VerifyRequest struct {
	Proof    json.RawMessage `json:"proof,omitempty"`
	HookData string          `json:"hook_data,omitempty"`
	Signer   string          `json:"signer"`
}

// VerifyResult reports both verification checks.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Inclusion bool   `json:"inclusion"`
	Authentic bool   `json:"authentic"`
	Recovered string `json:"recovered"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ListOptions filters GET /api/v1/proofs.
type ListOptions struct {
	Statuses  []string
	Chain     string
	Limit     int
	Offset    int
	Query     string
	Submitted *bool
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("proofd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("proofd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for baseURL. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	var rc *resty.Client
	if httpClient != nil {
		rc = resty.NewWithClient(httpClient)
	} else {
		rc = resty.New().SetTimeout(DefaultHTTPTimeout)
	}
	rc.SetBaseURL(strings.TrimRight(parsed.String(), "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "proofd-go-sdk/1.0")
	return &Client{http: rc}, nil
}

// SetToken sets the bearer token sent with every request. An empty token
// removes it.
func (c *Client) SetToken(token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		c.http.Token = ""
		return
	}
	c.http.SetAuthToken(token)
}

// SubmitDecision enqueues a decision for proof generation.
func (c *Client) SubmitDecision(ctx context.Context, submission DecisionSubmission) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodPost, "/api/v1/proofs", submission, nil, &job)
	return job, err
}

// GetJob fetches a job and, once generated, its persisted proof.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := c.do(ctx, http.MethodGet, "/api/v1/proofs/"+url.PathEscape(id), nil, nil, &job)
	return job, err
}

// ListJobs lists jobs matching opts.
func (c *Client) ListJobs(ctx context.Context, opts ListOptions) ([]Job, error) {
	params := url.Values{}
	if len(opts.Statuses) > 0 {
		params.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		params.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Chain != "" {
		params.Set("chain", opts.Chain)
	}
	if opts.Query != "" {
		params.Set("q", opts.Query)
	}
	if opts.Submitted != nil {
		params.Set("submitted", strconv.FormatBool(*opts.Submitted))
	}
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/proofs", nil, params, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// WaitForJob polls GetJob until the job is final or ctx ends.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Verify checks a proof against an expected signer without touching storage.
func (c *Client) Verify(ctx context.Context, req VerifyRequest) (VerifyResult, error) {
	var result VerifyResult
	err := c.do(ctx, http.MethodPost, "/api/v1/proofs/verify", req, nil, &result)
	return result, err
}

// Encode returns the hook data for a proof and its reasoning.
func (c *Client) Encode(ctx context.Context, proof json.RawMessage, reasoning string) (string, error) {
	var out struct {
		HookData string `json:"hook_data"`
	}
	body := map[string]any{"proof": proof, "reasoning": reasoning}
	if err := c.do(ctx, http.MethodPost, "/api/v1/proofs/encode", body, nil, &out); err != nil {
		return "", err
	}
	return out.HookData, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, params url.Values, out any) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetError(apiErr)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	if resp.IsError() {
		apiErr.StatusCode = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	return nil
}
