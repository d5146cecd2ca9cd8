// Package registry is the HTTP client for the external Job Registry: job
// acquisition, status updates, per-task result submission, and the final
// process report.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/httpx"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// ClientRef/ProjectRef/MediaDescriptor/AnalysisRef mirror the Job
// Registry's next-job payload shape.
type ClientRef struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type ProjectRef struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type MediaDescriptor struct {
	ID            string `json:"id"`
	Filename      string `json:"filename"`
	OptimisedPath string `json:"optimised_path"`
	GreyscalePath string `json:"greyscale_path"`
}

type AnalysisRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Job is one unit of acquired work: a client/project pair plus the media
// and analysis types to run against it.
type Job struct {
	Client   ClientRef         `json:"client"`
	Project  ProjectRef        `json:"project"`
	Media    []MediaDescriptor `json:"media"`
	Analyses []AnalysisRef     `json:"analyses"`
}

// AnalysisResultSubmission is the body posted for one completed task.
type AnalysisResultSubmission struct {
	ModelUsed        string          `json:"modelUsed"`
	UserPromptUsed   string          `json:"userPromptUsed"`
	SystemPromptUsed string          `json:"systemPromptUsed"`
	Status           string          `json:"status"`
	AnalysisResult   json.RawMessage `json:"analysisResult"`
}

// ReportDetails is the body of the process-level final report.
type ReportDetails struct {
	TotalMediaProcessed    int      `json:"total_media_processed"`
	TotalAnalysesCompleted int      `json:"total_analyses_completed"`
	ProcessingTimeMinutes  float64  `json:"processing_time_minutes"`
	SuccessRate            float64  `json:"success_rate"`
	AnalysisTypesCompleted []string `json:"analysis_types_completed"`
	KeyFindings            []string `json:"key_findings"`
}

type reportBody struct {
	Summary string        `json:"summary"`
	Details ReportDetails `json:"details"`
}

type reportSubmission struct {
	Type   string     `json:"type"`
	Report reportBody `json:"report"`
}

// Client talks to the external Job Registry.
type Client interface {
	// NextJob returns nil, nil when the registry reports no job available (404).
	NextJob(ctx context.Context) (*Job, error)
	UpdateProjectStatus(ctx context.Context, projectID, status string) error
	SubmitAnalysisResult(ctx context.Context, projectID, mediaID, analysisID string, body AnalysisResultSubmission) error
	SubmitReport(ctx context.Context, projectID, summary string, details ReportDetails) error
}

type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("registry error: status=%d body=%s", e.StatusCode, body)
}

func (e *httpStatusError) HTTPStatusCode() int { return e.StatusCode }

type client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
	maxRetries int
}

// NewClient builds a Job Registry client against baseURL, authenticating
// every request with the X-API-Key header.
func NewClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "RegistryClient"),
		maxRetries: 3,
	}
}

// NextJob polls the acquisition endpoint. A 404 means "no job available"
// and is reported as (nil, nil), not an error — the Job Orchestrator's
// ticker simply tries again on its next tick.
func (c *client) NextJob(ctx context.Context) (*Job, error) {
	var job Job
	err := c.doWithRetry(ctx, http.MethodGet, "/next-job", nil, &job, "next_job")
	if err != nil {
		if statusErr, ok := err.(*httpStatusError); ok && statusErr.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (c *client) UpdateProjectStatus(ctx context.Context, projectID, status string) error {
	path := fmt.Sprintf("/projects/%s/status", projectID)
	body := map[string]string{"status": status}
	return c.doWithRetry(ctx, http.MethodPut, path, body, nil, "update_status")
}

func (c *client) SubmitAnalysisResult(ctx context.Context, projectID, mediaID, analysisID string, body AnalysisResultSubmission) error {
	path := fmt.Sprintf("/projects/%s/media/%s/analysis/%s", projectID, mediaID, analysisID)
	err := c.doWithRetry(ctx, http.MethodPost, path, body, nil, "submit_result")
	if err != nil {
		if statusErr, ok := err.(*httpStatusError); ok &&
			(statusErr.StatusCode == http.StatusBadRequest || statusErr.StatusCode == http.StatusUnprocessableEntity) {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return err
	}
	return nil
}

func (c *client) SubmitReport(ctx context.Context, projectID, summary string, details ReportDetails) error {
	path := fmt.Sprintf("/projects/%s/reports", projectID)
	body := reportSubmission{Type: "quality_analysis", Report: reportBody{Summary: summary, Details: details}}
	return c.doWithRetry(ctx, http.MethodPut, path, body, nil, "submit_report")
}

// doWithRetry retries only transient errors (5xx/network); 4xx responses
// are returned immediately as non-retryable, per spec.md's registry
// error-handling split.
func (c *client) doWithRetry(ctx context.Context, method, path string, body, out interface{}, opName string) error {
	var lastAttempt int

	err := httpx.RetryLoop(ctx, c.maxRetries, time.Second, 10*time.Second,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			lastAttempt = attemptN
			resp, raw, doErr := c.doOnce(ctx, method, path, body)
			if doErr != nil {
				return resp, doErr
			}
			if out != nil && len(raw) > 0 {
				if uErr := json.Unmarshal(raw, out); uErr != nil {
					return resp, fmt.Errorf("registry: %s decode: %w", opName, uErr)
				}
			}
			return resp, nil
		},
		func(attemptN int, sleep time.Duration, retryErr error) {
			c.log.Warn("registry request retrying", "op", opName, "attempt", attemptN, "sleep", sleep.String(), "error", retryErr.Error())
		},
	)
	if err != nil && httpx.IsRetryableError(err) && lastAttempt >= c.maxRetries {
		if metrics := observability.Current(); metrics != nil {
			metrics.IncClientError("registry_" + opName)
		}
		return fmt.Errorf("registry: %s exhausted retries: %w", opName, err)
	}
	return err
}

func (c *client) doOnce(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	var reqBody io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, nil, err
		}
		reqBody = &buf
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpStatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}

