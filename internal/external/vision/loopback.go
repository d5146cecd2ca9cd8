package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/httpx"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// loopbackClient talks to a locally-hosted OpenAI-compatible vision model
// server over HTTP, following the teacher's oai_http engine-config shape
// and the openai.client retry/backoff loop.
type loopbackClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logger.Logger
	maxRetries int
}

// NewLoopbackClient builds a Client against a local OpenAI-compatible
// vision model server reachable at baseURL.
func NewLoopbackClient(baseURL, apiKey string, timeout time.Duration, log *logger.Logger) Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &loopbackClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "VisionClient", "engine", "loopback"),
		maxRetries: 3,
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	TopP        float64   `json:"top_p,omitempty"`
	TopK        int       `json:"top_k,omitempty"`
	NumCtx      int       `json:"num_ctx,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *loopbackClient) Analyze(ctx context.Context, req Request) (*Response, error) {
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(req.ImageBytes)

	var messages []message
	if req.SystemPrompt != "" {
		messages = append(messages, message{
			Role:    "system",
			Content: []contentPart{{Type: "text", Text: req.SystemPrompt}},
		})
	}
	messages = append(messages, message{
		Role: "user",
		Content: []contentPart{
			{Type: "text", Text: req.Prompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL}},
		},
	})

	body := chatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		NumCtx:      req.ContextSize,
		MaxTokens:   req.MaxOutputSize,
		Messages:    messages,
	}

	var out chatCompletionResponse
	if err := c.doWithRetry(ctx, "/v1/chat/completions", body, &out, req.AnalysisType); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("vision runtime: empty choices for analysis %q", req.AnalysisType)
	}
	return &Response{
		RawJSON:      out.Choices[0].Message.Content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
	}, nil
}

func (c *loopbackClient) doWithRetry(ctx context.Context, path string, body any, out any, analysisType string) error {
	start := time.Now()
	var lastAttempt int

	err := httpx.RetryLoop(ctx, c.maxRetries, time.Second, 10*time.Second,
		func(ctx context.Context, attemptN int) (*http.Response, error) {
			lastAttempt = attemptN
			resp, raw, doErr := c.doOnce(ctx, path, body)
			if doErr != nil {
				return resp, doErr
			}
			if uErr := json.Unmarshal(raw, out); uErr != nil {
				return resp, fmt.Errorf("vision runtime decode error: %w; raw=%s", uErr, string(raw))
			}
			return resp, nil
		},
		func(attemptN int, sleep time.Duration, retryErr error) {
			c.log.Warn("vision runtime request retrying",
				"path", path, "attempt", attemptN, "max_retries", c.maxRetries,
				"sleep", sleep.String(), "error", retryErr.Error())
		},
	)

	if metrics := observability.Current(); metrics != nil {
		switch {
		case err == nil:
			metrics.ObserveVisionRequest(analysisType, "loopback", "ok", time.Since(start), 0, 0)
		case !httpx.IsRetryableError(err):
			metrics.ObserveVisionRequest(analysisType, "loopback", "error", time.Since(start), 0, 0)
			metrics.IncClientError("vision_loopback")
		case lastAttempt >= c.maxRetries:
			metrics.ObserveVisionRequest(analysisType, "loopback", "exhausted", time.Since(start), 0, 0)
		}
	}
	return err
}

func (c *loopbackClient) doOnce(ctx context.Context, path string, body any) (*http.Response, []byte, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return resp, nil, readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, raw, &httpStatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	return resp, raw, nil
}
