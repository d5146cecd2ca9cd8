package vision

import (
	"context"
	"fmt"
)

// httpStatusError lets httpx.IsRetryableError classify non-2xx responses
// from the vision model runtime the same way the teacher's openAIHTTPError does.
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("vision runtime error: status=%d body=%s", e.StatusCode, body)
}

func (e *httpStatusError) HTTPStatusCode() int { return e.StatusCode }

// Request is one call to the Vision Model Runtime: rendered system and user
// prompts (with {{IMAGE}}/{{PRIOR_OUTPUT}} placeholders already substituted)
// plus the image bytes to analyze. SystemPrompt may be empty for engines
// that don't distinguish message roles.
type Request struct {
	AnalysisType string
	Model        string
	SystemPrompt string
	Prompt       string
	ImageBytes   []byte
	MimeType     string
	Temperature  float64
	// TopP and TopK bound nucleus/top-k sampling; zero means omit them
	// from the wire request and defer to the engine's own default.
	TopP float64
	TopK int
	// ContextSize bounds the input context window in tokens; MaxOutputSize
	// bounds the number of generated tokens. Zero means omit from the
	// wire request.
	ContextSize   int
	MaxOutputSize int
}

// Response is the raw model output plus token accounting when the engine
// reports it (0 means unreported, not necessarily zero usage).
type Response struct {
	RawJSON      string
	InputTokens  int
	OutputTokens int
}

// Client abstracts the Vision Model Runtime so the Analysis Worker and the
// QA Pipeline's T2/T3 tiers can share one calling convention across engines
// (loopback HTTP model server, or a cloud vision API).
type Client interface {
	Analyze(ctx context.Context, req Request) (*Response, error)
}
