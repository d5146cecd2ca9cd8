// Package notify is the Notification Sink: best-effort webhook delivery
// for batch and QA lifecycle events. A delivery failure is logged and
// metriced, never returned to the caller — notification is a side
// effect, not a step in the task's critical path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/STSynthetic/GF-25-v3/internal/observability"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// Channel names one of the five webhook targets a deployment may configure.
type Channel string

const (
	ChannelBatchManifest Channel = "batch_manifest"
	ChannelQAStructural  Channel = "qa_structural"
	ChannelQAContent     Channel = "qa_content"
	ChannelQADomain      Channel = "qa_domain"
	ChannelBatchReport   Channel = "batch_report"
)

// Sink posts JSON event payloads to whichever channel webhooks are
// configured. Unconfigured channels are silently skipped.
type Sink interface {
	Notify(ctx context.Context, channel Channel, event string, payload map[string]any)
}

type sink struct {
	urls       map[Channel]string
	httpClient *http.Client
	log        *logger.Logger
}

// NewSink builds a Sink from NOTIFY_WEBHOOK_<CHANNEL> environment
// variables, e.g. NOTIFY_WEBHOOK_QA_STRUCTURAL.
func NewSink(log *logger.Logger) Sink {
	channels := []Channel{
		ChannelBatchManifest,
		ChannelQAStructural,
		ChannelQAContent,
		ChannelQADomain,
		ChannelBatchReport,
	}
	urls := make(map[Channel]string, len(channels))
	for _, ch := range channels {
		key := "NOTIFY_WEBHOOK_" + strings.ToUpper(string(ch))
		if url := strings.TrimSpace(os.Getenv(key)); url != "" {
			urls[ch] = url
		}
	}
	return &sink{
		urls:       urls,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log.With("component", "NotificationSink"),
	}
}

func (s *sink) Notify(ctx context.Context, channel Channel, event string, payload map[string]any) {
	url, ok := s.urls[channel]
	if !ok {
		return
	}
	go s.deliver(ctx, channel, url, event, payload)
}

func (s *sink) deliver(ctx context.Context, channel Channel, url, event string, payload map[string]any) {
	body := map[string]any{
		"channel":   channel,
		"event":     event,
		"payload":   payload,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(body)
	if err != nil {
		s.log.Warn("notify marshal failed", "channel", channel, "event", event, "error", err)
		return
	}

	deliveryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(deliveryCtx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		s.log.Warn("notify request build failed", "channel", channel, "event", event, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.recordFailure(channel, event, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.recordFailure(channel, event, fmt.Errorf("status %d", resp.StatusCode))
		return
	}
	s.log.Info("notification delivered", "channel", channel, "event", event, "status", resp.StatusCode)
}

func (s *sink) recordFailure(channel Channel, event string, err error) {
	s.log.Warn("notification delivery failed", "channel", channel, "event", event, "error", err)
	if metrics := observability.Current(); metrics != nil {
		metrics.IncClientError("notify_" + string(channel))
	}
}
