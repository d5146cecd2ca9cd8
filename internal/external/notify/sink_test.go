package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestNotify_DeliversToConfiguredChannel(t *testing.T) {
	var mu sync.Mutex
	var gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotEvent = r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	t.Setenv("NOTIFY_WEBHOOK_QA_STRUCTURAL", srv.URL)
	s := NewSink(testLog(t))

	s.Notify(context.Background(), ChannelQAStructural, "qa.t1.failed", map[string]any{"task_id": "t1"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotEvent == "application/json"
	}, time.Second, 10*time.Millisecond)
}

func TestNotify_SkipsUnconfiguredChannel(t *testing.T) {
	s := NewSink(testLog(t))
	// No webhook configured for this channel; must not panic or block.
	s.Notify(context.Background(), ChannelBatchReport, "batch.report.ready", map[string]any{})
}

func TestNotify_ToleratesUnreachableEndpoint(t *testing.T) {
	t.Setenv("NOTIFY_WEBHOOK_BATCH_MANIFEST", "http://127.0.0.1:1")
	s := NewSink(testLog(t))
	s.Notify(context.Background(), ChannelBatchManifest, "batch.manifest.created", map[string]any{})
	time.Sleep(50 * time.Millisecond)
}
