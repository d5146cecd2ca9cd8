package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
)

func TestNewMetrics_ObserveVisionRequestCountsAndTokens(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.ObserveVisionRequest("product_classification", "loopback", "ok", 50*time.Millisecond, 120, 40)
	m.ObserveVisionRequest("product_classification", "loopback", "ok", 10*time.Millisecond, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.visionRequests.WithLabelValues("product_classification", "loopback", "ok")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.visionTokens.WithLabelValues("product_classification", "input")))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.visionTokens.WithLabelValues("product_classification", "output")))
}

func TestNewMetrics_IncTaskTransition(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.IncTaskTransition(domain.TaskAwaitingQA)
	m.IncTaskTransition(domain.TaskAwaitingQA)
	m.IncTaskTransition(domain.TaskCompleted)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.taskTotal.WithLabelValues(string(domain.TaskAwaitingQA))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskTotal.WithLabelValues(string(domain.TaskCompleted))))
}

func TestNewMetrics_QueueDepthGaugeIsOverwritable(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.SetQueueDepth("analysis:product_classification", 7)
	m.SetQueueDepth("analysis:product_classification", 3)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("analysis:product_classification")))
}

func TestNewMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveAPI("GET", "/healthz", "200", time.Millisecond)
		m.IncClientError("vision_loopback")
		m.IncQAAttempt(domain.QATierStructural, domain.QAOutcomeFail)
		m.SetInflightTasks("analysis:domain_expert", 1)
		m.IncCircuitBreakerTrip("process_failure_rate")
		m.IncLeaseReclaimed()
		m.IncConfigReload("ok")
	})
}

func TestNewMetrics_WriteHTTPExposesRegisteredCollectors(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())
	m.IncConfigReload("ok")

	gathered, err := m.registry.Gather()
	assert.NoError(t, err)

	var found bool
	for _, mf := range gathered {
		if mf.GetName() == "orchestrator_config_reloads_total" {
			found = true
		}
	}
	assert.True(t, found, "expected orchestrator_config_reloads_total to be registered")
}
