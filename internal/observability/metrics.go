package observability

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

// Metrics holds every counter/gauge/histogram this service exposes. Fields
// are scoped to the admin/health HTTP surface, vision-model calls, the
// task queue broker, and QA/circuit-breaker bookkeeping. Each field is a
// real prometheus/client_golang collector registered against its own
// Registry, so a second Metrics instance (as in tests) never collides with
// the process-wide one on prometheus.DefaultRegisterer.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
	apiInflight prometheus.Gauge

	visionRequests *prometheus.CounterVec
	visionLatency  *prometheus.HistogramVec
	visionTokens   *prometheus.CounterVec
	clientError    *prometheus.CounterVec

	taskTotal      *prometheus.CounterVec
	taskQAAttempts *prometheus.CounterVec
	queueDepth     *prometheus.GaugeVec
	inflightTasks  *prometheus.GaugeVec

	processTotal        *prometheus.CounterVec
	circuitBreakerTrips *prometheus.CounterVec
	leaseReclaimed      prometheus.Counter
	configReloads       *prometheus.CounterVec

	pgStats   *prometheus.GaugeVec
	redisUp   prometheus.Gauge
	redisPing prometheus.Gauge
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Enabled reports whether METRICS_ENABLED opts this process into collection.
func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

// Current returns the process-wide Metrics instance, or nil if disabled.
func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

// Init builds and installs the process-wide Metrics instance. Safe to call
// unconditionally; it is a no-op unless Enabled() is true.
func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		instance = newMetrics(prometheus.NewRegistry())
	})
	if log != nil {
		log.Info("metrics initialized")
	}
	return instance
}

// newMetrics registers every collector against reg. Split out from Init so
// tests can build an isolated Metrics without touching the process-wide
// singleton or prometheus.DefaultRegisterer.
func newMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_api_requests_total", Help: "total admin/health HTTP requests",
		}, []string{"method", "route", "status"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "orchestrator_api_request_duration_seconds", Help: "admin/health HTTP request latency",
		}, []string{"method", "route"}),
		apiInflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_api_inflight", Help: "in-flight admin/health HTTP requests",
		}),

		visionRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_vision_requests_total", Help: "total vision-model runtime calls",
		}, []string{"analysis_type", "engine", "status"}),
		visionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "orchestrator_vision_request_duration_seconds", Help: "vision-model runtime call latency",
		}, []string{"analysis_type", "engine"}),
		visionTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_vision_tokens_total", Help: "vision-model token usage",
		}, []string{"analysis_type", "direction"}),
		clientError: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_client_errors_total", Help: "external client errors by kind",
		}, []string{"kind"}),

		taskTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_task_transitions_total", Help: "task status transitions",
		}, []string{"status"}),
		taskQAAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_qa_attempts_total", Help: "QA tier attempts",
		}, []string{"tier", "outcome"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth", Help: "task queue broker depth per queue key",
		}, []string{"queue_key"}),
		inflightTasks: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_inflight_tasks", Help: "leased-but-not-yet-acked tasks per queue key",
		}, []string{"queue_key"}),

		processTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_process_transitions_total", Help: "process status transitions",
		}, []string{"status"}),
		circuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_circuit_breaker_trips_total", Help: "circuit breaker trips per process",
		}, []string{"reason"}),
		leaseReclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_lease_reclaimed_total", Help: "expired task leases reclaimed by the reaper",
		}),
		configReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_config_reloads_total", Help: "configuration registry reload attempts",
		}, []string{"status"}),

		pgStats: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchestrator_postgres_stats", Help: "database/sql pool stats",
		}, []string{"stat"}),
		redisUp: f.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_redis_up", Help: "1 if the last redis ping succeeded",
		}),
		redisPing: f.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_redis_ping_seconds", Help: "redis ping round-trip latency",
		}),
	}
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.WriteHTTP)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server exited", "error", err)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		return
	}
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(method, route, status).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveVisionRequest records one vision-model runtime call, including
// token accounting when the engine reports it (0 is a valid "unknown").
func (m *Metrics) ObserveVisionRequest(analysisType, engine, status string, dur time.Duration, inputTokens, outputTokens int) {
	if m == nil {
		return
	}
	m.visionRequests.WithLabelValues(analysisType, engine, status).Inc()
	m.visionLatency.WithLabelValues(analysisType, engine).Observe(dur.Seconds())
	if inputTokens > 0 {
		m.visionTokens.WithLabelValues(analysisType, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.visionTokens.WithLabelValues(analysisType, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) IncClientError(kind string) {
	if m == nil {
		return
	}
	m.clientError.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncTaskTransition(status domain.TaskStatus) {
	if m == nil {
		return
	}
	m.taskTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IncQAAttempt(tier domain.QATier, outcome domain.QAOutcome) {
	if m == nil {
		return
	}
	m.taskQAAttempts.WithLabelValues(string(tier), string(outcome)).Inc()
}

func (m *Metrics) SetQueueDepth(queueKey string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queueKey).Set(float64(depth))
}

func (m *Metrics) SetInflightTasks(queueKey string, count int) {
	if m == nil {
		return
	}
	m.inflightTasks.WithLabelValues(queueKey).Set(float64(count))
}

func (m *Metrics) IncProcessTransition(status domain.ProcessStatus) {
	if m == nil {
		return
	}
	m.processTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) IncCircuitBreakerTrip(reason string) {
	if m == nil {
		return
	}
	m.circuitBreakerTrips.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncLeaseReclaimed() {
	if m == nil {
		return
	}
	m.leaseReclaimed.Inc()
}

func (m *Metrics) IncConfigReload(status string) {
	if m == nil {
		return
	}
	m.configReloads.WithLabelValues(status).Inc()
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.WithLabelValues("open_connections").Set(float64(stats.OpenConnections))
				m.pgStats.WithLabelValues("in_use").Set(float64(stats.InUse))
				m.pgStats.WithLabelValues("idle").Set(float64(stats.Idle))
				m.pgStats.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
				m.pgStats.WithLabelValues("wait_duration_seconds").Set(stats.WaitDuration.Seconds())
				m.pgStats.WithLabelValues("max_open_connections").Set(float64(stats.MaxOpenConnections))
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

// StartTaskQueueCollector polls the state store for per-status task counts
// so queue depth is visible even when the broker itself is healthy but
// draining slowly.
func (m *Metrics) StartTaskQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&domain.Task{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: task status query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.WithLabelValues("store:" + status).Set(float64(row.Count))
				}
			}
		}
	}()
}

