package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry aggregates in-process counters for the service: per-endpoint
// request stats, gatekeeper outcomes, rate-limit rejections by category,
// feedback lifecycle totals, and operational gauges.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	gateOutcome    map[string]int64
	rateLimited    map[string]int64
	feedbackStatus map[string]int64
	jobsProcessed  int64
	jobsFailed     int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	GateOutcomes     map[string]int64        `json:"gate_outcomes"`
	RateLimited      map[string]int64        `json:"rate_limited"`
	FeedbackStatuses map[string]int64        `json:"feedback_statuses"`
	JobsProcessed    int64                   `json:"jobs_processed_total"`
	JobsFailed       int64                   `json:"jobs_failed_total"`
	Gauges           map[string]float64      `json:"gauges"`
	Histograms       []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		gateOutcome:    map[string]int64{},
		rateLimited:    map[string]int64{},
		feedbackStatus: map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncGateOutcome records how the gatekeeper disposed of a request:
// allowed, rate_limited, unauthenticated, or forbidden.
func (r *Registry) IncGateOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.gateOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimited(category string) {
	category = strings.TrimSpace(category)
	if category == "" {
		return
	}
	r.mu.Lock()
	r.rateLimited[category]++
	r.mu.Unlock()
}

// IncFeedbackStatus counts entries into a lifecycle status.
func (r *Registry) IncFeedbackStatus(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.feedbackStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncJobsProcessed() {
	r.mu.Lock()
	r.jobsProcessed++
	r.mu.Unlock()
}

func (r *Registry) IncJobsFailed() {
	r.mu.Lock()
	r.jobsFailed++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:      time.Now().UTC().Format(time.RFC3339),
		Endpoints:        make(map[string]EndpointStat, len(r.endpoint)),
		GateOutcomes:     make(map[string]int64, len(r.gateOutcome)),
		RateLimited:      make(map[string]int64, len(r.rateLimited)),
		FeedbackStatuses: make(map[string]int64, len(r.feedbackStatus)),
		JobsProcessed:    r.jobsProcessed,
		JobsFailed:       r.jobsFailed,
		Gauges:           make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.gateOutcome {
		out.GateOutcomes[k] = v
	}
	for k, v := range r.rateLimited {
		out.RateLimited[k] = v
	}
	for k, v := range r.feedbackStatus {
		out.FeedbackStatuses[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP feedbacker_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE feedbacker_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "feedbacker_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP feedbacker_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE feedbacker_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "feedbacker_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP feedbacker_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE feedbacker_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "feedbacker_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP feedbacker_gate_outcome_total gatekeeper dispositions\n")
		b.WriteString("# TYPE feedbacker_gate_outcome_total counter\n")
		for _, outcome := range SortedKeys(snap.GateOutcomes) {
			fmt.Fprintf(b, "feedbacker_gate_outcome_total{outcome=%q} %d\n", outcome, snap.GateOutcomes[outcome])
		}
		b.WriteString("# HELP feedbacker_rate_limited_total rate-limit rejections by category\n")
		b.WriteString("# TYPE feedbacker_rate_limited_total counter\n")
		for _, category := range SortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "feedbacker_rate_limited_total{category=%q} %d\n", category, snap.RateLimited[category])
		}
		b.WriteString("# HELP feedbacker_feedback_status_total lifecycle status entries\n")
		b.WriteString("# TYPE feedbacker_feedback_status_total counter\n")
		for _, status := range SortedKeys(snap.FeedbackStatuses) {
			fmt.Fprintf(b, "feedbacker_feedback_status_total{status=%q} %d\n", status, snap.FeedbackStatuses[status])
		}
		b.WriteString("# HELP feedbacker_jobs_processed_total processing jobs completed\n")
		b.WriteString("# TYPE feedbacker_jobs_processed_total counter\n")
		fmt.Fprintf(b, "feedbacker_jobs_processed_total %d\n", snap.JobsProcessed)
		b.WriteString("# HELP feedbacker_jobs_failed_total processing jobs failed\n")
		b.WriteString("# TYPE feedbacker_jobs_failed_total counter\n")
		fmt.Fprintf(b, "feedbacker_jobs_failed_total %d\n", snap.JobsFailed)
		b.WriteString("# HELP feedbacker_gauge operational gauge metrics\n")
		b.WriteString("# TYPE feedbacker_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "feedbacker_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP feedbacker_latency_seconds latency histogram\n")
			b.WriteString("# TYPE feedbacker_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "feedbacker_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "feedbacker_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "feedbacker_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "feedbacker_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "feedbacker_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "feedbacker_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "feedbacker_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
