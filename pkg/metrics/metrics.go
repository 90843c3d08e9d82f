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

// Registry is the gateway's in-process metrics store, exposed as JSON and in
// Prometheus exposition format.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	actionOutcome  map[string]int64
	errorCode      map[string]int64
	gauges         map[string]float64
	executeLatency LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt      string                  `json:"generated_at"`
	Endpoints        map[string]EndpointStat `json:"endpoints"`
	ActionOutcomes   map[string]int64        `json:"action_outcomes"`
	ErrorCodes       map[string]int64        `json:"error_codes"`
	Gauges           map[string]float64      `json:"gauges"`
	ExecuteLatencyMS LatencyStat             `json:"execute_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		actionOutcome: map[string]int64{},
		errorCode:     map[string]int64{},
		gauges:        map[string]float64{},
	}
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

// IncActionOutcome counts one propose/execute decision, keyed action|outcome.
func (r *Registry) IncActionOutcome(action, outcome string) {
	action = strings.TrimSpace(action)
	outcome = strings.TrimSpace(strings.ToUpper(outcome))
	if action == "" || outcome == "" {
		return
	}
	r.mu.Lock()
	r.actionOutcome[action+"|"+outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncErrorCode(code string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return
	}
	r.mu.Lock()
	r.errorCode[code]++
	r.mu.Unlock()
}

func (r *Registry) ObserveExecuteLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executeLatency.Count++
	r.executeLatency.TotalMS += ms
	r.executeLatency.LastMS = ms
	if ms > r.executeLatency.MaxMS {
		r.executeLatency.MaxMS = ms
	}
	r.executeLatency.AvgMS = float64(r.executeLatency.TotalMS) / float64(r.executeLatency.Count)
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
		ActionOutcomes:   make(map[string]int64, len(r.actionOutcome)),
		ErrorCodes:       make(map[string]int64, len(r.errorCode)),
		Gauges:           make(map[string]float64, len(r.gauges)),
		ExecuteLatencyMS: r.executeLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.actionOutcome {
		out.ActionOutcomes[k] = v
	}
	for k, v := range r.errorCode {
		out.ErrorCodes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
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
		b.WriteString("# HELP opsgate_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE opsgate_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "opsgate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP opsgate_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE opsgate_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "opsgate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP opsgate_action_outcome_total propose/execute decisions by action and outcome\n")
		b.WriteString("# TYPE opsgate_action_outcome_total counter\n")
		for _, key := range SortedKeys(snap.ActionOutcomes) {
			parts := strings.SplitN(key, "|", 2)
			action := parts[0]
			outcome := "UNKNOWN"
			if len(parts) == 2 {
				outcome = parts[1]
			}
			fmt.Fprintf(b, "opsgate_action_outcome_total{action=%q,outcome=%q} %d\n", action, outcome, snap.ActionOutcomes[key])
		}
		b.WriteString("# HELP opsgate_error_code_total structured errors returned by code\n")
		b.WriteString("# TYPE opsgate_error_code_total counter\n")
		for _, code := range SortedKeys(snap.ErrorCodes) {
			fmt.Fprintf(b, "opsgate_error_code_total{code=%q} %d\n", code, snap.ErrorCodes[code])
		}
		b.WriteString("# HELP opsgate_gauge operational gauge metrics\n")
		b.WriteString("# TYPE opsgate_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "opsgate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		b.WriteString("# HELP opsgate_execute_latency_ms execute-phase latency in ms\n")
		b.WriteString("# TYPE opsgate_execute_latency_ms gauge\n")
		fmt.Fprintf(b, "opsgate_execute_latency_ms{stat=%q} %d\n", "last", snap.ExecuteLatencyMS.LastMS)
		fmt.Fprintf(b, "opsgate_execute_latency_ms{stat=%q} %.3f\n", "avg", snap.ExecuteLatencyMS.AvgMS)
		fmt.Fprintf(b, "opsgate_execute_latency_ms{stat=%q} %d\n", "max", snap.ExecuteLatencyMS.MaxMS)
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
