package metrics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type routeKey struct {
	route  string
	method string
}

type requestKey struct {
	routeKey
	code string
}

var defaultBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

type histogram struct {
	counts []uint64
	sum    float64
	count  uint64
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range defaultBuckets {
		if value <= bound {
			h.counts[idx]++
			return
		}
	}
}

// cumulative returns per-bucket counts in Prometheus' cumulative form.
func (h *histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var running uint64
	for i, c := range h.counts {
		running += c
		out[i] = running
	}
	return out
}

type httpCollector struct {
	mu       sync.Mutex
	requests map[requestKey]uint64
	failures map[routeKey]uint64
	latency  map[routeKey]*histogram
}

func newHTTPCollector() *httpCollector {
	return &httpCollector{
		requests: make(map[requestKey]uint64),
		failures: make(map[routeKey]uint64),
		latency:  make(map[routeKey]*histogram),
	}
}

// ObserveHTTPRequest records one finished API request. route should be the
// registered pattern, not the raw path, to keep label cardinality bounded.
func ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	defaultRegistry.http.observe(route, method, status, duration)
}

func (c *httpCollector) observe(route, method string, status int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rk := routeKey{route: route, method: method}
	c.requests[requestKey{routeKey: rk, code: strconv.Itoa(status)}]++
	if status >= 500 {
		c.failures[rk]++
	}
	h := c.latency[rk]
	if h == nil {
		h = &histogram{counts: make([]uint64, len(defaultBuckets))}
		c.latency[rk] = h
	}
	h.observe(duration.Seconds())
}

func (c *httpCollector) writeTo(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqKeys := make([]requestKey, 0, len(c.requests))
	for k := range c.requests {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].routeKey != reqKeys[j].routeKey {
			return lessRoute(reqKeys[i].routeKey, reqKeys[j].routeKey)
		}
		return reqKeys[i].code < reqKeys[j].code
	})

	b.WriteString("# HELP assured_http_requests_total Total number of HTTP requests processed.\n")
	b.WriteString("# TYPE assured_http_requests_total counter\n")
	for _, k := range reqKeys {
		fmt.Fprintf(b, "assured_http_requests_total{route=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(k.route), escape(k.method), k.code, c.requests[k])
	}

	b.WriteString("# HELP assured_http_request_errors_total HTTP requests answered with a 5xx status.\n")
	b.WriteString("# TYPE assured_http_request_errors_total counter\n")
	for _, k := range sortedRoutes(c.failures) {
		fmt.Fprintf(b, "assured_http_request_errors_total{route=\"%s\",method=\"%s\"} %d\n",
			escape(k.route), escape(k.method), c.failures[k])
	}

	b.WriteString("# HELP assured_http_request_duration_seconds HTTP request latency.\n")
	b.WriteString("# TYPE assured_http_request_duration_seconds histogram\n")
	for _, k := range sortedRoutes(c.latency) {
		h := c.latency[k]
		labels := fmt.Sprintf("route=\"%s\",method=\"%s\"", escape(k.route), escape(k.method))
		for idx, count := range h.cumulative() {
			fmt.Fprintf(b, "assured_http_request_duration_seconds_bucket{%s,le=\"%s\"} %d\n", labels, formatFloat(defaultBuckets[idx]), count)
		}
		fmt.Fprintf(b, "assured_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, h.count)
		fmt.Fprintf(b, "assured_http_request_duration_seconds_sum{%s} %s\n", labels, formatFloat(h.sum))
		fmt.Fprintf(b, "assured_http_request_duration_seconds_count{%s} %d\n", labels, h.count)
	}
}

func sortedRoutes[V any](m map[routeKey]V) []routeKey {
	keys := make([]routeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessRoute(keys[i], keys[j]) })
	return keys
}

func lessRoute(a, b routeKey) bool {
	if a.route == b.route {
		return a.method < b.method
	}
	return a.route < b.route
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	return strings.ReplaceAll(value, "\n", "")
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
