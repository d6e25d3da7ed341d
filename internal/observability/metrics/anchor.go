package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Anchor job outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeRecovered = "recovered"
	OutcomeFailed    = "failed"
)

type anchorCollector struct {
	mu        sync.Mutex
	submitted uint64
	outcomes  map[string]uint64
	latency   *histogram
}

func newAnchorCollector() *anchorCollector {
	return &anchorCollector{
		outcomes: make(map[string]uint64),
		latency:  &histogram{counts: make([]uint64, len(defaultBuckets))},
	}
}

// ObserveAnchorSubmitted counts a newly accepted anchor job.
func ObserveAnchorSubmitted() {
	c := defaultRegistry.anchor
	c.mu.Lock()
	c.submitted++
	c.mu.Unlock()
}

// ObserveAnchorOutcome counts one processed attempt of an anchor job and how
// long the chain call took.
func ObserveAnchorOutcome(outcome string, duration time.Duration) {
	c := defaultRegistry.anchor
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
	if duration > 0 {
		c.latency.observe(duration.Seconds())
	}
}

func (c *anchorCollector) writeTo(b *strings.Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b.WriteString("# HELP assured_anchor_jobs_submitted_total Anchor jobs accepted by the service.\n")
	b.WriteString("# TYPE assured_anchor_jobs_submitted_total counter\n")
	fmt.Fprintf(b, "assured_anchor_jobs_submitted_total %d\n", c.submitted)

	outcomes := make([]string, 0, len(c.outcomes))
	for k := range c.outcomes {
		outcomes = append(outcomes, k)
	}
	sort.Strings(outcomes)
	b.WriteString("# HELP assured_anchor_jobs_total Anchor job attempts by outcome.\n")
	b.WriteString("# TYPE assured_anchor_jobs_total counter\n")
	for _, k := range outcomes {
		fmt.Fprintf(b, "assured_anchor_jobs_total{outcome=\"%s\"} %d\n", escape(k), c.outcomes[k])
	}

	b.WriteString("# HELP assured_anchor_duration_seconds Time spent waiting for the chain per attempt.\n")
	b.WriteString("# TYPE assured_anchor_duration_seconds histogram\n")
	for idx, count := range c.latency.cumulative() {
		fmt.Fprintf(b, "assured_anchor_duration_seconds_bucket{le=\"%s\"} %d\n", formatFloat(defaultBuckets[idx]), count)
	}
	fmt.Fprintf(b, "assured_anchor_duration_seconds_bucket{le=\"+Inf\"} %d\n", c.latency.count)
	fmt.Fprintf(b, "assured_anchor_duration_seconds_sum %s\n", formatFloat(c.latency.sum))
	fmt.Fprintf(b, "assured_anchor_duration_seconds_count %d\n", c.latency.count)
}
