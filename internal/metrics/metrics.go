// Package metrics holds helpers shared by the components that emit metrics.
package metrics

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/metrics"
)

type noop struct{}

var _ metrics.Client = noop{}

// NewNoopMetricsClient returns a client that drops everything. It is the default for applications, stores and
// managers.
func NewNoopMetricsClient() metrics.Client {
	return noop{}
}

func (noop) Counter(string, metrics.Tags, int64)        {}
func (noop) Distribution(string, metrics.Tags, float64) {}
func (noop) Gauge(string, metrics.Tags, int64)          {}
func (noop) Timing(string, metrics.Tags, time.Duration) {}
func (n noop) WithTags(metrics.Tags) metrics.Client     { return n }

// Timer measures the duration of an operation on the given clock.
type Timer struct {
	client metrics.Client
	clock  clock.Clock
	start  time.Time
	name   string
	tags   metrics.Tags
}

func NewTimer(client metrics.Client, clk clock.Clock, name string, tags metrics.Tags) *Timer {
	return &Timer{client: client, clock: clk, start: clk.Now(), name: name, tags: tags}
}

// Stop reports the time elapsed since the timer was created.
func (t *Timer) Stop() {
	t.client.Timing(t.name, t.tags, t.clock.Since(t.start))
}
