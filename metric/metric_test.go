package metric_test

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/flow/metric"
)

func TestMeter(t *testing.T) {
	tests := []struct {
		element  string
		routines int
		calls    int
		bytes    int
		expected string
	}{
		{
			element:  "copier",
			routines: 2,
			calls:    10,
			bytes:    100,
			expected: "2000",
		},
		{
			element:  "gain",
			routines: 4,
			calls:    5,
			bytes:    3,
			expected: "60",
		},
	}
	for _, test := range tests {
		m := metric.New()
		reg := prometheus.NewPedanticRegistry()
		assert.NoError(t, reg.Register(m))

		var wg sync.WaitGroup
		wg.Add(test.routines)
		for i := 0; i < test.routines; i++ {
			measure := m.Meter(test.element)()
			go func() {
				defer wg.Done()
				for j := 0; j < test.calls; j++ {
					measure("ok", test.bytes)
				}
			}()
		}
		wg.Wait()

		expected := `
# HELP flow_process_bytes_total Number of bytes received by element.
# TYPE flow_process_bytes_total counter
flow_process_bytes_total{element="` + test.element + `"} ` + test.expected + `
`
		assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "flow_process_bytes_total"))
		count, err := testutil.GatherAndCount(reg, "flow_process_latency_seconds")
		assert.NoError(t, err)
		assert.Equal(t, 1, count)
	}
}

func TestStateAndFailure(t *testing.T) {
	m := metric.New()
	reg := prometheus.NewRegistry()
	assert.NoError(t, reg.Register(m))
	m.State("main", 3)
	m.Failure("gain", "process")
	m.Failure("gain", "process")

	expected := `
# HELP flow_job_failures_total Number of failed element jobs.
# TYPE flow_job_failures_total counter
flow_job_failures_total{element="gain",job="process"} 2
# HELP flow_pipeline_state Current state of pipeline.
# TYPE flow_pipeline_state gauge
flow_pipeline_state{pipeline="main"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "flow_job_failures_total", "flow_pipeline_state"))
}

func TestNil(t *testing.T) {
	var m *metric.Metric
	assert.NotPanics(t, func() {
		m.Meter("nil")()("ok", 10)
		m.State("nil", 1)
		m.Failure("nil", "open")
	})
}
