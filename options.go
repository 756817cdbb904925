package flow

import (
	"github.com/sirupsen/logrus"

	"pipelined.dev/flow/log"
	"pipelined.dev/flow/metric"
)

// Option configures pool, pipeline or task.
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
	metric *metric.Metric
	name   string
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithMetric enables prometheus metrics.
func WithMetric(m *metric.Metric) Option {
	return func(o *options) {
		o.metric = m
	}
}

// WithName sets the name of pipeline. By default the name is its id.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, option := range opts {
		option(&o)
	}
	if o.logger == nil {
		o.logger = log.GetLogger()
	}
	return o
}
