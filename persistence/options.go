package persistence

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/cschleiden/go-workflowapp/converter"
	mi "github.com/cschleiden/go-workflowapp/internal/metrics"
	"github.com/cschleiden/go-workflowapp/metrics"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const TracerName = "go-workflowapp/persistence"

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Converter is used for the properties the persistence manager reads and writes. If not explicitly set
	// converter.DefaultConverter is used.
	Converter converter.Converter

	Clock clock.Clock
}

var DefaultOptions Options = Options{
	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: noop.NewTracerProvider(),
	Converter:      converter.DefaultConverter,
	Clock:          clock.New(),
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithConverter(c converter.Converter) Option {
	return func(o *Options) {
		o.Converter = c
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &options
}
