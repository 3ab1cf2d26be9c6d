package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log/global"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// Instruments holds every OTEL instrument the scheduler reports through
// (spec §4.G tick, §4.F lifecycle transitions).
type Instruments struct {
	Tracer Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	RunCount       metric.Int64UpDownCounter
	HostRunning    metric.Int64UpDownCounter
	QueueDepth     metric.Int64UpDownCounter
	TickDuration   metric.Float64Histogram
	ProtocolErrors metric.Int64Counter
	JobsPlaced     metric.Int64Counter
	JobsFailed     metric.Int64Counter
}

func newInstruments() (*Instruments, error) {
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	runCount, err := meter.Int64UpDownCounter("scheduler.meta.run_count",
		metric.WithDescription("Live agent count per meta-agent"),
		metric.WithUnit("{agent}"))
	if err != nil {
		return nil, err
	}

	hostRunning, err := meter.Int64UpDownCounter("scheduler.host.running",
		metric.WithDescription("Live agent count per host"),
		metric.WithUnit("{agent}"))
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter("scheduler.queue.depth",
		metric.WithDescription("Pending job count"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	tickDuration, err := meter.Float64Histogram("scheduler.tick.duration",
		metric.WithDescription("Placement tick duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	protocolErrors, err := meter.Int64Counter("scheduler.protocol.errors",
		metric.WithDescription("Unparseable agent protocol lines"),
		metric.WithUnit("{line}"))
	if err != nil {
		return nil, err
	}

	jobsPlaced, err := meter.Int64Counter("scheduler.jobs.placed",
		metric.WithDescription("Jobs successfully placed on an agent"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	jobsFailed, err := meter.Int64Counter("scheduler.jobs.failed",
		metric.WithDescription("Jobs failed during placement"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:         NewTracer(),
		Meter:          meter,
		Logger:         logger,
		RunCount:       runCount,
		HostRunning:    hostRunning,
		QueueDepth:     queueDepth,
		TickDuration:   tickDuration,
		ProtocolErrors: protocolErrors,
		JobsPlaced:     jobsPlaced,
		JobsFailed:     jobsFailed,
	}, nil
}
