package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the gateway's metric instruments.
type Metrics struct {
	QueueDepth        metric.Int64UpDownCounter
	QueueRejects      metric.Int64Counter
	InferenceDuration metric.Float64Histogram
	TokensStreamed    metric.Int64Counter
	SearchCalls       metric.Int64Counter
	SearchRejects     metric.Int64Counter
	SessionsSwept     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.QueueDepth, err = meter.Int64UpDownCounter("halgate.queue.depth",
		metric.WithDescription("Current request queue depth"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueRejects, err = meter.Int64Counter("halgate.queue.rejects",
		metric.WithDescription("Enqueue attempts rejected because the queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.InferenceDuration, err = meter.Float64Histogram("halgate.inference.duration",
		metric.WithDescription("Wall time of one model generation in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensStreamed, err = meter.Int64Counter("halgate.inference.tokens",
		metric.WithDescription("Total streamed output tokens"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchCalls, err = meter.Int64Counter("halgate.search.calls",
		metric.WithDescription("Web search API calls issued"),
	)
	if err != nil {
		return nil, err
	}

	m.SearchRejects, err = meter.Int64Counter("halgate.search.rejects",
		metric.WithDescription("Web searches rejected by the quota gate"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsSwept, err = meter.Int64Counter("halgate.sessions.swept",
		metric.WithDescription("Idle sessions summarized by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
