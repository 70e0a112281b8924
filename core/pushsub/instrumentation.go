package pushsub

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/hrosspet/voicecore/core/pushsub"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	reconnectCounter, _ = meter.Int64Counter(
		"pushsub.reconnects",
		metric.WithDescription("SSE reconnect attempts, including resume-hint reconnects"),
	)
)
