package taskpoll

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/hrosspet/voicecore/core/taskpoll"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	pollTickCounter, _ = meter.Int64Counter(
		"taskpoll.ticks",
		metric.WithDescription("status-check requests issued while polling a task"),
	)
)
