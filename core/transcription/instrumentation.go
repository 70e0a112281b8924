package transcription

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/hrosspet/voicecore/core/transcription"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)

	chunksUploadedCounter, _ = meter.Int64Counter(
		"transcription.chunks_uploaded",
		metric.WithDescription("audio chunks successfully uploaded for transcription"),
	)
)
