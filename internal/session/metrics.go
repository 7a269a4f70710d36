package session

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type pipelineMetrics struct {
	chunksEmitted    metric.Int64Counter
	resultsDelivered metric.Int64Counter
	overruns         metric.Int64Counter
	inferenceSeconds metric.Float64Histogram
}

func newPipelineMetrics() (*pipelineMetrics, error) {
	meter := otel.Meter("github.com/dictalabs/dicta-core/internal/session")

	chunks, err := meter.Int64Counter("dicta_chunks_emitted_total",
		metric.WithDescription("Audio chunks emitted by the chunker"))
	if err != nil {
		return nil, err
	}
	delivered, err := meter.Int64Counter("dicta_results_delivered_total",
		metric.WithDescription("Transcription results delivered to sinks"))
	if err != nil {
		return nil, err
	}
	overruns, err := meter.Int64Counter("dicta_overruns_total",
		metric.WithDescription("Chunks dropped by the backpressure policy"))
	if err != nil {
		return nil, err
	}
	inference, err := meter.Float64Histogram("dicta_inference_duration_seconds",
		metric.WithDescription("Per-chunk inference latency"))
	if err != nil {
		return nil, err
	}

	return &pipelineMetrics{
		chunksEmitted:    chunks,
		resultsDelivered: delivered,
		overruns:         overruns,
		inferenceSeconds: inference,
	}, nil
}
