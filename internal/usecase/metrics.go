package usecase

import "time"

// Failure stages reported to Metrics.
const (
	StageNotReady          = "not_ready"
	StageDecode            = "decode"
	StageUnsupportedFormat = "unsupported_format"
	StageInference         = "inference"
	StageTimeout           = "timeout"
)

// Metrics receives prediction outcomes.
type Metrics interface {
	ObservePrediction(daysRemaining float64, cached bool, elapsed time.Duration)
	ObserveFailure(stage string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) ObservePrediction(float64, bool, time.Duration) {}
func (NopMetrics) ObserveFailure(string)                          {}
