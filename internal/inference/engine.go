package inference

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/model"
)

const (
	// MinDays and MaxDays bound every prediction.
	MinDays = 0.0
	MaxDays = 5.0
)

// ErrModelNotReady is returned for every prediction while the handle is degraded.
var ErrModelNotReady = errors.New("model not loaded")

// InferenceError wraps a fault raised during the forward pass.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string { return fmt.Sprintf("inference: %v", e.Err) }
func (e *InferenceError) Unwrap() error { return e.Err }

// Result is a clamped prediction.
type Result struct {
	DaysRemaining float64
	Raw           float64
}

// Clamp forces v into [MinDays, MaxDays]. NaN is not handled here.
func Clamp(v float64) float64 {
	return math.Max(MinDays, math.Min(MaxDays, v))
}

// Engine shares one model across all requests. Forward passes are
// serialized: the ONNX session writes into tensors bound at load time.
type Engine struct {
	handle *model.Handle
	logger *zap.Logger
	mu     sync.Mutex
}

// NewEngine wraps handle.
func NewEngine(handle *model.Handle, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{handle: handle, logger: logger.Named("inference_engine")}
}

// Ready reports whether predictions can be served.
func (e *Engine) Ready() bool {
	return e.handle.Ready()
}

// Predict runs one forward pass and clamps the output.
func (e *Engine) Predict(tensor *imageprocessor.Tensor) (Result, error) {
	if !e.handle.Ready() {
		return Result{}, ErrModelNotReady
	}
	if tensor == nil || len(tensor.Data) == 0 {
		return Result{}, &InferenceError{Err: errors.New("empty input tensor")}
	}

	raw, err := e.forward(tensor.Data)
	if err != nil {
		return Result{}, &InferenceError{Err: err}
	}

	value := float64(raw)
	if math.IsNaN(value) {
		return Result{}, &InferenceError{Err: errors.New("model produced NaN")}
	}

	days := Clamp(value)
	if days != value {
		e.logger.Debug("prediction clamped", zap.Float64("raw", value), zap.Float64("days_remaining", days))
	}
	return Result{DaysRemaining: days, Raw: value}, nil
}

func (e *Engine) forward(input []float32) (out float32, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("forward pass panicked: %v", r)
		}
	}()
	return e.handle.Regressor().Run(input)
}
