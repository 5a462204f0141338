package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/inference"
	"github.com/example/freshness/internal/logging"
)

// ErrPredictionTimeout is returned when the pipeline outlives its deadline.
var ErrPredictionTimeout = errors.New("prediction deadline exceeded")

// Preprocessor turns upload bytes into a model tensor.
type Preprocessor interface {
	Process(raw []byte) (*imageprocessor.Tensor, error)
}

// Predictor is the inference engine as seen by the use case.
type Predictor interface {
	Ready() bool
	Predict(tensor *imageprocessor.Tensor) (inference.Result, error)
}

// Prediction is a successful pipeline outcome.
type Prediction struct {
	DaysRemaining float64
	Demo          bool
	Cached        bool
}

// Options configures optional collaborators of the use case.
type Options struct {
	// Cache is consulted by image digest when set.
	Cache    Cache
	CacheTTL time.Duration
	// ModelVersion scopes cache entries to one artifact.
	ModelVersion string
	Demo         bool
	// Timeout bounds a single prediction; zero disables it.
	Timeout time.Duration
	Metrics Metrics
}

// PredictionUseCase runs the readiness, decode and inference stages for one upload.
type PredictionUseCase struct {
	preprocessor Preprocessor
	engine       Predictor
	cache        Cache
	cacheTTL     time.Duration
	modelVersion string
	demo         bool
	timeout      time.Duration
	metrics      Metrics
	logger       *zap.Logger
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(preprocessor Preprocessor, engine Predictor, logger *zap.Logger, opts Options) *PredictionUseCase {
	if opts.Metrics == nil {
		opts.Metrics = NopMetrics{}
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	return &PredictionUseCase{
		preprocessor: preprocessor,
		engine:       engine,
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
		modelVersion: opts.ModelVersion,
		demo:         opts.Demo,
		timeout:      opts.Timeout,
		metrics:      opts.Metrics,
		logger:       logger.Named("prediction_usecase"),
	}
}

// Ready reports whether the underlying model can serve predictions.
func (uc *PredictionUseCase) Ready() bool {
	return uc.engine.Ready()
}

type outcome struct {
	prediction *Prediction
	err        error
}

// Predict runs the pipeline for imageBytes. The caller's cancellation is
// ignored; only the configured timeout can cut the wait short, and even then
// the forward pass runs to completion in the background.
func (uc *PredictionUseCase) Predict(ctx context.Context, requestID string, imageBytes []byte) (*Prediction, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	if !uc.engine.Ready() {
		uc.metrics.ObserveFailure(StageNotReady)
		return nil, logging.NewOperationError("usecase.check_ready", requestID, inference.ErrModelNotReady)
	}

	ctx = context.WithoutCancel(ctx)
	if uc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, uc.timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		p, err := uc.run(ctx, requestID, imageBytes, opLogger)
		done <- outcome{prediction: p, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		uc.metrics.ObservePrediction(out.prediction.DaysRemaining, out.prediction.Cached, time.Since(start))
		return out.prediction, nil
	case <-ctx.Done():
		uc.metrics.ObserveFailure(StageTimeout)
		opLogger.Warn("prediction deadline exceeded", zap.Duration("timeout", uc.timeout))
		return nil, logging.NewOperationError("usecase.predict", requestID, ErrPredictionTimeout)
	}
}

func (uc *PredictionUseCase) run(ctx context.Context, requestID string, imageBytes []byte, opLogger *zap.Logger) (*Prediction, error) {
	cacheKey := uc.cacheKey(imageBytes)
	if days, ok := uc.lookup(ctx, cacheKey, opLogger); ok {
		return &Prediction{DaysRemaining: days, Demo: uc.demo, Cached: true}, nil
	}

	tensor, err := uc.preprocessor.Process(imageBytes)
	if err != nil {
		uc.metrics.ObserveFailure(decodeStage(err))
		opLogger.Info("rejected upload", zap.Error(err))
		return nil, logging.NewOperationError("usecase.preprocess", requestID, err)
	}

	result, err := uc.engine.Predict(tensor)
	if err != nil {
		uc.metrics.ObserveFailure(StageInference)
		wrapped := logging.NewOperationError("usecase.infer", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}

	uc.store(ctx, cacheKey, result.DaysRemaining, opLogger)
	opLogger.Debug("prediction complete",
		zap.Float64("raw", result.Raw),
		zap.Float64("days_remaining", result.DaysRemaining))

	return &Prediction{DaysRemaining: result.DaysRemaining, Demo: uc.demo}, nil
}

func (uc *PredictionUseCase) cacheKey(imageBytes []byte) string {
	if uc.cache == nil {
		return ""
	}
	sum := sha256.Sum256(imageBytes)
	return fmt.Sprintf("prediction:%s:%s", uc.modelVersion, hex.EncodeToString(sum[:]))
}

func (uc *PredictionUseCase) lookup(ctx context.Context, key string, opLogger *zap.Logger) (float64, bool) {
	if key == "" {
		return 0, false
	}
	value, err := uc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
		return 0, false
	}
	days, err := strconv.ParseFloat(value, 64)
	if err != nil {
		opLogger.Warn("failed to decode cached prediction", zap.Error(err), zap.String("value", value))
		return 0, false
	}
	return inference.Clamp(days), true
}

func (uc *PredictionUseCase) store(ctx context.Context, key string, days float64, opLogger *zap.Logger) {
	if key == "" {
		return
	}
	value := strconv.FormatFloat(days, 'f', -1, 64)
	if err := uc.cache.Set(ctx, key, value, uc.cacheTTL); err != nil {
		opLogger.Warn("failed to cache prediction", zap.Error(err))
	}
}

func decodeStage(err error) string {
	var unsupported *imageprocessor.UnsupportedFormatError
	if errors.As(err, &unsupported) {
		return StageUnsupportedFormat
	}
	return StageDecode
}
