package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/inference"
	"github.com/example/freshness/internal/logging"
)

type stubPreprocessor struct {
	err   error
	calls int
}

func (s *stubPreprocessor) Process(raw []byte) (*imageprocessor.Tensor, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &imageprocessor.Tensor{Data: []float32{1}, Shape: []int64{1, 1, 1, 1}}, nil
}

type stubEngine struct {
	ready  bool
	result inference.Result
	err    error
	delay  time.Duration
	mu     sync.Mutex
	calls  int
}

func (s *stubEngine) Ready() bool { return s.ready }

func (s *stubEngine) Predict(tensor *imageprocessor.Tensor) (inference.Result, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.result, s.err
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubCache struct {
	values  map[string]string
	getErr  error
	setErr  error
	setKeys []string
	ttls    []time.Duration
}

func newStubCache() *stubCache {
	return &stubCache{values: map[string]string{}}
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.ttls = append(s.ttls, expiration)
	if s.setErr != nil {
		return s.setErr
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	if s.getErr != nil {
		return "", s.getErr
	}
	value, ok := s.values[key]
	if !ok {
		return "", redis.Nil
	}
	return value, nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	predictions []float64
	cached      []bool
	failures    []string
}

func (r *recordingMetrics) ObservePrediction(days float64, cached bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predictions = append(r.predictions, days)
	r.cached = append(r.cached, cached)
}

func (r *recordingMetrics) ObserveFailure(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, stage)
}

func TestPredictReturnsEngineResult(t *testing.T) {
	engine := &stubEngine{ready: true, result: inference.Result{DaysRemaining: 3.25}}
	metrics := &recordingMetrics{}
	uc := NewPredictionUseCase(&stubPreprocessor{}, engine, zap.NewNop(), Options{Metrics: metrics, Demo: true})

	p, err := uc.Predict(context.Background(), "req-1", []byte("image"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if p.DaysRemaining != 3.25 || p.Cached || !p.Demo {
		t.Fatalf("unexpected prediction: %+v", p)
	}
	if len(metrics.predictions) != 1 || metrics.predictions[0] != 3.25 {
		t.Fatalf("unexpected metrics: %+v", metrics.predictions)
	}
}

func TestPredictRefusesBeforeDecodingWhenNotReady(t *testing.T) {
	pre := &stubPreprocessor{}
	engine := &stubEngine{ready: false}
	metrics := &recordingMetrics{}
	uc := NewPredictionUseCase(pre, engine, zap.NewNop(), Options{Metrics: metrics})

	_, err := uc.Predict(context.Background(), "req-2", []byte("not even an image"))
	if !errors.Is(err, inference.ErrModelNotReady) {
		t.Fatalf("expected ErrModelNotReady, got %v", err)
	}
	if pre.calls != 0 || engine.callCount() != 0 {
		t.Fatalf("expected no pipeline work, preprocess=%d engine=%d", pre.calls, engine.callCount())
	}
	if len(metrics.failures) != 1 || metrics.failures[0] != StageNotReady {
		t.Fatalf("unexpected failures: %v", metrics.failures)
	}
}

func TestPredictReturnsOperationErrorOnDecodeFailure(t *testing.T) {
	decodeErr := &imageprocessor.DecodeError{Reason: "unrecognized image data"}
	engine := &stubEngine{ready: true}
	metrics := &recordingMetrics{}
	uc := NewPredictionUseCase(&stubPreprocessor{err: decodeErr}, engine, zap.NewNop(), Options{Metrics: metrics})

	_, err := uc.Predict(context.Background(), "req-3", []byte("text"))
	var got *imageprocessor.DecodeError
	if !errors.As(err, &got) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.preprocess" || opErr.RequestID != "req-3" {
		t.Fatalf("unexpected operation error: %+v", opErr)
	}
	if engine.callCount() != 0 {
		t.Fatal("engine must not run after a decode failure")
	}
	if len(metrics.failures) != 1 || metrics.failures[0] != StageDecode {
		t.Fatalf("unexpected failures: %v", metrics.failures)
	}
}

func TestPredictClassifiesUnsupportedFormat(t *testing.T) {
	metrics := &recordingMetrics{}
	pre := &stubPreprocessor{err: &imageprocessor.UnsupportedFormatError{Format: "png", Reason: "too big"}}
	uc := NewPredictionUseCase(pre, &stubEngine{ready: true}, zap.NewNop(), Options{Metrics: metrics})

	if _, err := uc.Predict(context.Background(), "req", []byte("x")); err == nil {
		t.Fatal("expected error")
	}
	if len(metrics.failures) != 1 || metrics.failures[0] != StageUnsupportedFormat {
		t.Fatalf("unexpected failures: %v", metrics.failures)
	}
}

func TestPredictWrapsInferenceFailure(t *testing.T) {
	infErr := &inference.InferenceError{Err: errors.New("onnx run failed")}
	uc := NewPredictionUseCase(&stubPreprocessor{}, &stubEngine{ready: true, err: infErr}, zap.NewNop(), Options{})

	_, err := uc.Predict(context.Background(), "req-4", []byte("image"))
	var got *inference.InferenceError
	if !errors.As(err, &got) {
		t.Fatalf("expected InferenceError, got %v", err)
	}
	if op, _ := logging.OperationOf(err); op != "usecase.infer" {
		t.Fatalf("unexpected operation: %s", op)
	}
}

func TestPredictCacheHitSkipsPipeline(t *testing.T) {
	cache := newStubCache()
	pre := &stubPreprocessor{}
	engine := &stubEngine{ready: true, result: inference.Result{DaysRemaining: 1.5}}
	metrics := &recordingMetrics{}
	uc := NewPredictionUseCase(pre, engine, zap.NewNop(), Options{
		Cache:        cache,
		CacheTTL:     time.Minute,
		ModelVersion: "abc",
		Metrics:      metrics,
	})

	first, err := uc.Predict(context.Background(), "req-a", []byte("same bytes"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	second, err := uc.Predict(context.Background(), "req-b", []byte("same bytes"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if first.DaysRemaining != second.DaysRemaining {
		t.Fatalf("cached result differs: %v vs %v", first.DaysRemaining, second.DaysRemaining)
	}
	if first.Cached || !second.Cached {
		t.Fatalf("unexpected cached flags: %v %v", first.Cached, second.Cached)
	}
	if pre.calls != 1 || engine.callCount() != 1 {
		t.Fatalf("expected one pipeline run, preprocess=%d engine=%d", pre.calls, engine.callCount())
	}
	if len(cache.setKeys) != 1 || cache.ttls[0] != time.Minute {
		t.Fatalf("unexpected cache writes: %v %v", cache.setKeys, cache.ttls)
	}
	if got := cache.setKeys[0]; len(got) < len("prediction:abc:") || got[:len("prediction:abc:")] != "prediction:abc:" {
		t.Fatalf("cache key not scoped to model version: %s", got)
	}
}

func TestPredictClampsCachedValue(t *testing.T) {
	cache := newStubCache()
	engine := &stubEngine{ready: true}
	uc := NewPredictionUseCase(&stubPreprocessor{}, engine, zap.NewNop(), Options{Cache: cache, ModelVersion: "v"})
	cache.values[uc.cacheKey([]byte("img"))] = "12.5"

	p, err := uc.Predict(context.Background(), "req", []byte("img"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if p.DaysRemaining != inference.MaxDays {
		t.Fatalf("expected clamped cache value, got %v", p.DaysRemaining)
	}
}

func TestPredictIgnoresCacheErrors(t *testing.T) {
	cache := newStubCache()
	cache.getErr = errors.New("connection refused")
	cache.setErr = errors.New("connection refused")
	engine := &stubEngine{ready: true, result: inference.Result{DaysRemaining: 2}}
	uc := NewPredictionUseCase(&stubPreprocessor{}, engine, zap.NewNop(), Options{Cache: cache})

	p, err := uc.Predict(context.Background(), "req", []byte("img"))
	if err != nil {
		t.Fatalf("cache outage must not fail predictions: %v", err)
	}
	if p.DaysRemaining != 2 || engine.callCount() != 1 {
		t.Fatalf("unexpected result %+v calls %d", p, engine.callCount())
	}
}

func TestPredictTimesOut(t *testing.T) {
	engine := &stubEngine{ready: true, delay: 200 * time.Millisecond, result: inference.Result{DaysRemaining: 1}}
	metrics := &recordingMetrics{}
	uc := NewPredictionUseCase(&stubPreprocessor{}, engine, zap.NewNop(), Options{Timeout: 20 * time.Millisecond, Metrics: metrics})

	_, err := uc.Predict(context.Background(), "req-slow", []byte("img"))
	if !errors.Is(err, ErrPredictionTimeout) {
		t.Fatalf("expected ErrPredictionTimeout, got %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.failures) != 1 || metrics.failures[0] != StageTimeout {
		t.Fatalf("unexpected failures: %v", metrics.failures)
	}
}

func TestPredictIgnoresCallerCancellation(t *testing.T) {
	engine := &stubEngine{ready: true, delay: 30 * time.Millisecond, result: inference.Result{DaysRemaining: 4}}
	uc := NewPredictionUseCase(&stubPreprocessor{}, engine, zap.NewNop(), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, err := uc.Predict(ctx, "req-gone", []byte("img"))
	if err != nil {
		t.Fatalf("cancelled caller must not abort inference: %v", err)
	}
	if p.DaysRemaining != 4 {
		t.Fatalf("unexpected result: %+v", p)
	}
}
