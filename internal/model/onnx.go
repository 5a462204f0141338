package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXConfig describes how to bind an ONNX regression artifact.
type ONNXConfig struct {
	// SharedLibraryPath points at libonnxruntime; empty uses the runtime default.
	SharedLibraryPath string
	InputName         string
	OutputName        string
	InputShape        []int64
}

var (
	envMu          sync.Mutex
	envInitialized bool
)

func initEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()
	if envInitialized {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	envInitialized = true
	return nil
}

// ShutdownRuntime tears down the ONNX environment if it was started.
// Call it after every Handle has been closed.
func ShutdownRuntime() error {
	envMu.Lock()
	defer envMu.Unlock()
	if !envInitialized {
		return nil
	}
	envInitialized = false
	return ort.DestroyEnvironment()
}

// NewONNXOpener returns an Opener that creates an ONNX Runtime session with
// pre-bound input and output tensors. The artifact is probed with one
// forward pass so an incompatible graph fails at load time.
func NewONNXOpener(cfg ONNXConfig) Opener {
	return func(path string) (Regressor, error) {
		if err := initEnvironment(cfg.SharedLibraryPath); err != nil {
			return nil, err
		}

		inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(cfg.InputShape...))
		if err != nil {
			return nil, fmt.Errorf("failed to create input tensor: %w", err)
		}

		outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
		if err != nil {
			inputTensor.Destroy()
			return nil, fmt.Errorf("failed to create output tensor: %w", err)
		}

		session, err := ort.NewAdvancedSession(path,
			[]string{cfg.InputName}, []string{cfg.OutputName},
			[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
			nil)
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to create ONNX session: %w", err)
		}

		reg := &onnxRegressor{
			session:      session,
			inputTensor:  inputTensor,
			outputTensor: outputTensor,
		}
		if err := session.Run(); err != nil {
			reg.Close()
			return nil, fmt.Errorf("model is incompatible with input shape %v: %w", cfg.InputShape, err)
		}
		return reg, nil
	}
}

// onnxRegressor reuses its bound tensors on every Run, so concurrent calls
// would race on the input buffer.
type onnxRegressor struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (r *onnxRegressor) Run(input []float32) (float32, error) {
	dst := r.inputTensor.GetData()
	if len(input) != len(dst) {
		return 0, fmt.Errorf("expected %d input values, got %d", len(dst), len(input))
	}
	copy(dst, input)

	if err := r.session.Run(); err != nil {
		return 0, fmt.Errorf("inference failed: %w", err)
	}

	out := r.outputTensor.GetData()
	if len(out) == 0 {
		return 0, fmt.Errorf("model produced no output")
	}
	return out[0], nil
}

func (r *onnxRegressor) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.session != nil {
		keep(r.session.Destroy())
	}
	if r.inputTensor != nil {
		keep(r.inputTensor.Destroy())
	}
	if r.outputTensor != nil {
		keep(r.outputTensor.Destroy())
	}
	return firstErr
}
