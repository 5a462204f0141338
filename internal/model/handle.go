package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// Regressor runs a forward pass over one input tensor and returns the
// scalar regression output. Implementations need not be safe for
// concurrent use; callers serialize access.
type Regressor interface {
	Run(input []float32) (float32, error)
	Close() error
}

// Opener turns an artifact on disk into a Regressor.
type Opener func(path string) (Regressor, error)

// ArtifactLoadError records why the model could not be loaded.
type ArtifactLoadError struct {
	Path string
	Err  error
}

func (e *ArtifactLoadError) Error() string {
	return fmt.Sprintf("load model artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error { return e.Err }

// Handle is the process-wide reference to the loaded model. It is built
// once by Load and never mutated afterwards.
type Handle struct {
	path      string
	ready     bool
	demo      bool
	digest    string
	loadedAt  time.Time
	err       error
	regressor Regressor
}

func (h *Handle) Path() string        { return h.path }
func (h *Handle) Ready() bool         { return h != nil && h.ready }
func (h *Handle) Demo() bool          { return h.demo }
func (h *Handle) Digest() string      { return h.digest }
func (h *Handle) LoadedAt() time.Time { return h.loadedAt }

// Err is the load failure, kept even when demo mode took over.
func (h *Handle) Err() error { return h.err }

// Regressor is nil unless Ready reports true.
func (h *Handle) Regressor() Regressor { return h.regressor }

// Close releases the underlying regressor.
func (h *Handle) Close() error {
	if h == nil || h.regressor == nil {
		return nil
	}
	return h.regressor.Close()
}

// NewReadyHandle wraps an already constructed regressor, for callers that
// build the model themselves.
func NewReadyHandle(path, digest string, reg Regressor) *Handle {
	return &Handle{
		path:      path,
		ready:     reg != nil,
		digest:    digest,
		loadedAt:  time.Now().UTC(),
		regressor: reg,
	}
}

// NewDegradedHandle returns a handle that refuses every prediction.
func NewDegradedHandle(path string, err error) *Handle {
	return &Handle{path: path, err: &ArtifactLoadError{Path: path, Err: err}}
}

// LoadOptions tunes Load.
type LoadOptions struct {
	// DemoMode substitutes DemoRegressor when the artifact cannot be loaded.
	DemoMode bool
	Logger   *zap.Logger
}

// Load opens the artifact at path. It never fails: a missing, corrupt or
// incompatible artifact yields a handle with Ready false and Err set.
func Load(path string, open Opener, opts LoadOptions) *Handle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("model_loader").With(zap.String("model_path", path))

	h := &Handle{path: path}

	digest, err := fileDigest(path)
	if err == nil {
		h.digest = digest
		var reg Regressor
		if reg, err = openSafely(open, path); err == nil {
			h.regressor = reg
			h.ready = true
			h.loadedAt = time.Now().UTC()
			logger.Info("model loaded", zap.String("digest", digest))
			return h
		}
	}

	h.err = &ArtifactLoadError{Path: path, Err: err}
	logger.Error("model load failed", zap.Error(h.err))

	if opts.DemoMode {
		h.regressor = DemoRegressor{}
		h.ready = true
		h.demo = true
		h.digest = "demo"
		h.loadedAt = time.Now().UTC()
		logger.Warn("serving demo predictions; results are not model output")
	}
	return h
}

func openSafely(open Opener, path string) (reg Regressor, err error) {
	if open == nil {
		return nil, fmt.Errorf("no model runtime configured")
	}
	defer func() {
		if r := recover(); r != nil {
			reg, err = nil, fmt.Errorf("model runtime panicked: %v", r)
		}
	}()
	return open(path)
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", path)
	}

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}
