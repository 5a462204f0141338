package handlers

import (
	"context"
	"errors"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/inference"
	"github.com/example/freshness/internal/logging"
	"github.com/example/freshness/internal/usecase"
)

// MaxUploadSize is the default limit for one uploaded image.
const MaxUploadSize = 10 << 20

// multipartOverhead is allowed on top of the file limit for boundaries and part headers.
const multipartOverhead = 64 << 10

// DemoMessage accompanies every prediction served without a real model.
const DemoMessage = "Demo mode: this is a mock prediction. Train a model for real predictions."

// formFields are tried in order; the web client sends "file".
var formFields = []string{"file", "image"}

// PredictionService runs the prediction pipeline for one upload.
type PredictionService interface {
	Predict(ctx context.Context, requestID string, imageBytes []byte) (*usecase.Prediction, error)
}

// ModelStatus describes the loaded artifact for health reporting.
type ModelStatus interface {
	Ready() bool
	Demo() bool
	Path() string
	Digest() string
	LoadedAt() time.Time
}

// Options configures the routes.
type Options struct {
	MaxUploadBytes int64
	Logger         *zap.Logger
	// Metrics, when set, is served on GET /metrics.
	Metrics http.Handler
}

type handler struct {
	svc       PredictionService
	status    ModelStatus
	maxUpload int64
	logger    *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc PredictionService, status ModelStatus, authMiddleware gin.HandlerFunc, opts Options) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = MaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	h := &handler{
		svc:       svc,
		status:    status,
		maxUpload: opts.MaxUploadBytes,
		logger:    opts.Logger.Named("handlers"),
	}

	router.GET("/", h.root)
	router.GET("/health", h.health)
	router.POST("/predict", authMiddleware, h.predict)
	if opts.Metrics != nil {
		router.GET("/metrics", gin.WrapH(opts.Metrics))
	}
}

func (h *handler) root(c *gin.Context) {
	status, message := "healthy", "Freshness Predictor API is running"
	switch {
	case !h.status.Ready():
		status = "degraded"
		message = "Freshness Predictor API is running without a model; predictions are unavailable"
	case h.status.Demo():
		message = "Freshness Predictor API is running in demo mode"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":       status,
		"message":      message,
		"model_loaded": h.status.Ready(),
	})
}

func (h *handler) health(c *gin.Context) {
	status := "healthy"
	if !h.status.Ready() {
		status = "degraded"
	}

	body := gin.H{
		"status":       status,
		"model_loaded": h.status.Ready(),
		"model_path":   h.status.Path(),
		"demo_mode":    h.status.Demo(),
		"model_digest": h.status.Digest(),
	}
	if loadedAt := h.status.LoadedAt(); !loadedAt.IsZero() {
		body["loaded_at"] = loadedAt.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) predict(c *gin.Context) {
	requestID := RequestIDFrom(c)
	if !h.status.Ready() {
		abort(c, http.StatusServiceUnavailable, "Model not loaded")
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+multipartOverhead)

	file, err := formFile(c)
	if err != nil {
		if isTooLarge(err) {
			abort(c, http.StatusRequestEntityTooLarge, "Image exceeds the upload limit")
			return
		}
		abort(c, http.StatusBadRequest, "An image file is required in the 'file' form field")
		return
	}
	if file.Size > h.maxUpload {
		abort(c, http.StatusRequestEntityTooLarge, "Image exceeds the upload limit")
		return
	}
	if !acceptableContentType(file.Header.Get("Content-Type")) {
		abort(c, http.StatusBadRequest, "File must be an image (JPEG, PNG, etc.)")
		return
	}

	data, err := readFile(file)
	if err != nil {
		logging.WithOperation(h.logger, "handlers.read_upload", requestID).Warn("failed to read upload", zap.Error(err))
		abort(c, http.StatusBadRequest, "Unable to read uploaded image")
		return
	}

	prediction, err := h.svc.Predict(c.Request.Context(), requestID, data)
	if err != nil {
		status, detail := statusFor(err)
		if status >= http.StatusInternalServerError {
			stage, _ := logging.OperationOf(err)
			logging.WithOperation(h.logger, "handlers.predict", requestID).Error("prediction failed",
				zap.Error(err), zap.Int("status", status), zap.String("failed_operation", stage))
		}
		abort(c, status, detail)
		return
	}

	body := gin.H{
		"days_remaining": roundDays(prediction.DaysRemaining),
		"status":         "success",
		"demo_mode":      prediction.Demo,
	}
	if prediction.Demo {
		body["message"] = DemoMessage
	}
	c.JSON(http.StatusOK, body)
}

func formFile(c *gin.Context) (*multipart.FileHeader, error) {
	var firstErr error
	for _, field := range formFields {
		file, err := c.FormFile(field)
		if err == nil {
			return file, nil
		}
		if isTooLarge(err) {
			return nil, err
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func readFile(file *multipart.FileHeader) ([]byte, error) {
	src, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

// acceptableContentType lets the decoder decide when the client sent no
// specific media type.
func acceptableContentType(contentType string) bool {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	return contentType == "" ||
		strings.HasPrefix(contentType, "application/octet-stream") ||
		strings.HasPrefix(contentType, "image/")
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func statusFor(err error) (int, string) {
	var (
		decodeErr      *imageprocessor.DecodeError
		unsupportedErr *imageprocessor.UnsupportedFormatError
		inferenceErr   *inference.InferenceError
	)
	switch {
	case errors.Is(err, inference.ErrModelNotReady):
		return http.StatusServiceUnavailable, "Model not loaded"
	case errors.Is(err, usecase.ErrPredictionTimeout):
		return http.StatusGatewayTimeout, "Prediction timed out"
	case errors.As(err, &decodeErr):
		return http.StatusBadRequest, "Invalid image: the payload could not be decoded"
	case errors.As(err, &unsupportedErr):
		return http.StatusUnsupportedMediaType, "Unsupported image: " + unsupportedErr.Reason
	case errors.As(err, &inferenceErr):
		return http.StatusInternalServerError, "Inference failed"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func roundDays(days float64) float64 {
	return math.Round(days*100) / 100
}

func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
