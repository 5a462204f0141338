package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/freshness/internal/config"
	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/inference"
	"github.com/example/freshness/internal/metrics"
	"github.com/example/freshness/internal/model"
	"github.com/example/freshness/internal/usecase"
)

// blockingRegressor holds the first forward pass until released.
type blockingRegressor struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRegressor) Run([]float32) (float32, error) {
	select {
	case <-r.started:
	default:
		close(r.started)
	}
	<-r.release
	return 2.5, nil
}

func (r *blockingRegressor) Close() error { return nil }

func newIntegrationRouter(t *testing.T, reg model.Regressor) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.FromEnv(func(key string) string {
		if key == "API_KEY" {
			return "integration-secret"
		}
		return ""
	})
	if err != nil {
		t.Fatalf("failed to build config: %v", err)
	}

	handle := model.NewReadyHandle("model.onnx", "digest", reg)
	uc := usecase.NewPredictionUseCase(
		imageprocessor.New(imageprocessor.Options{}),
		inference.NewEngine(handle, zap.NewNop()),
		zap.NewNop(),
		usecase.Options{Timeout: cfg.PredictTimeout},
	)
	return newRouter(cfg, uc, handle, metrics.New(), zap.NewNop())
}

func predictBody(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.RGBA{R: 10, G: 150, B: 20, A: 255})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", "apple.png")
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if err := png.Encode(part, img); err != nil {
		t.Fatalf("failed to encode png: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestServerGracefulShutdown(t *testing.T) {
	logger := zap.NewNop()

	reg := &blockingRegressor{started: make(chan struct{}), release: make(chan struct{})}
	defer func() {
		select {
		case <-reg.release:
		default:
			close(reg.release)
		}
	}()

	t.Log("creating listener")
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	server := &http.Server{Handler: newIntegrationRouter(t, reg)}

	signalCh := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithOptions(server, 2*time.Second, logger, listener, signalCh)
	}()

	addr := listener.Addr().String()
	t.Logf("listening on %s", addr)
	waitForServer(t, addr)

	body, contentType := predictBody(t)
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/predict", body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-API-Key", "integration-secret")

	client := &http.Client{Timeout: 2 * time.Second}
	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		t.Log("sending request")
		resp, err := client.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case <-reg.started:
		t.Log("prediction started")
	case <-time.After(2 * time.Second):
		t.Fatal("prediction did not start in time")
	}

	t.Log("sending signal")
	signalCh <- syscall.SIGTERM

	time.Sleep(50 * time.Millisecond)
	close(reg.release)
	t.Log("released prediction")

	select {
	case resp := <-respCh:
		t.Cleanup(func() { resp.Body.Close() })
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("unexpected status: %d body: %s", resp.StatusCode, string(raw))
		}
		var out struct {
			DaysRemaining float64 `json:"days_remaining"`
			Status        string  `json:"status"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("invalid body %s: %v", raw, err)
		}
		if out.DaysRemaining != 2.5 || out.Status != "success" {
			t.Fatalf("unexpected prediction: %+v", out)
		}
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not complete")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server did not shutdown cleanly: %v", err)
		}
		t.Log("server shutdown complete")
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after shutdown")
	}
}

func TestServerReportsListenerFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	listener.Close()

	server := &http.Server{Handler: http.NewServeMux()}
	done := make(chan error, 1)
	go func() {
		done <- serveHTTPServerWithListener(server, time.Second, zap.NewNop(), listener)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error from a closed listener")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not report the listener failure")
	}
}

func TestRunRejectsInvalidConfiguration(t *testing.T) {
	t.Setenv("PREDICT_TIMEOUT", "soon")

	err := run()
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	if !strings.Contains(err.Error(), "PREDICT_TIMEOUT") {
		t.Fatalf("error does not name the bad key: %v", err)
	}
}

func TestRouterWarnsWhenAuthIsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg, err := config.FromEnv(func(string) string { return "" })
	if err != nil {
		t.Fatalf("failed to build config: %v", err)
	}
	handle := model.NewDegradedHandle("model.onnx", os.ErrNotExist)
	uc := usecase.NewPredictionUseCase(imageprocessor.New(imageprocessor.Options{}),
		inference.NewEngine(handle, zap.NewNop()), zap.NewNop(), usecase.Options{})

	core, logs := observer.New(zapcore.WarnLevel)
	newRouter(cfg, uc, handle, metrics.New(), zap.New(core))
	if logs.FilterMessageSnippet("API_KEY is not set").Len() != 1 {
		t.Fatalf("expected an open-auth warning, got %v", logs.All())
	}

	cfg.APIKey = "secret"
	core, logs = observer.New(zapcore.WarnLevel)
	newRouter(cfg, uc, handle, metrics.New(), zap.New(core))
	if logs.Len() != 0 {
		t.Fatalf("unexpected warnings with a configured key: %v", logs.All())
	}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server %s did not become ready", addr)
}
