package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/freshness/internal/auth"
	"github.com/example/freshness/internal/config"
	"github.com/example/freshness/internal/grpchealth"
	"github.com/example/freshness/internal/handlers"
	"github.com/example/freshness/internal/imageprocessor"
	"github.com/example/freshness/internal/inference"
	"github.com/example/freshness/internal/logging"
	"github.com/example/freshness/internal/metrics"
	"github.com/example/freshness/internal/model"
	"github.com/example/freshness/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "freshness:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	preprocessor := imageprocessor.New(imageprocessor.Options{
		Layout:        cfg.InputLayout,
		Normalization: cfg.Normalization,
	})

	handle := model.Load(cfg.ModelPath, model.NewONNXOpener(model.ONNXConfig{
		SharedLibraryPath: cfg.ONNXRuntimeLib,
		InputName:         cfg.ModelInputName,
		OutputName:        cfg.ModelOutputName,
		InputShape:        preprocessor.Shape(),
	}), model.LoadOptions{DemoMode: cfg.DemoMode, Logger: logger})

	collectors := metrics.New()
	collectors.SetModelReady(handle.Ready())

	engine := inference.NewEngine(handle, logger)

	var cache usecase.Cache
	if cfg.RedisAddr != "" {
		redisClient := initRedis(cfg.RedisAddr, logger)
		if redisClient != nil {
			defer redisClient.Close()
			cache = usecase.NewRedisCache(redisClient)
		}
	}

	uc := usecase.NewPredictionUseCase(preprocessor, engine, logger, usecase.Options{
		Cache:        cache,
		CacheTTL:     cfg.CacheTTL,
		ModelVersion: handle.Digest(),
		Demo:         handle.Demo(),
		Timeout:      cfg.PredictTimeout,
		Metrics:      collectors,
	})

	if cfg.AllowAllOrigins() {
		logger.Warn("CORS allows every origin")
	}

	gin.SetMode(gin.ReleaseMode)
	r := newRouter(cfg, uc, handle, collectors, logger)

	var grpcServer *grpchealth.Server
	if cfg.GRPCAddr != "" {
		if grpcServer, err = startGRPCHealth(cfg.GRPCAddr, handle, logger); err != nil {
			_ = handle.Close()
			return err
		}
	}

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if grpcServer != nil {
		server.RegisterOnShutdown(grpcServer.Shutdown)
	}

	logger.Info("Freshness API listening",
		zap.String("addr", addr),
		zap.Bool("model_loaded", handle.Ready()),
		zap.Bool("demo_mode", handle.Demo()),
		zap.NamedError("model_error", handle.Err()),
	)
	serveErr := serveHTTPServer(server, cfg.ShutdownTimeout, logger)

	if grpcServer != nil {
		grpcServer.Stop()
	}
	if err := handle.Close(); err != nil {
		logger.Warn("failed to release model", zap.Error(err))
	}
	if err := model.ShutdownRuntime(); err != nil {
		logger.Warn("failed to shut down onnx runtime", zap.Error(err))
	}
	if serveErr != nil {
		logger.Error("server failed", zap.Error(serveErr))
		return serveErr
	}
	return nil
}

func newRouter(cfg *config.Config, svc handlers.PredictionService, status handlers.ModelStatus, collectors *metrics.Collectors, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.MaxMultipartMemory = cfg.MaxUploadBytes
	r.Use(gin.Recovery(), handlers.RequestID(), handlers.AccessLog(logger), collectors.Middleware(), handlers.CORS(cfg.CORSOrigins))

	guard := auth.NewGuard(cfg.APIKey)
	if guard.Open() {
		logger.Warn("API_KEY is not set; /predict accepts unauthenticated requests")
	}
	authMiddleware := auth.APIKeyMiddleware(guard)
	handlers.RegisterRoutes(r, svc, status, authMiddleware, handlers.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
		Metrics:        collectors.Handler(),
	})
	return r
}

// initRedis returns nil when the cache is unreachable; predictions still work without it.
func initRedis(addr string, zapLogger *zap.Logger) *redis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := usecase.DialRedis(ctx, addr)
	if err != nil {
		zapLogger.Warn("redis unavailable, prediction cache disabled", zap.String("addr", addr), zap.Error(err))
		return nil
	}
	zapLogger.Info("prediction cache enabled", zap.String("addr", addr))
	return client
}

func startGRPCHealth(addr string, status grpchealth.Readiness, logger *zap.Logger) (*grpchealth.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen for grpc health on %s: %w", addr, err)
	}
	srv := grpchealth.New(status, logger)
	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc health server stopped", zap.Error(err))
		}
	}()
	return srv, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
