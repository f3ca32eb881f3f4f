package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/mri-api/internal/classifier"
	"github.com/Brownie44l1/mri-api/internal/config"
	"github.com/Brownie44l1/mri-api/internal/handlers"
	"github.com/Brownie44l1/mri-api/internal/logging"
	"github.com/Brownie44l1/mri-api/internal/model"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logCloser := logging.Init(cfg.Log)

	err = run(cfg)
	if err != nil {
		slog.Error("server stopped", "error", err)
	}
	_ = logCloser.Close()
	if err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	modelPath := resolve(root, cfg.Model.Path)
	metadataPath := resolve(root, cfg.Model.MetadataPath)

	slog.Info("loading model", "path", modelPath, "metadata", metadataPath)

	modelServer, err := model.NewServer(model.Options{
		ModelPath:      modelPath,
		MetadataPath:   metadataPath,
		LibraryPath:    cfg.Model.LibraryPath,
		ImageSize:      cfg.Model.ImageSize,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := modelServer.Close(); err != nil {
			slog.Warn("failed to close model session", "error", err)
		}
		if err := model.DestroyRuntime(); err != nil {
			slog.Warn("failed to destroy ONNX runtime", "error", err)
		}
	}()

	svc, err := classifier.NewService(modelServer, classifier.Config{
		ImageSize:     cfg.Model.ImageSize,
		MaxImageBytes: cfg.Predict.MaxUploadBytes,
		MaxPixels:     cfg.Predict.MaxPixels,
		CacheSize:     cfg.Predict.CacheSize,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler := handlers.NewHandler(svc, cfg.Predict.MaxUploadBytes)
	router := handlers.NewRouter(handler, cfg.Server.AllowedOrigin)

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	meta := modelServer.Info()
	slog.Info("server starting",
		"addr", srv.Addr,
		"model", meta.Name,
		"classes", meta.Classes,
		"image_size", meta.ImageSize,
		"allowed_origin", cfg.Server.AllowedOrigin)
	slog.Info("endpoints",
		"ping", "GET /ping",
		"health", "GET /health",
		"predict", "POST /predict (multipart field \"file\")",
		"predict_raw", "POST /predict/raw")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

// projectRoot returns the working directory, stepping out of cmd/server when
// launched from there.
func projectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "../.."), nil
	}
	return wd, nil
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
