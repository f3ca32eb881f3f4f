package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/mri-api/internal/classifier"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

// UploadField is the multipart field carrying the image.
const UploadField = "file"

const (
	// multipartOverhead is the slack allowed on top of the file limit for
	// boundaries and part headers.
	multipartOverhead = 1 << 20

	// rawValueBytes bounds the JSON text of one float32 plus its separator,
	// e.g. "-1.2345678e-38,".
	rawValueBytes = 24
	rawBodySlack  = 4 << 10
)

// rawBodyLimit is the largest /predict/raw body accepted for a size x size
// grid.
func rawBodyLimit(size int) int64 {
	return int64(size)*int64(size)*preprocess.Channels*rawValueBytes + rawBodySlack
}

// Classifier is the prediction service the handlers call.
type Classifier interface {
	Classify(ctx context.Context, data []byte) (model.Prediction, error)
	ClassifyGrid(ctx context.Context, grid preprocess.Grid) (model.Prediction, error)
	ImageSize() int
	Info() model.Metadata
}

type Handler struct {
	svc            Classifier
	maxUploadBytes int64
}

// NewHandler wires svc into the HTTP layer. maxUploadBytes of 0 disables the
// upload limit.
func NewHandler(svc Classifier, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		maxUploadBytes: maxUploadBytes,
	}
}

// Ping is the liveness check.
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, PingMessage)
}

// Health reports readiness along with the loaded model's contract.
func (h *Handler) Health(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	info := h.svc.Info()
	c.JSON(http.StatusOK, HealthResponse{
		Status: "healthy",
		Model: ModelInfo{
			Name:                 info.Name,
			Classes:              info.Classes,
			ImageSize:            h.svc.ImageSize(),
			PreprocessingVersion: info.Preprocessing.Version,
		},
	})
}

// Predict classifies one uploaded image.
//
// POST /predict, multipart/form-data, field "file".
// Append ?scores=true to include every class score.
func (h *Handler) Predict(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	}

	fileHeader, err := c.FormFile(UploadField)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(c, http.StatusRequestEntityTooLarge, "Image exceeds upload limit", err)
			return
		}
		h.fail(c, http.StatusBadRequest, fmt.Sprintf("No image file provided. Use '%s' as the form field name", UploadField), err)
		return
	}

	slog.Info("received file", "filename", fileHeader.Filename, "size", fileHeader.Size, "request_id", requestID(c))

	if h.maxUploadBytes > 0 && fileHeader.Size > h.maxUploadBytes {
		h.fail(c, http.StatusRequestEntityTooLarge, "Image exceeds upload limit", classifier.ErrTooLarge)
		return
	}

	data, err := readUpload(fileHeader)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "Failed to read uploaded file", err)
		return
	}

	result, err := h.svc.Classify(c.Request.Context(), data)
	if err != nil {
		h.predictionError(c, err)
		return
	}

	slog.Info("prediction",
		"class", result.Class,
		"confidence", result.Confidence,
		"request_id", requestID(c))
	slog.Debug("raw scores", "scores", result.Scores, "request_id", requestID(c))

	c.JSON(http.StatusOK, newPredictionResponse(result, c.Query("scores") == "true"))
}

// PredictRaw classifies a pixel grid sent as JSON.
//
// POST /predict/raw, body {"image": [...]} with size*size*3 HWC values.
func (h *Handler) PredictRaw(c *gin.Context) {
	size := h.svc.ImageSize()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, rawBodyLimit(size))

	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.fail(c, http.StatusRequestEntityTooLarge, "Request body exceeds limit", err)
			return
		}
		h.fail(c, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	grid, err := preprocess.NewGrid(size, size, preprocess.Channels, req.Image)
	if err != nil {
		expected := size * size * preprocess.Channels
		h.fail(c, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", expected, len(req.Image)), err)
		return
	}

	result, err := h.svc.ClassifyGrid(c.Request.Context(), grid)
	if err != nil {
		h.predictionError(c, err)
		return
	}

	c.JSON(http.StatusOK, newPredictionResponse(result, c.Query("scores") == "true"))
}

// predictionError maps classifier failures onto HTTP statuses.
func (h *Handler) predictionError(c *gin.Context, err error) {
	var decErr *preprocess.DecodeError

	switch {
	case errors.Is(err, classifier.ErrEmpty):
		h.fail(c, http.StatusBadRequest, "Uploaded file is empty", err)
	case errors.Is(err, classifier.ErrTooLarge):
		h.fail(c, http.StatusRequestEntityTooLarge, "Image exceeds upload limit", err)
	case errors.Is(err, preprocess.ErrTooManyPixels):
		h.fail(c, http.StatusRequestEntityTooLarge, "Image dimensions exceed limit", err)
	case errors.Is(err, preprocess.ErrUnsupportedFormat):
		h.fail(c, http.StatusUnsupportedMediaType, "Unsupported file type. Supported: JPEG, PNG, GIF, BMP, TIFF, WebP", err)
	case errors.As(err, &decErr):
		h.fail(c, http.StatusBadRequest, "Invalid image data", err)
	case errors.Is(err, preprocess.ErrShape) && !errors.Is(err, model.ErrInference):
		h.fail(c, http.StatusBadRequest, "Pixel grid has the wrong shape", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.fail(c, http.StatusServiceUnavailable, "Request canceled", err)
	default:
		h.fail(c, http.StatusInternalServerError, "Prediction failed", err)
	}
}

func (h *Handler) fail(c *gin.Context, status int, msg string, err error) {
	attrs := []any{"status", status, "error", err, "request_id", requestID(c)}
	if status >= http.StatusInternalServerError {
		slog.Error(msg, attrs...)
	} else {
		slog.Warn(msg, attrs...)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close upload", "error", err)
		}
	}()
	return io.ReadAll(f)
}
