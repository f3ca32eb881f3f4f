// Package classifier runs uploaded images through preprocessing and the
// loaded model.
package classifier

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

var (
	// ErrEmpty reports an upload with no bytes.
	ErrEmpty = errors.New("image data is empty")
	// ErrTooLarge reports an upload above the configured limit.
	ErrTooLarge = errors.New("image exceeds upload limit")
)

// Predictor is a loaded model. Defined here, where it is consumed, so tests
// can substitute a fake.
type Predictor interface {
	Predict(ctx context.Context, grid preprocess.Grid) (model.Prediction, error)
	Info() model.Metadata
}

// Config tunes a Service.
type Config struct {
	ImageSize int
	// MaxImageBytes rejects larger uploads. Zero disables the check.
	MaxImageBytes int64
	// MaxPixels caps the width*height an upload may declare. Zero uses
	// preprocess.DefaultMaxPixels.
	MaxPixels int
	// CacheSize is the number of predictions kept by image digest. Zero
	// disables caching.
	CacheSize int
}

// Service classifies raw image bytes.
type Service struct {
	predictor Predictor
	cfg       Config
	cache     *lru.Cache[[sha256.Size]byte, model.Prediction]
}

// NewService wires a predictor into a Service.
func NewService(p Predictor, cfg Config) (*Service, error) {
	if p == nil {
		return nil, errors.New("classifier: nil predictor")
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = p.Info().ImageSize
	}
	if cfg.ImageSize <= 0 {
		return nil, fmt.Errorf("classifier: image size must be positive, got %d", cfg.ImageSize)
	}

	s := &Service{predictor: p, cfg: cfg}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[[sha256.Size]byte, model.Prediction](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("classifier: create cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Classify decodes data, resizes it and runs one forward pass.
func (s *Service) Classify(ctx context.Context, data []byte) (model.Prediction, error) {
	if len(data) == 0 {
		return model.Prediction{}, ErrEmpty
	}
	if s.cfg.MaxImageBytes > 0 && int64(len(data)) > s.cfg.MaxImageBytes {
		return model.Prediction{}, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), s.cfg.MaxImageBytes)
	}

	var key [sha256.Size]byte
	if s.cache != nil {
		key = sha256.Sum256(data)
		if pred, ok := s.cache.Get(key); ok {
			slog.Debug("prediction cache hit", "class", pred.Class)
			return pred, nil
		}
	}

	grid, err := preprocess.LoadLimit(data, s.cfg.ImageSize, s.cfg.MaxPixels)
	if err != nil {
		return model.Prediction{}, err
	}

	pred, err := s.predictor.Predict(ctx, grid)
	if err != nil {
		return model.Prediction{}, err
	}

	if s.cache != nil {
		s.cache.Add(key, pred)
	}
	return pred, nil
}

// ClassifyGrid runs a forward pass over an already preprocessed grid.
func (s *Service) ClassifyGrid(ctx context.Context, grid preprocess.Grid) (model.Prediction, error) {
	want := [3]int{s.cfg.ImageSize, s.cfg.ImageSize, preprocess.Channels}
	if grid.Shape() != want {
		return model.Prediction{}, fmt.Errorf("%w: got %v, want %v", preprocess.ErrShape, grid.Shape(), want)
	}
	return s.predictor.Predict(ctx, grid)
}

// ImageSize is the square edge every upload is resized to.
func (s *Service) ImageSize() int {
	return s.cfg.ImageSize
}

// Info describes the loaded model.
func (s *Service) Info() model.Metadata {
	return s.predictor.Info()
}
