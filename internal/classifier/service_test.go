package classifier_test

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/mri-api/internal/classifier"
	"github.com/Brownie44l1/mri-api/internal/model"
	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

// fakePredictor scores an image by its mean channel value.
type fakePredictor struct {
	calls    atomic.Int32
	err      error
	lastGrid preprocess.Grid
}

func (f *fakePredictor) Predict(_ context.Context, grid preprocess.Grid) (model.Prediction, error) {
	f.calls.Add(1)
	f.lastGrid = grid
	if f.err != nil {
		return model.Prediction{}, f.err
	}
	var sum float32
	for _, v := range grid.Data {
		sum += v
	}
	mean := sum / float32(len(grid.Data)) / 255
	return model.Prediction{Class: "notumor", Confidence: 1 - mean}, nil
}

func (f *fakePredictor) Info() model.Metadata {
	return model.Metadata{Name: "fake", ImageSize: 256, Classes: model.ClassNames[:]}
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNewService(t *testing.T) {
	_, err := classifier.NewService(nil, classifier.Config{})
	assert.Error(t, err)

	svc, err := classifier.NewService(&fakePredictor{}, classifier.Config{})
	require.NoError(t, err)
	assert.Equal(t, 256, svc.ImageSize())
	assert.Equal(t, "fake", svc.Info().Name)
}

func TestClassify_PassesResizedGrid(t *testing.T) {
	fp := &fakePredictor{}
	svc, err := classifier.NewService(fp, classifier.Config{ImageSize: 256})
	require.NoError(t, err)

	pred, err := svc.Classify(context.Background(), pngBytes(t, 256, 256, color.Black))
	require.NoError(t, err)

	assert.Equal(t, "notumor", pred.Class)
	assert.Equal(t, float32(1), pred.Confidence)
	assert.Equal(t, [3]int{256, 256, 3}, fp.lastGrid.Shape())
	for _, v := range fp.lastGrid.Data {
		require.Zero(t, v)
	}
}

func TestClassify_Errors(t *testing.T) {
	inferErr := errors.New("shape mismatch")

	tests := []struct {
		name    string
		data    []byte
		predErr error
		check   func(t *testing.T, err error)
	}{
		{
			name:  "empty",
			data:  nil,
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, classifier.ErrEmpty) },
		},
		{
			name:  "too large",
			data:  bytes.Repeat([]byte{0xff}, 2048),
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, classifier.ErrTooLarge) },
		},
		{
			name: "not an image",
			data: []byte("hello, I am a text file"),
			check: func(t *testing.T, err error) {
				var decErr *preprocess.DecodeError
				assert.ErrorAs(t, err, &decErr)
			},
		},
		{
			name:  "too many pixels",
			data:  pngBytes(t, 8, 8, color.White),
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, preprocess.ErrTooManyPixels) },
		},
		{
			name:    "inference failure",
			data:    pngBytes(t, 4, 4, color.White),
			predErr: inferErr,
			check:   func(t *testing.T, err error) { assert.ErrorIs(t, err, inferErr) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := classifier.NewService(&fakePredictor{err: tt.predErr}, classifier.Config{
				ImageSize:     16,
				MaxImageBytes: 1024,
				MaxPixels:     32,
			})
			require.NoError(t, err)

			_, err = svc.Classify(context.Background(), tt.data)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClassify_CacheServesRepeatUploads(t *testing.T) {
	fp := &fakePredictor{}
	svc, err := classifier.NewService(fp, classifier.Config{ImageSize: 32, CacheSize: 4})
	require.NoError(t, err)

	data := pngBytes(t, 20, 20, color.Gray{Y: 100})

	first, err := svc.Classify(context.Background(), data)
	require.NoError(t, err)
	second, err := svc.Classify(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), fp.calls.Load())

	_, err = svc.Classify(context.Background(), pngBytes(t, 20, 20, color.Gray{Y: 10}))
	require.NoError(t, err)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestClassify_NoCacheRunsEveryTime(t *testing.T) {
	fp := &fakePredictor{}
	svc, err := classifier.NewService(fp, classifier.Config{ImageSize: 32})
	require.NoError(t, err)

	data := pngBytes(t, 20, 20, color.White)
	first, err := svc.Classify(context.Background(), data)
	require.NoError(t, err)
	second, err := svc.Classify(context.Background(), data)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), fp.calls.Load())
}

func TestClassifyGrid(t *testing.T) {
	fp := &fakePredictor{}
	svc, err := classifier.NewService(fp, classifier.Config{ImageSize: 2})
	require.NoError(t, err)

	grid, err := preprocess.NewGrid(2, 2, 3, make([]float32, 12))
	require.NoError(t, err)
	_, err = svc.ClassifyGrid(context.Background(), grid)
	require.NoError(t, err)

	wrong, err := preprocess.NewGrid(1, 4, 3, make([]float32, 12))
	require.NoError(t, err)
	_, err = svc.ClassifyGrid(context.Background(), wrong)
	assert.ErrorIs(t, err, preprocess.ErrShape)
}
