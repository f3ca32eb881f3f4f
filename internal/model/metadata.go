package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

// ErrMetadata reports a metadata sidecar that does not describe a model this
// service can serve.
var ErrMetadata = errors.New("invalid model metadata")

// LoadMetadata reads the JSON sidecar at path.
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return metadata, nil
}

// Validate fills defaults and checks the metadata against the fixed class
// list and the preprocessing this service implements. A non-zero imageSize
// must match the model's image_size.
func (m *Metadata) Validate(imageSize int) error {
	if len(m.Classes) == 0 {
		m.Classes = slices.Clone(ClassNames[:])
	}
	if !slices.Equal(m.Classes, ClassNames[:]) {
		return fmt.Errorf("%w: classes %v, want %v", ErrMetadata, m.Classes, ClassNames)
	}

	if m.ImageSize == 0 {
		m.ImageSize = imageSize
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("%w: image_size must be positive", ErrMetadata)
	}
	if imageSize != 0 && m.ImageSize != imageSize {
		return fmt.Errorf("%w: image_size %d, service resizes to %d", ErrMetadata, m.ImageSize, imageSize)
	}

	switch m.Output {
	case "":
		m.Output = OutputProbabilities
	case OutputProbabilities, OutputLogits:
	default:
		return fmt.Errorf("%w: unknown output activation %q", ErrMetadata, m.Output)
	}

	p := &m.Preprocessing
	if p.Version != preprocess.Version {
		return fmt.Errorf("%w: model expects preprocessing v%d, service implements v%d",
			ErrMetadata, p.Version, preprocess.Version)
	}
	switch p.Layout {
	case "":
		p.Layout = LayoutNHWC
	case LayoutNHWC, LayoutNCHW:
	default:
		return fmt.Errorf("%w: unknown layout %q", ErrMetadata, p.Layout)
	}
	if p.Color != "" && p.Color != "RGB" {
		return fmt.Errorf("%w: unsupported color mode %q", ErrMetadata, p.Color)
	}
	p.Color = "RGB"
	if p.Scale == 0 {
		p.Scale = 1
	}

	if len(m.InputShape) > 0 && !shapeMatches(m.InputShape, m.batchShape()) {
		return fmt.Errorf("%w: input_shape %v does not match %v", ErrMetadata, m.InputShape, m.batchShape())
	}
	if n := len(m.OutputShape); n > 0 && m.OutputShape[n-1] != int64(len(m.Classes)) {
		return fmt.Errorf("%w: output_shape %v does not end in %d classes", ErrMetadata, m.OutputShape, len(m.Classes))
	}
	return nil
}

// batchShape is the input tensor shape for a single image.
func (m *Metadata) batchShape() []int64 {
	s := int64(m.ImageSize)
	if m.Preprocessing.Layout == LayoutNCHW {
		return []int64{1, preprocess.Channels, s, s}
	}
	return []int64{1, s, s, preprocess.Channels}
}

// shapeMatches treats non-positive declared dimensions as dynamic.
func shapeMatches(declared, want []int64) bool {
	if len(declared) != len(want) {
		return false
	}
	for i, d := range declared {
		if d > 0 && d != want[i] {
			return false
		}
	}
	return true
}

// resolveNames checks the declared tensor names against the graph, taking the
// first input and output when none are declared.
func (m *Metadata) resolveNames(inputs, outputs []ort.InputOutputInfo) error {
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("%w: model has %d inputs and %d outputs", ErrMetadata, len(inputs), len(outputs))
	}

	pick := func(declared string, infos []ort.InputOutputInfo, kind string) (string, error) {
		if declared == "" {
			return infos[0].Name, nil
		}
		for _, info := range infos {
			if info.Name == declared {
				return declared, nil
			}
		}
		return "", fmt.Errorf("%w: model has no %s named %q", ErrMetadata, kind, declared)
	}

	var err error
	if m.InputName, err = pick(m.InputName, inputs, "input"); err != nil {
		return err
	}
	if m.OutputName, err = pick(m.OutputName, outputs, "output"); err != nil {
		return err
	}
	return nil
}

// arrange lays grid out in the model's input order and applies its scale.
func (m *Metadata) arrange(grid preprocess.Grid) ([]float32, error) {
	want := [3]int{m.ImageSize, m.ImageSize, preprocess.Channels}
	if grid.Shape() != want {
		return nil, fmt.Errorf("%w: got %v, model wants %v", preprocess.ErrShape, grid.Shape(), want)
	}

	scale := m.Preprocessing.Scale
	out := make([]float32, len(grid.Data))

	if m.Preprocessing.Layout != LayoutNCHW {
		for i, v := range grid.Data {
			out[i] = v * scale
		}
		return out, nil
	}

	plane := grid.Height * grid.Width
	for p := 0; p < plane; p++ {
		for c := 0; c < grid.Channels; c++ {
			out[c*plane+p] = grid.Data[p*grid.Channels+c] * scale
		}
	}
	return out, nil
}
