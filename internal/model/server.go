package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/mri-api/internal/preprocess"
)

// ErrInference wraps every failure of the forward pass.
var ErrInference = errors.New("inference failed")

// ortEnv guards the process-wide ONNX Runtime environment.
var ortEnv struct {
	once sync.Once
	err  error
}

func initORT(libPath string) error {
	ortEnv.once.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortEnv.err = ort.InitializeEnvironment()
	})
	return ortEnv.err
}

// DestroyRuntime tears down the ONNX Runtime environment. Call it once, after
// every Server has been closed.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// Options locates the model artifact and tunes the session.
type Options struct {
	ModelPath      string
	MetadataPath   string
	LibraryPath    string
	ImageSize      int
	IntraOpThreads int
}

// Server owns one loaded ONNX model. It is immutable after NewServer and safe
// for concurrent Predict calls; every call allocates its own tensors.
type Server struct {
	session    *ort.DynamicAdvancedSession
	Metadata   Metadata
	inputShape ort.Shape
}

// NewServer initializes ONNX Runtime, validates the metadata sidecar against
// the graph and opens an inference session.
func NewServer(opts Options) (*Server, error) {
	metadata, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}
	if err := metadata.Validate(opts.ImageSize); err != nil {
		return nil, err
	}

	if err := initORT(opts.LibraryPath); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model info: %w", err)
	}
	if err := metadata.resolveNames(inputs, outputs); err != nil {
		return nil, err
	}

	sessOpts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessOpts.Destroy()
	if opts.IntraOpThreads > 0 {
		if err := sessOpts.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(opts.ModelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, sessOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Server{
		session:    session,
		Metadata:   metadata,
		inputShape: ort.NewShape(metadata.batchShape()...),
	}, nil
}

// Predict runs one forward pass over grid with a batch axis of size 1.
func (s *Server) Predict(ctx context.Context, grid preprocess.Grid) (Prediction, error) {
	if err := ctx.Err(); err != nil {
		return Prediction{}, err
	}

	inputData, err := s.Metadata.arrange(grid)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %w", ErrInference, err)
	}

	inputTensor, err := ort.NewTensor(s.inputShape, inputData)
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: create input tensor: %v", ErrInference, err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(s.Metadata.Classes))))
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: create output tensor: %v", ErrInference, err)
	}
	defer outputTensor.Destroy()

	if err := s.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrInference, err)
	}

	src := outputTensor.GetData()
	probs := make([]float32, len(src))
	copy(probs, src)

	if s.Metadata.Output == OutputLogits {
		probs = Softmax(probs)
	}
	return toPrediction(probs, s.Metadata.Classes)
}

// Info returns the loaded model's metadata.
func (s *Server) Info() Metadata {
	return s.Metadata
}

// Close releases the inference session.
func (s *Server) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
