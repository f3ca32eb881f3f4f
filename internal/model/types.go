package model

// ClassNames is the fixed label set, indexed by model output position.
var ClassNames = [...]string{"glioma", "meningioma", "notumor", "pituitary"}

// Output activations a model may declare.
const (
	OutputProbabilities = "probabilities"
	OutputLogits        = "logits"
)

// Input tensor layouts a model may declare.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// Metadata is the JSON sidecar exported next to the ONNX artifact.
type Metadata struct {
	Name          string        `json:"name"`
	InputName     string        `json:"input_name"`
	OutputName    string        `json:"output_name"`
	InputShape    []int64       `json:"input_shape"`
	OutputShape   []int64       `json:"output_shape"`
	Classes       []string      `json:"classes"`
	ImageSize     int           `json:"image_size"`
	Output        string        `json:"output"`
	Preprocessing Preprocessing `json:"preprocessing"`
}

// Preprocessing records the pixel contract the model was exported against.
type Preprocessing struct {
	Version int     `json:"version"`
	Layout  string  `json:"layout"`
	Color   string  `json:"color"`
	Scale   float32 `json:"scale"`
}

// Prediction is the top class for one image.
type Prediction struct {
	Class      string
	Confidence float32
	Scores     map[string]float32
}
