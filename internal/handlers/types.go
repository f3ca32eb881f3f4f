package handlers

import "github.com/Brownie44l1/mri-api/internal/model"

// PingMessage is the liveness reply.
const PingMessage = "Hello, I am alive"

// PredictionRequest carries a preprocessed HWC pixel grid.
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Predictions map[string]float32 `json:"predictions,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type HealthResponse struct {
	Status string    `json:"status"`
	Model  ModelInfo `json:"model"`
}

type ModelInfo struct {
	Name                 string   `json:"name,omitempty"`
	Classes              []string `json:"classes"`
	ImageSize            int      `json:"image_size"`
	PreprocessingVersion int      `json:"preprocessing_version"`
}

func newPredictionResponse(p model.Prediction, withScores bool) PredictionResponse {
	resp := PredictionResponse{Class: p.Class, Confidence: p.Confidence}
	if withScores {
		resp.Predictions = p.Scores
	}
	return resp
}
