package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
)

// ImagePrediction is the response for an uploaded image.
type ImagePrediction struct {
	Label         dataset.Label             `json:"label"`
	Description   string                    `json:"description"`
	Confidence    float32                   `json:"confidence"`
	Probabilities map[dataset.Label]float32 `json:"probabilities"`
	LatencyMS     int64                     `json:"latency_ms"`
}

// HandlePredictImage runs the preprocessing pipeline on an uploaded image and returns
// the most likely class.
func (h *Handler) HandlePredictImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		h.writeError(w, "Failed to parse form: "+err.Error(), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, "No image file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	tensor, err := h.pipeline.RunBytes(raw)
	if err != nil {
		h.writeError(w, "Failed to preprocess image: "+err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	scores, err := h.endpoint.Invoke(r.Context(), tensor)
	if err != nil {
		h.writeError(w, "Prediction failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if len(scores) != len(h.labels) {
		h.writeError(w, "Model returned an unexpected number of classes", http.StatusInternalServerError)
		return
	}

	probs := inference.Softmax(scores)
	idx, confidence := inference.Argmax(probs)
	resp := ImagePrediction{
		Label:         h.labels[idx],
		Description:   h.labels[idx].Description(),
		Confidence:    confidence,
		Probabilities: make(map[dataset.Label]float32, len(probs)),
		LatencyMS:     time.Since(start).Milliseconds(),
	}
	for i, p := range probs {
		resp.Probabilities[h.labels[i]] = p
	}

	slog.Info("Image classified", "filename", header.Filename, "label", resp.Label, "confidence", confidence)
	h.writeJSON(w, http.StatusOK, resp)
}
