package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lehigh-university-libraries/dermtune/internal/inference"
)

const (
	maxPredictBody = 64 << 20
	// maxInstanceValues bounds one instance; a 3x1024x1024 image fits.
	maxInstanceValues = 3 * 1024 * 1024
)

// HandlePredict implements POST /v1/models/<name>:predict. Each instance is a CHW
// array of floats; the batch dimension is added here.
func (h *Handler) HandlePredict(w http.ResponseWriter, r *http.Request) {
	model, ok := strings.CutSuffix(r.PathValue("model"), ":predict")
	if !ok {
		h.writeError(w, "Unsupported verb, expected :predict", http.StatusNotFound)
		return
	}
	if h.modelName != "" && model != h.modelName {
		h.writeError(w, fmt.Sprintf("Model %q not found", model), http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPredictBody)
	var req inference.PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Instances) == 0 {
		h.writeError(w, "instances must not be empty", http.StatusBadRequest)
		return
	}

	resp := inference.PredictResponse{Predictions: make([][]float32, 0, len(req.Instances))}
	for i, instance := range req.Instances {
		tensor, err := TensorFromInstance(instance)
		if err != nil {
			h.writeError(w, fmt.Sprintf("Invalid instance %d: %v", i, err), http.StatusBadRequest)
			return
		}
		scores, err := h.endpoint.Invoke(r.Context(), tensor)
		if err != nil {
			h.writeError(w, "Prediction failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Predictions = append(resp.Predictions, scores)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// TensorFromInstance flattens a nested JSON array into a tensor with a leading batch
// dimension of 1. Ragged arrays are rejected.
func TensorFromInstance(v any) (inference.Tensor, error) {
	var shape []int64
	for cur := v; ; {
		arr, ok := cur.([]any)
		if !ok {
			break
		}
		shape = append(shape, int64(len(arr)))
		if len(arr) == 0 {
			return inference.Tensor{}, fmt.Errorf("empty dimension")
		}
		cur = arr[0]
	}
	if len(shape) == 0 {
		return inference.Tensor{}, fmt.Errorf("instance is not an array")
	}

	size := int64(1)
	for _, d := range shape {
		if d > maxInstanceValues/size {
			return inference.Tensor{}, fmt.Errorf("instance has more than %d values", maxInstanceValues)
		}
		size *= d
	}
	data := make([]float32, 0, size)
	if err := flatten(v, shape, &data); err != nil {
		return inference.Tensor{}, err
	}
	return inference.Tensor{Shape: append([]int64{1}, shape...), Data: data}, nil
}

func flatten(v any, shape []int64, out *[]float32) error {
	if len(shape) == 0 {
		f, ok := v.(float64)
		if !ok {
			return fmt.Errorf("expected number, got %T", v)
		}
		*out = append(*out, float32(f))
		return nil
	}
	arr, ok := v.([]any)
	if !ok || int64(len(arr)) != shape[0] {
		return fmt.Errorf("ragged array")
	}
	for _, item := range arr {
		if err := flatten(item, shape[1:], out); err != nil {
			return err
		}
	}
	return nil
}
