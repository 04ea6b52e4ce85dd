// Package handlers serves a model over HTTP using the KServe v1 JSON contract.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/lehigh-university-libraries/dermtune/internal/dataset"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
)

// maxUploadSize bounds multipart image uploads.
const maxUploadSize = 10 << 20

type Handler struct {
	endpoint  inference.Endpoint
	pipeline  inference.Pipeline
	modelName string
	labels    []dataset.Label
}

func New(endpoint inference.Endpoint, pipeline inference.Pipeline, modelName string) *Handler {
	return &Handler{
		endpoint:  endpoint,
		pipeline:  pipeline,
		modelName: modelName,
		labels:    dataset.Labels,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /healthcheck", h.HandleHealth)
	mux.HandleFunc("POST /v1/models/{model}", h.HandlePredict)
	mux.HandleFunc("POST /predict/image", h.HandlePredictImage)
	return enableCORS(mux)
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "model": h.modelName})
}

// Response helpers
func (h *Handler) writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Unable to encode JSON response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, message string, code int) {
	slog.Error(message, "code", code)
	h.writeJSON(w, code, map[string]string{"error": message})
}

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
