package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/dermtune/internal/handlers"
	"github.com/lehigh-university-libraries/dermtune/internal/inference"
	"github.com/lehigh-university-libraries/dermtune/internal/pipeline"
)

func newServeCmd(a *app) *cobra.Command {
	var port string
	var modelName string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a model over the KServe v1 HTTP protocol",
		Long: `Starts an HTTP model server for a local ONNX export (or any non-vertex
endpoint) using the same preprocessing as predict.

Routes:
  GET  /health                      liveness
  POST /v1/models/<name>:predict    {"instances": [CHW arrays]}
  POST /predict/image               multipart form with an "image" file`,
		Example: `  # Serve an exported model on port 8080
  dermtune serve --endpoint onnx --onnx-model ./model.onnx

  # Then point predict at it
  dermtune predict --endpoint http --endpoint-url http://localhost:8080/v1/models/dermtune:predict`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Endpoint.Kind == "vertex" {
				return fmt.Errorf("serve needs a local endpoint, set --endpoint onnx, http or gemini")
			}
			endpoint, err := pipeline.NewEndpoint(a.cfg)
			if err != nil {
				return err
			}
			if c, ok := endpoint.(io.Closer); ok {
				defer c.Close()
			}

			handler := handlers.New(endpoint, inference.DefaultPipeline(a.cfg.ImageSize), modelName)

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           handler.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Model server listening", "addr", addr, "model", modelName, "endpoint", a.cfg.Endpoint.Kind)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-cmd.Context().Done():
				slog.Info("Shutting down server...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8080", "Port to listen on")
	cmd.Flags().StringVar(&modelName, "model-name", "dermtune", "Model name in the predict route")
	addEndpointFlags(cmd)

	return cmd
}
