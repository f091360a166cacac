package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/documentcoordinator/internal/lock"
	"github.com/Lllllllleong/documentcoordinator/internal/models"
	"github.com/Lllllllleong/documentcoordinator/internal/services"
)

var (
	resumerInstance *services.ResumerFunction
	once            sync.Once
	initErr         error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.HTTP("ResumeDocument", handleResumeDocument)
}

func main() {}

// handleResumeDocument is called by the review workflow with an approved payload.
func handleResumeDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		resumerInstance, initErr = services.NewResumer(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical: Resumer initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}

	res, err := resumerInstance.Process(r.Context(), &req)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("Failed to write response", "error", err, "documentId", req.DocumentID)
		http.Error(w, "Internal Server Error: failed to encode response", http.StatusInternalServerError)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lock.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrNotReopenable):
		return http.StatusConflict
	case services.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
