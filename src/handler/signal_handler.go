package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	logger "github.com/sirupsen/logrus"

	"signalrelay/src/model"
	"signalrelay/src/repository"
)

type signalReader interface {
	FindByJobID(ctx context.Context, jobID string) (*model.Signal, error)
	FindAttemptsBySignal(ctx context.Context, signalID uint) ([]model.ExecutionAttempt, error)
}

type signalStatusResponse struct {
	Signal   *model.Signal            `json:"signal"`
	Attempts []model.ExecutionAttempt `json:"attempts"`
}

// SignalStatusHandler returns the status endpoint for one accepted signal,
// keyed by the job ID handed out at intake.
func SignalStatusHandler(repo signalReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")

		sig, err := repo.FindByJobID(r.Context(), jobID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "signal lookup failed")
			return
		}
		if sig == nil {
			writeError(w, http.StatusNotFound, "unknown_job", "no signal for this job id")
			return
		}

		attempts, err := repo.FindAttemptsBySignal(r.Context(), sig.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "attempt lookup failed")
			return
		}
		if attempts == nil {
			attempts = []model.ExecutionAttempt{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(signalStatusResponse{Signal: sig, Attempts: attempts}); err != nil {
			logger.WithError(err).Error("Failed to encode signal status response")
		}
	}
}

// DefaultSignalStatusHandler wires the handler to the production repository.
func DefaultSignalStatusHandler() http.HandlerFunc {
	return SignalStatusHandler(repository.NewSignalRepository())
}
