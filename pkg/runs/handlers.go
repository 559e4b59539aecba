package runs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/edusync/assessment-sync/pkg/checkpoint"
)

// GetRunHandler handles GET /api/sync/v1/runs/{runId}
func GetRunHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")
		if runID == "" {
			writeError(w, http.StatusBadRequest, "missing run ID")
			return
		}

		report, err := store.Get(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get run: %v", err))
			return
		}
		if report == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %q not found", runID))
			return
		}

		writeJSON(w, http.StatusOK, report)
	}
}

// ListRunsHandler handles GET /api/sync/v1/runs
// Query params: syncKey, status, pageSize, pageToken
func ListRunsHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := ListFilter{
			SyncKey: r.URL.Query().Get("syncKey"),
			Status:  r.URL.Query().Get("status"),
		}

		pageSize := 20
		if ps := r.URL.Query().Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}
		pageToken := r.URL.Query().Get("pageToken")

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, pageToken)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list runs: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"runs":          records,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// checkpointResponse omits the deferred records themselves, which can be
// large and carry personal data.
type checkpointResponse struct {
	SyncKey            string `json:"syncKey"`
	RunID              string `json:"runId"`
	State              string `json:"state"`
	EstablishmentsDone bool   `json:"establishmentsDone"`
	StudentsPage       int    `json:"studentsPage"`
	StudentsDone       bool   `json:"studentsDone"`
	ResponsesPage      int    `json:"responsesPage"`
	ResponsesDone      bool   `json:"responsesDone"`
	StatisticsDone     bool   `json:"statisticsDone"`
	Processed          int    `json:"processed"`
	Deferred           int    `json:"deferred"`
	LastError          string `json:"lastError,omitempty"`
	ErrorKind          string `json:"errorKind,omitempty"`
	NeedsOperator      bool   `json:"needsOperator"`
	StartedAt          string `json:"startedAt"`
	UpdatedAt          string `json:"updatedAt"`
}

// GetCheckpointHandler handles GET /api/sync/v1/checkpoints/{syncKey}
func GetCheckpointHandler(store *checkpoint.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "syncKey")
		cp, err := store.Load(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to load checkpoint: %v", err))
			return
		}
		if cp == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("no checkpoint for %q", key))
			return
		}
		writeJSON(w, http.StatusOK, checkpointResponse{
			SyncKey:            cp.SyncKey,
			RunID:              cp.RunID,
			State:              string(cp.State),
			EstablishmentsDone: cp.EstablishmentsDone,
			StudentsPage:       cp.StudentsPage,
			StudentsDone:       cp.StudentsDone,
			ResponsesPage:      cp.ResponsesPage,
			ResponsesDone:      cp.ResponsesDone,
			StatisticsDone:     cp.StatisticsDone,
			Processed:          len(cp.Processed),
			Deferred:           len(cp.Deferred),
			LastError:          cp.LastError,
			ErrorKind:          cp.ErrorKind,
			NeedsOperator:      cp.NeedsOperator(),
			StartedAt:          cp.StartedAt.Format(timeFormat),
			UpdatedAt:          cp.UpdatedAt.Format(timeFormat),
		})
	}
}

const timeFormat = time.RFC3339

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
