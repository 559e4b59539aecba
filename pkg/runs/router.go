package runs

import (
	"github.com/go-chi/chi/v5"

	"github.com/edusync/assessment-sync/pkg/checkpoint"
)

// Router creates a chi.Router for the run status API, mounted under
// /api/sync/v1. A nil checkpoint store omits the checkpoint endpoint.
func Router(store *Store, checkpoints *checkpoint.Store) chi.Router {
	r := chi.NewRouter()

	r.Get("/runs", ListRunsHandler(store))
	r.Get("/runs/{runId}", GetRunHandler(store))
	if checkpoints != nil {
		r.Get("/checkpoints/{syncKey}", GetCheckpointHandler(checkpoints))
	}

	return r
}
