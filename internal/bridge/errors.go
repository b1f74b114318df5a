package bridge

import (
	"encoding/json"
	"errors"
	"net/http"

	"patchbridge/internal/backend"
	"patchbridge/internal/diffutil"
	"patchbridge/internal/job"
	"patchbridge/internal/pipeline"
	"patchbridge/internal/sandbox"
	"patchbridge/internal/session"
)

// errorBody is the wire shape of every error response. Kind is stable
// and machine-readable; clients key their retry logic off it.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	PatchID string `json:"patch_id,omitempty"`
}

// Error kinds. session_not_found must stay distinguishable: the
// client's recreate-and-retry path depends on it.
const (
	KindInvalidWorkspace   = "invalid_workspace"
	KindSessionNotFound    = "session_not_found"
	KindJobNotFound        = "job_not_found"
	KindPendingPatchExists = "pending_patch_exists"
	KindPromoteConflict    = "promote_conflict"
	KindApplyFailed        = "apply_failed"
	KindBackendFault       = "backend_fault"
	KindQueueFull          = "queue_full"
	KindBadRequest         = "bad_request"
	KindUnauthorized       = "unauthorized"
	KindInternal           = "internal"
)

// classify maps component errors onto wire kinds and HTTP statuses.
func classify(err error) (status int, kind string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, KindSessionNotFound
	case errors.Is(err, job.ErrNotFound):
		return http.StatusNotFound, KindJobNotFound
	case errors.Is(err, session.ErrInvalidWorkspace):
		return http.StatusBadRequest, KindInvalidWorkspace
	case errors.Is(err, pipeline.ErrPendingExists):
		return http.StatusConflict, KindPendingPatchExists
	case errors.Is(err, sandbox.ErrPromoteBusy):
		return http.StatusConflict, KindPromoteConflict
	case errors.Is(err, diffutil.ErrApply):
		return http.StatusConflict, KindApplyFailed
	case errors.Is(err, backend.ErrFault):
		return http.StatusBadGateway, KindBackendFault
	case errors.Is(err, job.ErrQueueFull):
		return http.StatusTooManyRequests, KindQueueFull
	default:
		return http.StatusInternalServerError, KindInternal
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}

func writeErrorKind(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
