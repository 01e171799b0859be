package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roamplan/roamsync/internal/domain"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorEnvelope mirrors the backend's error shape so clients see one format
// regardless of which side rejected the request.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Version int64  `json:"version,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	var syncErr *domain.SyncError
	if errors.As(err, &syncErr) {
		writeJSON(w, syncErr.HTTPStatusCode(), errorEnvelope{Error: errorBody{
			Kind:    string(syncErr.Kind),
			Message: syncErr.Message,
			Version: syncErr.Version,
		}})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Error: errorBody{
		Kind:    "internal",
		Message: err.Error(),
	}})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, domain.ErrParse("read request body").WithCause(err))
		return nil, false
	}
	return body, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.core.Connected(),
	})
}

type connectRequest struct {
	ExecutionID string `json:"execution_id,omitempty"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")
	AddLogField(r.Context(), "itinerary_id", itineraryID)

	var req connectRequest
	if body, ok := readBody(w, r); !ok {
		return
	} else if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, domain.ErrParse("decode connect request").WithCause(err))
			return
		}
	}

	if err := s.core.Connect(r.Context(), itineraryID, req.ExecutionID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.core.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// snapshotResponse is the merged document plus per-day edit status.
type snapshotResponse struct {
	Itinerary *domain.Itinerary `json:"itinerary"`
	Days      []daySyncStatus   `json:"day_status,omitempty"`
}

type daySyncStatus struct {
	DayID      string `json:"day_id"`
	Unsaved    bool   `json:"unsaved"`
	Reordering bool   `json:"reordering"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")

	snap, ok := s.core.Snapshot()
	if !ok || snap.ID != itineraryID {
		writeError(w, r, domain.ErrNotFound("no connected itinerary").WithItinerary(itineraryID))
		return
	}

	resp := snapshotResponse{Itinerary: snap}
	for _, d := range snap.Days {
		unsaved := s.core.HasUnsavedChanges(d.ID)
		reordering := s.core.IsReordering(d.ID)
		if unsaved || reordering {
			resp.Days = append(resp.Days, daySyncStatus{
				DayID:      d.ID,
				Unsaved:    unsaved,
				Reordering: reordering,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApplyChangeSet(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")
	AddLogField(r.Context(), "itinerary_id", itineraryID)

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	res, err := s.core.ApplyChangeSet(r.Context(), itineraryID, body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevisions(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")

	revs, err := s.core.ListRevisions(r.Context(), itineraryID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")

	from, err := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	if err != nil {
		writeError(w, r, domain.ErrParse("diff: invalid from version").WithCause(err))
		return
	}
	to, err := strconv.ParseInt(r.URL.Query().Get("to"), 10, 64)
	if err != nil {
		writeError(w, r, domain.ErrParse("diff: invalid to version").WithCause(err))
		return
	}

	entries, err := s.core.Diff(r.Context(), itineraryID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": entries})
}

type restoreRequest struct {
	Version int64 `json:"version"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	itineraryID := chi.URLParam(r, "itineraryID")
	AddLogField(r.Context(), "itinerary_id", itineraryID)

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req restoreRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, domain.ErrParse("decode restore request").WithCause(err))
		return
	}
	if req.Version <= 0 {
		writeError(w, r, domain.ErrParse("restore: version must be positive"))
		return
	}

	restored, err := s.core.Restore(r.Context(), itineraryID, req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"itinerary": restored})
}

type reorderRequest struct {
	OrderedIDs []string `json:"ordered_ids"`
	// DeferSave keeps the reorder local so further drags can batch before
	// one save call.
	DeferSave bool `json:"defer_save,omitempty"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	dayID := chi.URLParam(r, "dayID")
	AddLogField(r.Context(), "day_id", dayID)

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req reorderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, domain.ErrParse("decode reorder request").WithCause(err))
		return
	}
	if len(req.OrderedIDs) == 0 {
		writeError(w, r, domain.ErrParse("reorder: ordered_ids is required"))
		return
	}

	applied, err := s.core.HandleDragEnd(dayID, req.OrderedIDs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !applied {
		// A save is already in flight for this day; the drop is reported,
		// not failed, so clients can retry after the save settles.
		writeJSON(w, http.StatusAccepted, map[string]any{"applied": false})
		return
	}

	if !req.DeferSave {
		if err := s.core.SaveReorder(r.Context(), dayID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"applied": true,
		"saved":   !req.DeferSave,
	})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	dayID := chi.URLParam(r, "dayID")

	if err := s.core.DiscardChanges(dayID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}
