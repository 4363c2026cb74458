package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/oakmere/hearth-core/internal/entity"
	"github.com/oakmere/hearth-core/internal/hub"
)

// handleListEntities returns all cached entity views, optionally filtered by
// domain via the ?domain= query parameter.
func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	views := s.cache.Views()

	if domain := r.URL.Query().Get("domain"); domain != "" {
		filtered := views[:0]
		for _, v := range views {
			if v.Domain() == domain {
				filtered = append(filtered, v)
			}
		}
		views = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entities": views,
		"count":    len(views),
	})
}

// handleGetEntity returns the merged view for one entity id.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := chi.URLParam(r, "id")

	view, err := s.cache.Get(entityID)
	if err != nil {
		if errors.Is(err, entity.ErrEntityNotFound) {
			writeNotFound(w, "entity not found: "+entityID)
			return
		}
		writeInternalError(w, "failed to read entity")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleEntityHistory returns recorded state changes for one entity,
// newest first. Returns 404 when the history store is disabled.
func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, ErrCodeHistoryUnavailable, "state history is not enabled")
		return
	}

	entityID := chi.URLParam(r, "id")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := s.history.History(r.Context(), entityID, limit)
	if err != nil {
		s.logger.Error("history query failed", "entity_id", entityID, "error", err)
		writeInternalError(w, "failed to query history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id": entityID,
		"entries":   entries,
		"count":     len(entries),
	})
}

// handleSearch runs the tiered entity search over the cache.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeBadRequest(w, "q query parameter is required")
		return
	}
	domain := r.URL.Query().Get("domain")

	results := s.cache.Search(query, domain)

	writeJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"results": results,
		"count":   len(results),
	})
}

// callServiceRequest is the request body for POST /services/{domain}/{service}.
type callServiceRequest struct {
	EntityID string         `json:"entity_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Wait     bool           `json:"wait,omitempty"`
}

// handleCallService relays a service invocation to the hub.
//
// Status mapping:
//   - 200: confirmed (or sent, in fire-and-forget mode)
//   - 400: malformed request or invalid domain/service
//   - 502: hub explicitly reported the call as failed
//   - 503: hub connection is down
//   - 504: no confirmation arrived before the timeout
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	var req callServiceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "invalid JSON body")
			return
		}
	}

	call := hub.ServiceCall{
		Domain:   chi.URLParam(r, "domain"),
		Service:  chi.URLParam(r, "service"),
		EntityID: req.EntityID,
		Data:     req.Data,
		Wait:     req.Wait,
	}

	outcome, err := s.hub.CallService(r.Context(), call)
	if err != nil {
		switch {
		case errors.Is(err, hub.ErrInvalidService):
			writeBadRequest(w, err.Error())
		case errors.Is(err, hub.ErrNotConnected), errors.Is(err, hub.ErrCallCancelled):
			writeError(w, http.StatusServiceUnavailable, ErrCodeHubUnavailable, "hub connection is not available")
		case errors.Is(err, hub.ErrCallFailed):
			msg := outcome.Message
			if msg == "" {
				msg = "hub rejected the service call"
			}
			writeError(w, http.StatusBadGateway, ErrCodeHubRejected, msg)
		case errors.Is(err, hub.ErrCallUnconfirmed):
			writeError(w, http.StatusGatewayTimeout, ErrCodeCallUnconfirmed, "service call was not confirmed before the timeout")
		default:
			writeInternalError(w, "service call failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}
