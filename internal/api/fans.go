package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/doubleukay/panasonic-wifan-ha/internal/engine"
	"github.com/doubleukay/panasonic-wifan-ha/internal/fan"
)

// History query limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// maxIDLen bounds device IDs in URLs; anything longer is garbage.
	maxIDLen = 128
)

// handleListFans returns all registered fans.
func (s *Server) handleListFans(w http.ResponseWriter, _ *http.Request) {
	fans := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"fans":  fans,
		"count": len(fans),
	})
}

// handleGetFan returns one fan snapshot.
func (s *Server) handleGetFan(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if deviceID == "" || len(deviceID) > maxIDLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	snap, err := s.registry.Get(deviceID)
	if err != nil {
		if errors.Is(err, fan.ErrNotFound) {
			writeNotFound(w, "fan not found")
			return
		}
		writeInternalError(w, "failed to get fan")
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleSetFanState submits a state patch for a fan.
//
// The body is a partial state document; absent fields are left alone:
//
//	{"power": true, "speed": 7}
//
// The command is validated synchronously and executed asynchronously,
// so success is 202 Accepted with the optimistic snapshot. The final
// device state arrives through WebSocket events or a later GET.
func (s *Server) handleSetFanState(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if deviceID == "" || len(deviceID) > maxIDLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	var patch fan.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	if err := s.commander.ApplyPatch(r.Context(), deviceID, patch); err != nil {
		switch {
		case errors.Is(err, fan.ErrNotFound):
			writeNotFound(w, "fan not found")
		case errors.Is(err, fan.ErrEmptyPatch),
			errors.Is(err, fan.ErrInvalidSpeed),
			errors.Is(err, fan.ErrInvalidDirection),
			errors.Is(err, engine.ErrUnsupportedCapability),
			errors.Is(err, engine.ErrValueRange):
			writeValidationError(w, err.Error())
		case errors.Is(err, engine.ErrStopped):
			writeUnavailable(w, "bridge is shutting down")
		default:
			s.logger.Error("set state failed", "device_id", deviceID, "error", err)
			writeInternalError(w, "failed to submit command")
		}
		return
	}

	// The optimistic update is already visible.
	snap, err := s.registry.Get(deviceID)
	if err != nil {
		writeInternalError(w, "failed to read back state")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"fan":    snap,
	})
}

// handleFanHistory returns recorded state changes for a fan, newest first.
//
// Query parameters:
//   - limit: Maximum entries to return (default 50, capped at 200)
//   - since: RFC3339 timestamp; entries at or before it are dropped
func (s *Server) handleFanHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")
	if deviceID == "" || len(deviceID) > maxIDLen {
		writeBadRequest(w, "invalid device ID")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if _, err := s.registry.Get(deviceID); err != nil {
		if errors.Is(err, fan.ErrNotFound) {
			writeNotFound(w, "fan not found")
			return
		}
		writeInternalError(w, "failed to get fan")
		return
	}

	if s.history == nil {
		writeUnavailable(w, "state history unavailable")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), deviceID, limit)
	if err != nil {
		s.logger.Error("history query failed", "device_id", deviceID, "error", err)
		writeInternalError(w, "failed to load fan history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.CreatedAt.After(since) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": deviceID,
		"history":   entries,
		"count":     len(entries),
	})
}

// handleDiscover runs an immediate discovery and poll pass against the
// cloud, so newly claimed fans appear without waiting for the next
// scheduled poll.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeUnavailable(w, "discovery unavailable")
		return
	}

	if err := s.syncer.PollOnce(r.Context()); err != nil {
		if errors.Is(err, engine.ErrStopped) {
			writeUnavailable(w, "bridge is shutting down")
			return
		}
		s.logger.Error("on-demand discovery failed", "error", err)
		writeError(w, http.StatusBadGateway, ErrCodeCloud, "cloud discovery failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"fans":   s.registry.Count(),
	})
}

// handleStats returns registry and hub statistics.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"registry":          s.registry.GetStats(),
		"websocket_clients": s.hub.ClientCount(),
		"version":           s.version,
	})
}

// parseHistoryLimit parses the limit query parameter, clamping to the
// maximum. An empty value uses the default.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return limit, nil
}

// parseSinceParam parses an optional RFC3339 since parameter.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
