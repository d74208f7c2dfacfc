package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Wandeon/fleet-sub000/internal/breaker"
	"github.com/Wandeon/fleet-sub000/internal/dispatch"
)

// handleListDevices returns the device inventory.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleListDeviceStates returns every stored device state, most recently
// updated first.
func (s *Server) handleListDeviceStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.dispatch.ListDeviceStates(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

// handleGetDeviceState returns one device's state. A registered device
// that was never written reports status unknown.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	st, err := s.dispatch.GetDeviceState(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st})
}

// handleListEvents returns the event log, newest first.
//
// Query parameters:
//   - device_id: only events for this device
//   - since: RFC 3339 time or Unix milliseconds, exclusive
//   - limit: 1-500, default 100
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, err := dispatch.ParseEventQuery(q.Get("device_id"), q.Get("since"), q.Get("limit"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	list, err := s.dispatch.ListEvents(r.Context(), query)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

// handleGetCircuit returns the breaker status of one device.
func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Exists(id) {
		writeNotFound(w, "device not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": id, "circuit": s.circuitStatus(id)})
}

// handleResetCircuit closes a device's circuit so the next call goes
// through immediately.
func (s *Server) handleResetCircuit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.registry.Exists(id) {
		writeNotFound(w, "device not found: "+id)
		return
	}

	previous := s.breaker.State(id)
	s.breaker.Reset(id)
	s.logger.Info("circuit reset", "device_id", id, "previous_state", previous)

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":      id,
		"previous_state": previous,
		"circuit":        s.circuitStatus(id),
	})
}

func (s *Server) circuitStatus(id string) breaker.Status {
	if st, ok := s.breaker.Snapshot()[id]; ok {
		return st
	}
	return breaker.Status{State: breaker.StateClosed}
}
