package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/jobs"
)

// enqueueResponse is returned by the enqueue endpoints.
type enqueueResponse struct {
	Accepted bool `json:"accepted"`
	*dispatch.EnqueueResult
}

// handleEnqueue accepts an EnqueueSpec body.
// It returns 202 for a new job and 200 when a dedupe key matched an
// active job.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var spec dispatch.EnqueueSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	s.enqueue(w, r, spec)
}

// handleDeviceCommand is handleEnqueue with the device taken from the path.
func (s *Server) handleDeviceCommand(w http.ResponseWriter, r *http.Request) {
	var spec dispatch.EnqueueSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	spec.DeviceID = chi.URLParam(r, "id")
	s.enqueue(w, r, spec)
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, spec dispatch.EnqueueSpec) {
	if spec.Origin == "" {
		spec.Origin = events.OriginAPI
	}

	res, err := s.dispatch.Enqueue(r.Context(), spec)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	status := http.StatusAccepted
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{Accepted: true, EnqueueResult: res})
}

// handleGetJob returns one job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatch.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// handleListJobs returns recent jobs, newest first.
//
// Query parameters:
//   - device_id: only jobs for this device
//   - status: pending, running, success or failed
//   - limit: maximum number of jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobs.ListFilter{
		DeviceID: q.Get("device_id"),
		Status:   jobs.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeServiceError(w, r, fmt.Errorf("%w: limit must be positive integer", dispatch.ErrInvalidQuery))
			return
		}
		filter.Limit = n
	}

	list, err := s.dispatch.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}
