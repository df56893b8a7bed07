package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/infrastructure/httputil"
	coreservice "github.com/meridianlabs/netvault/internal/app/core/service"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
)

type createJobRequest struct {
	SiteID    string   `json:"site_id"`
	DeviceIDs []string `json:"device_ids"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

// resolveSelection implements spec §6's job selector: the intersection of
// the site and device selectors, defaulting to all enabled devices when
// both are empty.
func (s *Service) resolveSelection(ctx context.Context, req createJobRequest) ([]backup.Device, error) {
	if req.SiteID == "" {
		return s.inventory.LoadDevices(ctx, req.DeviceIDs)
	}

	bySite, err := s.inventory.LoadDevicesBySite(ctx, req.SiteID)
	if err != nil {
		return nil, err
	}
	if len(req.DeviceIDs) == 0 {
		return bySite, nil
	}

	wanted := make(map[string]bool, len(req.DeviceIDs))
	for _, id := range req.DeviceIDs {
		wanted[id] = true
	}
	intersection := make([]backup.Device, 0, len(bySite))
	for _, d := range bySite {
		if wanted[d.ID] {
			intersection = append(intersection, d)
		}
	}
	return intersection, nil
}

// handleCreateJob implements POST /api/backups/jobs. It enforces the
// single-concurrent-job rule via JobGuard before dispatching the
// orchestrator in its own goroutine, per spec §6: job submission returns
// immediately with the new job's id, the run itself is asynchronous.
func (s *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	devices, err := s.resolveSelection(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if len(devices) == 0 {
		httputil.BadRequest(w, "empty device selection")
		return
	}
	deviceIDs := make([]string, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.ID
	}

	triggeredBy := httputil.GetUserID(r)
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	if s.guard != nil {
		release, ok, err := s.guard.TryAcquire(r.Context())
		if err != nil {
			s.writeServiceError(w, r, svcerrors.Internal("job guard unavailable", err))
			return
		}
		if !ok {
			s.writeServiceError(w, r, svcerrors.Conflict("a backup job is already running"))
			return
		}
		jobID, err := s.inventory.CreateJob(r.Context(), triggeredBy, len(devices))
		if err != nil {
			release()
			s.writeServiceError(w, r, err)
			return
		}
		go func() {
			defer release()
			_ = s.runner.RunJob(context.Background(), jobID, deviceIDs)
		}()
		httputil.RespondCreated(w, createJobResponse{JobID: jobID})
		return
	}

	jobID, err := s.inventory.CreateJob(r.Context(), triggeredBy, len(devices))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	go func() { _ = s.runner.RunJob(context.Background(), jobID, deviceIDs) }()
	httputil.RespondCreated(w, createJobResponse{JobID: jobID})
}

// handleListJobs implements GET /api/backups/jobs, paginated with the
// teacher's shared clamp helper.
func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	_, limit := httputil.PaginationParams(r, coreservice.DefaultListLimit, coreservice.MaxListLimit)
	jobs, err := s.inventory.ListJobs(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, jobs)
}

// handleGetJob implements GET /api/backups/jobs/{id}.
func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := s.inventory.GetJob(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, job)
}

// handleDeviceHistory implements GET /api/backups/device/{id}/history.
func (s *Service) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	n := httputil.QueryInt(r, "limit", coreservice.DefaultListLimit)
	n = coreservice.ClampLimit(n, coreservice.DefaultListLimit, coreservice.MaxListLimit)
	history, err := s.inventory.DeviceHistory(r.Context(), id, n)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, history)
}

// handleDiff implements GET /api/backups/diff/{id}: id is a result id, and
// the response is the unified diff between the device's file's last two
// commits in its site repository.
func (s *Service) handleDiff(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	_, device, site, err := s.inventory.GetResult(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	diff, err := s.repo.Diff(r.Context(), site.RepoName, device.Hostname+".txt")
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if diff == "" {
		s.writeServiceError(w, r, svcerrors.Conflict("only one revision exists"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(diff))
}

func (s *Service) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	svcErr := svcerrors.GetServiceError(err)
	if svcErr == nil {
		svcErr = svcerrors.Internal("internal server error", err)
	}
	if s.log != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("request failed")
	}
	httputil.WriteErrorResponse(w, r, svcerrors.GetHTTPStatus(svcErr), string(svcErr.Code), svcErr.Error(), nil)
}
