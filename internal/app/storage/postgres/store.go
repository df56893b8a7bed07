// Package postgres is the relational storage layer backing the backup
// engine's Site, CredentialSet, Device, Job and Result entities (spec §3).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// Store implements DeviceLoader, JobStore and CredentialSetStore against a
// Postgres database via sqlx.
type Store struct {
	db *sqlx.DB
}

// Open wraps an existing *sql.DB (bootstrapped by internal/platform/database)
// with sqlx's ergonomic row-scanning.
func Open(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

type siteRow struct {
	ID       string `db:"id"`
	Code     string `db:"code"`
	Name     string `db:"name"`
	RepoName string `db:"repo_name"`
}

type credentialSetRow struct {
	ID             string `db:"id"`
	Label          string `db:"label"`
	Username       string `db:"username"`
	SealedPassword string `db:"sealed_password"`
}

type deviceRow struct {
	ID              string `db:"id"`
	Hostname        string `db:"hostname"`
	Address         string `db:"address"`
	Platform        string `db:"platform"`
	SiteID          string `db:"site_id"`
	CredentialSetID sql.NullString `db:"credential_set_id"`
	Enabled         bool   `db:"enabled"`
}

func (r deviceRow) toDomain() backup.Device {
	return backup.Device{
		ID:              r.ID,
		Hostname:        r.Hostname,
		Address:         r.Address,
		Platform:        scrub.Platform(r.Platform),
		SiteID:          r.SiteID,
		CredentialSetID: r.CredentialSetID.String,
		Enabled:         r.Enabled,
	}
}

// LoadDevices implements backup.DeviceLoader.
func (s *Store) LoadDevices(ctx context.Context, deviceIDs []string) ([]backup.Device, error) {
	var rows []deviceRow
	var query string
	var args []interface{}

	if len(deviceIDs) == 0 {
		query = `SELECT id, hostname, address, platform, site_id, credential_set_id, enabled
		         FROM devices WHERE enabled = true`
	} else {
		var err error
		query, args, err = sqlx.In(`SELECT id, hostname, address, platform, site_id, credential_set_id, enabled
		                             FROM devices WHERE id IN (?) AND enabled = true`, deviceIDs)
		if err != nil {
			return nil, svcerrors.DatabaseError("load_devices", err)
		}
		query = s.db.Rebind(query)
	}

	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, svcerrors.DatabaseError("load_devices", err)
	}

	devices := make([]backup.Device, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, r.toDomain())
	}
	return devices, nil
}

// getDeviceByID loads a device by id regardless of its enabled flag:
// unlike LoadDevices (which only ever selects dispatch candidates for a new
// job), history/diff lookups must still resolve a device after it has been
// disabled or decommissioned.
func (s *Store) getDeviceByID(ctx context.Context, id string) (backup.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, hostname, address, platform, site_id, credential_set_id, enabled
		FROM devices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Device{}, svcerrors.NotFound("device", id)
	}
	if err != nil {
		return backup.Device{}, svcerrors.DatabaseError("get_device", err)
	}
	return row.toDomain(), nil
}

// LoadDevicesBySite returns all enabled devices at siteID, used by the REST
// façade to resolve the `site_id` job selector (spec §6).
func (s *Store) LoadDevicesBySite(ctx context.Context, siteID string) ([]backup.Device, error) {
	var rows []deviceRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, hostname, address, platform, site_id, credential_set_id, enabled
		FROM devices WHERE site_id = $1 AND enabled = true`, siteID)
	if err != nil {
		return nil, svcerrors.DatabaseError("load_devices_by_site", err)
	}
	devices := make([]backup.Device, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, r.toDomain())
	}
	return devices, nil
}

// GetSite implements backup.DeviceLoader.
func (s *Store) GetSite(ctx context.Context, siteID string) (backup.Site, error) {
	var row siteRow
	err := s.db.GetContext(ctx, &row, `SELECT id, code, name, repo_name FROM sites WHERE id = $1`, siteID)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Site{}, svcerrors.NotFound("site", siteID)
	}
	if err != nil {
		return backup.Site{}, svcerrors.DatabaseError("get_site", err)
	}
	return backup.Site{ID: row.ID, Code: row.Code, Name: row.Name, RepoName: row.RepoName}, nil
}

// GetCredentialSet implements backup.CredentialSetStore.
func (s *Store) GetCredentialSet(ctx context.Context, id string) (backup.CredentialSet, error) {
	var row credentialSetRow
	err := s.db.GetContext(ctx, &row, `SELECT id, label, username, sealed_password FROM credential_sets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.CredentialSet{}, svcerrors.NotFound("credential_set", id)
	}
	if err != nil {
		return backup.CredentialSet{}, svcerrors.DatabaseError("get_credential_set", err)
	}
	return backup.CredentialSet{ID: row.ID, Label: row.Label, Username: row.Username, SealedPassword: row.SealedPassword}, nil
}

// CreateJob inserts a new Job row with state=running and zeroed counters,
// per spec §3's lifecycle: the job must exist before the orchestrator
// begins. Returns the generated job id.
func (s *Store) CreateJob(ctx context.Context, triggeredBy string, total int) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, triggered_at, triggered_by, state, total, completed, failed)
		VALUES ($1, $2, $3, $4, $5, 0, 0)`,
		id, time.Now(), triggeredBy, backup.JobRunning, total)
	if err != nil {
		return "", svcerrors.DatabaseError("create_job", err)
	}
	return id, nil
}

// MarkJobStarted implements backup.JobStore.
func (s *Store) MarkJobStarted(ctx context.Context, jobID string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE jobs SET started_at = $1 WHERE id = $2`, startedAt, jobID)
	if err != nil {
		return svcerrors.DatabaseError("mark_job_started", err)
	}
	return nil
}

// IncrementCounters implements backup.JobStore using an additive SQL
// expression so concurrent writers (were this store ever shared across
// orchestrator instances) converge without lost updates, even though the
// current orchestrator already serializes all writes through one consumer.
func (s *Store) IncrementCounters(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET completed = completed + $1, failed = failed + $2 WHERE id = $3`,
		completedDelta, failedDelta, jobID)
	if err != nil {
		return svcerrors.DatabaseError("increment_job_counters", err)
	}
	return nil
}

// FinishJob implements backup.JobStore.
func (s *Store) FinishJob(ctx context.Context, jobID string, state backup.JobState, completedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = $1, completed_at = $2 WHERE id = $3`,
		state, completedAt, jobID)
	if err != nil {
		return svcerrors.DatabaseError("finish_job", err)
	}
	return nil
}

// RecordResult implements backup.JobStore, inserting the append-only
// per-(job, device) result row. A unique index on (job_id, device_id)
// enforces the at-most-one-result invariant at the storage layer.
func (s *Store) RecordResult(ctx context.Context, result backup.Result) error {
	id := result.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results (id, job_id, device_id, state, content_hash, commit_id, error, duration_ms, at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9)
		ON CONFLICT (job_id, device_id) DO NOTHING`,
		id, result.JobID, result.DeviceID, result.State, result.ContentHash,
		result.CommitID, result.Error, result.DurationMS, result.At)
	if err != nil {
		return svcerrors.DatabaseError("record_result", err)
	}
	return nil
}

// LatestSuccessResult implements backup.JobStore.
func (s *Store) LatestSuccessResult(ctx context.Context, deviceID string) (backup.Result, bool, error) {
	var row struct {
		ID          string    `db:"id"`
		JobID       string    `db:"job_id"`
		DeviceID    string    `db:"device_id"`
		State       string    `db:"state"`
		ContentHash string    `db:"content_hash"`
		CommitID    string    `db:"commit_id"`
		At          time.Time `db:"at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, job_id, device_id, state, content_hash, commit_id, at
		FROM results WHERE device_id = $1 AND state = 'success'
		ORDER BY at DESC LIMIT 1`, deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Result{}, false, nil
	}
	if err != nil {
		return backup.Result{}, false, svcerrors.DatabaseError("latest_success_result", err)
	}
	return backup.Result{
		ID: row.ID, JobID: row.JobID, DeviceID: row.DeviceID,
		State: backup.ResultState(row.State), ContentHash: row.ContentHash,
		CommitID: row.CommitID, At: row.At,
	}, true, nil
}

// ListJobs returns the most recent jobs, newest first, bounded by limit.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]backup.Job, error) {
	var rows []struct {
		ID          string       `db:"id"`
		TriggeredAt time.Time    `db:"triggered_at"`
		TriggeredBy string       `db:"triggered_by"`
		State       string       `db:"state"`
		Total       int          `db:"total"`
		Completed   int          `db:"completed"`
		Failed      int          `db:"failed"`
		StartedAt   sql.NullTime `db:"started_at"`
		CompletedAt sql.NullTime `db:"completed_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, triggered_at, triggered_by, state, total, completed, failed, started_at, completed_at
		FROM jobs ORDER BY triggered_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, svcerrors.DatabaseError("list_jobs", err)
	}
	jobs := make([]backup.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, backup.Job{
			ID: r.ID, TriggeredAt: r.TriggeredAt, TriggeredBy: r.TriggeredBy,
			State: backup.JobState(r.State), Total: r.Total, Completed: r.Completed, Failed: r.Failed,
			StartedAt: r.StartedAt.Time, CompletedAt: r.CompletedAt.Time,
		})
	}
	return jobs, nil
}

// GetJob returns a single job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (backup.Job, error) {
	jobs, err := s.ListJobsByID(ctx, jobID)
	if err != nil {
		return backup.Job{}, err
	}
	if len(jobs) == 0 {
		return backup.Job{}, svcerrors.NotFound("job", jobID)
	}
	return jobs[0], nil
}

// ListJobsByID fetches a single job row as a 0-or-1 element slice.
func (s *Store) ListJobsByID(ctx context.Context, jobID string) ([]backup.Job, error) {
	var rows []struct {
		ID          string       `db:"id"`
		TriggeredAt time.Time    `db:"triggered_at"`
		TriggeredBy string       `db:"triggered_by"`
		State       string       `db:"state"`
		Total       int          `db:"total"`
		Completed   int          `db:"completed"`
		Failed      int          `db:"failed"`
		StartedAt   sql.NullTime `db:"started_at"`
		CompletedAt sql.NullTime `db:"completed_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, triggered_at, triggered_by, state, total, completed, failed, started_at, completed_at
		FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return nil, svcerrors.DatabaseError("get_job", err)
	}
	jobs := make([]backup.Job, 0, len(rows))
	for _, r := range rows {
		jobs = append(jobs, backup.Job{
			ID: r.ID, TriggeredAt: r.TriggeredAt, TriggeredBy: r.TriggeredBy,
			State: backup.JobState(r.State), Total: r.Total, Completed: r.Completed, Failed: r.Failed,
			StartedAt: r.StartedAt.Time, CompletedAt: r.CompletedAt.Time,
		})
	}
	return jobs, nil
}

// DeviceHistory returns the last n results for a device, newest first.
func (s *Store) DeviceHistory(ctx context.Context, deviceID string, n int) ([]backup.Result, error) {
	var rows []struct {
		ID          string    `db:"id"`
		JobID       string    `db:"job_id"`
		DeviceID    string    `db:"device_id"`
		State       string    `db:"state"`
		ContentHash string    `db:"content_hash"`
		CommitID    string    `db:"commit_id"`
		Error       string    `db:"error"`
		DurationMS  int64     `db:"duration_ms"`
		At          time.Time `db:"at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, device_id, state, content_hash, commit_id, error, duration_ms, at
		FROM results WHERE device_id = $1 ORDER BY at DESC LIMIT $2`, deviceID, n)
	if err != nil {
		return nil, svcerrors.DatabaseError("device_history", err)
	}
	results := make([]backup.Result, 0, len(rows))
	for _, r := range rows {
		results = append(results, backup.Result{
			ID: r.ID, JobID: r.JobID, DeviceID: r.DeviceID, State: backup.ResultState(r.State),
			ContentHash: r.ContentHash, CommitID: r.CommitID, Error: r.Error, DurationMS: r.DurationMS, At: r.At,
		})
	}
	return results, nil
}

// GetResult fetches a single result row by id, along with the device it
// belongs to and that device's site, so the diff endpoint can resolve which
// site repository and path to query the repository service against.
func (s *Store) GetResult(ctx context.Context, resultID string) (backup.Result, backup.Device, backup.Site, error) {
	var row struct {
		ID          string    `db:"id"`
		JobID       string    `db:"job_id"`
		DeviceID    string    `db:"device_id"`
		State       string    `db:"state"`
		ContentHash string    `db:"content_hash"`
		CommitID    string    `db:"commit_id"`
		Error       string    `db:"error"`
		DurationMS  int64     `db:"duration_ms"`
		At          time.Time `db:"at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, job_id, device_id, state, content_hash, commit_id, error, duration_ms, at
		FROM results WHERE id = $1`, resultID)
	if errors.Is(err, sql.ErrNoRows) {
		return backup.Result{}, backup.Device{}, backup.Site{}, svcerrors.NotFound("result", resultID)
	}
	if err != nil {
		return backup.Result{}, backup.Device{}, backup.Site{}, svcerrors.DatabaseError("get_result", err)
	}

	device, err := s.getDeviceByID(ctx, row.DeviceID)
	if err != nil {
		return backup.Result{}, backup.Device{}, backup.Site{}, err
	}

	site, err := s.GetSite(ctx, device.SiteID)
	if err != nil {
		return backup.Result{}, backup.Device{}, backup.Site{}, err
	}

	result := backup.Result{
		ID: row.ID, JobID: row.JobID, DeviceID: row.DeviceID, State: backup.ResultState(row.State),
		ContentHash: row.ContentHash, CommitID: row.CommitID, Error: row.Error, DurationMS: row.DurationMS, At: row.At,
	}
	return result, device, site, nil
}
