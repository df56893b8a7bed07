// Package backup holds the data model shared by the orchestrator, the
// storage layer, and the REST façade: sites, devices, credential sets,
// jobs and per-device results.
package backup

import (
	"time"

	"github.com/meridianlabs/netvault/internal/scrub"
)

// Site is a per-site repository target. Code and RepoName are immutable
// once a job has referenced them.
type Site struct {
	ID       string
	Code     string
	Name     string
	RepoName string
}

// CredentialSet is a named, reusable (username, sealed password) pair.
// SealedPassword is ciphertext produced by infrastructure/crypto.EncryptEnvelope
// and must round-trip given the process boot key.
type CredentialSet struct {
	ID             string
	Label          string
	Username       string
	SealedPassword string
}

// Device is a single managed network device.
type Device struct {
	ID              string
	Hostname        string
	Address         string
	Platform        scrub.Platform
	SiteID          string
	CredentialSetID string // empty means fall back to process-wide credentials
	Enabled         bool
}

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobRunning  JobState = "running"
	JobComplete JobState = "complete"
	JobFailed   JobState = "failed"
)

// Job is one backup run over a selected set of devices.
type Job struct {
	ID          string
	TriggeredAt time.Time
	TriggeredBy string
	State       JobState
	Total       int
	Completed   int
	Failed      int
	StartedAt   time.Time
	CompletedAt time.Time
}

// ResultState is the terminal outcome of one device's participation in a job.
type ResultState string

const (
	ResultSuccess ResultState = "success"
	ResultFailed  ResultState = "failed"
	ResultSkipped ResultState = "skipped"
)

// Result is the append-only row recording one device's outcome within one job.
type Result struct {
	ID         string
	JobID      string
	DeviceID   string
	State      ResultState
	ContentHash string
	CommitID   string
	Error      string
	DurationMS int64
	At         time.Time
}

// Terminal reports whether s is a job-terminal state.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}
