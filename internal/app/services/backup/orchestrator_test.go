package backup

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/clipool"
	"github.com/meridianlabs/netvault/internal/httppool"
	"github.com/meridianlabs/netvault/internal/repoclient"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// --- in-memory JobStore/DeviceLoader test double -----------------------

type fakeStore struct {
	mu      sync.Mutex
	sites   map[string]backup.Site
	devices map[string]backup.Device
	jobs    map[string]*backup.Job
	results []backup.Result
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sites:   make(map[string]backup.Site),
		devices: make(map[string]backup.Device),
		jobs:    make(map[string]*backup.Job),
	}
}

func (s *fakeStore) LoadDevices(ctx context.Context, ids []string) ([]backup.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]backup.Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.devices[id])
	}
	return out, nil
}

func (s *fakeStore) GetSite(ctx context.Context, siteID string) (backup.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return backup.Site{}, svcerrors.NotFound("site", siteID)
	}
	return site, nil
}

func (s *fakeStore) GetCredentialSet(ctx context.Context, id string) (backup.CredentialSet, error) {
	return backup.CredentialSet{}, svcerrors.NotFound("credential_set", id)
}

func (s *fakeStore) MarkJobStarted(ctx context.Context, jobID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].StartedAt = startedAt
	return nil
}

func (s *fakeStore) RecordResult(ctx context.Context, result backup.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *fakeStore) IncrementCounters(ctx context.Context, jobID string, completedDelta, failedDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Completed += completedDelta
	job.Failed += failedDelta
	return nil
}

func (s *fakeStore) FinishJob(ctx context.Context, jobID string, state backup.JobState, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.State = state
	job.CompletedAt = completedAt
	return nil
}

func (s *fakeStore) LatestSuccessResult(ctx context.Context, deviceID string) (backup.Result, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.results) - 1; i >= 0; i-- {
		if s.results[i].DeviceID == deviceID && s.results[i].State == backup.ResultSuccess {
			return s.results[i], true, nil
		}
	}
	return backup.Result{}, false, nil
}

func (s *fakeStore) newJob(total int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := "job-1"
	s.jobs[id] = &backup.Job{ID: id, Total: total, State: backup.JobRunning}
	return id
}

func (s *fakeStore) job(id string) backup.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *fakeStore) resultsFor(deviceID string) []backup.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []backup.Result
	for _, r := range s.results {
		if r.DeviceID == deviceID {
			out = append(out, r)
		}
	}
	return out
}

// --- SSH/HTTPS fixture servers, mirroring clipool/httppool's own tests --

func startTestSSHServer(t *testing.T, output string, rejectAuth bool) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if rejectAuth {
				return nil, errors.New("rejected")
			}
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func() {
				sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
				if err != nil {
					return
				}
				defer sshConn.Close()
				go ssh.DiscardRequests(reqs)
				for newChannel := range chans {
					if newChannel.ChannelType() != "session" {
						newChannel.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					channel, requests, err := newChannel.Accept()
					if err != nil {
						continue
					}
					go func() {
						defer channel.Close()
						for req := range requests {
							if req.Type == "exec" {
								channel.Write([]byte(output))
								req.Reply(true, nil)
								channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
								return
							}
							if req.WantReply {
								req.Reply(false, nil)
							}
						}
					}()
				}
			}()
		}
	}()

	return listener.Addr().String()
}

func startTestPanosServer(t *testing.T, output string) string {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("type") {
		case "keygen":
			w.Write([]byte(`<response status="success"><result><key>abc123</key></result></response>`))
		case "export":
			w.Write([]byte(output))
		}
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "https://")
}

func startTestRepoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orgs":
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/repos"):
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "/contents/"):
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut && strings.Contains(r.URL.Path, "/contents/"):
			_ = json.NewEncoder(w).Encode(map[string]string{"commit_id": "commit-" + r.URL.Path})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T, store *fakeStore, cli *clipool.Pool, httpPool *httppool.Pool) (*Orchestrator, *ProgressBus) {
	t.Helper()
	repoSrv := startTestRepoServer(t)
	repo, err := repoclient.New(repoclient.Config{BaseURL: repoSrv.URL, Org: "network-backups"})
	require.NoError(t, err)

	bus := NewProgressBus()
	masterKey := make([]byte, 32)
	resolver := NewResolver(store, masterKey, &Credentials{Username: "admin", Password: "s3cr3t-fallback"})

	return New(store, store, resolver, repo, cli, httpPool, bus, nil, nil, "network-backups"), bus
}

func TestRunJobMixedPlatformsCompletesAllSuccessfully(t *testing.T) {
	store := newFakeStore()
	store.sites["site-1"] = backup.Site{ID: "site-1", RepoName: "site-1-configs"}
	store.devices["cli-1"] = backup.Device{ID: "cli-1", Hostname: "core-1", SiteID: "site-1", Platform: scrub.PlatformIOS,
		Address: startTestSSHServer(t, "hostname core-1\n", false)}
	store.devices["api-1"] = backup.Device{ID: "api-1", Hostname: "fw-1", SiteID: "site-1", Platform: scrub.PlatformPanos,
		Address: startTestPanosServer(t, "hostname fw-1\nset deviceconfig system hostname\n")}

	cli := clipool.New(5, 5*time.Second, nil)
	httpPool := httppool.New(httppool.Config{Workers: 5, Timeout: 5 * time.Second, TLSSkipVerify: true}, nil)
	orch, bus := newTestOrchestrator(t, store, cli, httpPool)

	jobID := store.newJob(2)
	done := make(chan struct{})
	events := bus.Subscribe(jobID)
	go func() {
		defer close(done)
		for e := range events {
			if e.State == "complete" || e.State == "failed" {
				return
			}
		}
	}()

	err := orch.RunJob(context.Background(), jobID, []string{"cli-1", "api-1"})
	require.NoError(t, err)

	job := store.job(jobID)
	assert.Equal(t, backup.JobComplete, job.State)
	assert.Equal(t, 2, job.Completed)
	assert.Equal(t, 0, job.Failed)

	cliResults := store.resultsFor("cli-1")
	require.Len(t, cliResults, 1)
	assert.Equal(t, backup.ResultSuccess, cliResults[0].State)
	assert.NotEmpty(t, cliResults[0].CommitID)

	apiResults := store.resultsFor("api-1")
	require.Len(t, apiResults, 1)
	assert.Equal(t, backup.ResultSuccess, apiResults[0].State)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("progress subscriber never saw terminal event")
	}
}

func TestRunJobAuthRejectedMarksDeviceFailedJobStillCompletes(t *testing.T) {
	store := newFakeStore()
	store.sites["site-1"] = backup.Site{ID: "site-1", RepoName: "site-1-configs"}
	store.devices["cli-1"] = backup.Device{ID: "cli-1", Hostname: "core-1", SiteID: "site-1", Platform: scrub.PlatformIOS,
		Address: startTestSSHServer(t, "", true)}

	cli := clipool.New(5, 5*time.Second, nil)
	httpPool := httppool.New(httppool.Config{Workers: 5, Timeout: 5 * time.Second}, nil)
	orch, _ := newTestOrchestrator(t, store, cli, httpPool)

	jobID := store.newJob(1)
	err := orch.RunJob(context.Background(), jobID, []string{"cli-1"})
	require.NoError(t, err)

	job := store.job(jobID)
	assert.Equal(t, backup.JobComplete, job.State)
	assert.Equal(t, 0, job.Completed)
	assert.Equal(t, 1, job.Failed)

	results := store.resultsFor("cli-1")
	require.Len(t, results, 1)
	assert.Equal(t, backup.ResultFailed, results[0].State)
}

func TestRunJobUnsupportedPlatformFailsWithoutTouchingAPool(t *testing.T) {
	store := newFakeStore()
	store.sites["site-1"] = backup.Site{ID: "site-1", RepoName: "site-1-configs"}
	store.devices["d1"] = backup.Device{ID: "d1", Hostname: "mystery-box", SiteID: "site-1", Platform: "unknown-os"}

	cli := clipool.New(5, 5*time.Second, nil)
	httpPool := httppool.New(httppool.Config{Workers: 5, Timeout: 5 * time.Second}, nil)
	orch, _ := newTestOrchestrator(t, store, cli, httpPool)

	jobID := store.newJob(1)
	err := orch.RunJob(context.Background(), jobID, []string{"d1"})
	require.NoError(t, err)

	job := store.job(jobID)
	assert.Equal(t, backup.JobComplete, job.State)
	assert.Equal(t, 1, job.Failed)

	results := store.resultsFor("d1")
	require.Len(t, results, 1)
	assert.Equal(t, backup.ResultFailed, results[0].State)
	assert.Equal(t, string(svcerrors.ErrCodeProtocol), results[0].Error)
}

// TestRunJobNeverLeaksPlaintextPassword asserts the resolved fallback
// password never surfaces in a recorded Result field or a published
// progress event, per spec §4.3's confidentiality requirement.
func TestRunJobNeverLeaksPlaintextPassword(t *testing.T) {
	const plaintextPassword = "s3cr3t-fallback"

	store := newFakeStore()
	store.sites["site-1"] = backup.Site{ID: "site-1", RepoName: "site-1-configs"}
	store.devices["cli-1"] = backup.Device{ID: "cli-1", Hostname: "core-1", SiteID: "site-1", Platform: scrub.PlatformIOS,
		Address: startTestSSHServer(t, "hostname core-1\n", false)}

	cli := clipool.New(5, 5*time.Second, nil)
	httpPool := httppool.New(httppool.Config{Workers: 5, Timeout: 5 * time.Second}, nil)
	orch, bus := newTestOrchestrator(t, store, cli, httpPool)

	jobID := store.newJob(1)
	var seenEvents []ProgressEvent
	var mu sync.Mutex
	events := bus.Subscribe(jobID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			mu.Lock()
			seenEvents = append(seenEvents, e)
			mu.Unlock()
			if e.State == "complete" || e.State == "failed" {
				return
			}
		}
	}()

	err := orch.RunJob(context.Background(), jobID, []string{"cli-1"})
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("progress subscriber never saw terminal event")
	}

	for _, r := range store.results {
		assert.NotContains(t, r.Error, plaintextPassword)
		assert.NotContains(t, r.ContentHash, plaintextPassword)
		assert.NotContains(t, r.CommitID, plaintextPassword)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, e := range seenEvents {
		assert.NotContains(t, e.LastDevice, plaintextPassword)
		assert.NotContains(t, e.LastStatus, plaintextPassword)
	}
}
