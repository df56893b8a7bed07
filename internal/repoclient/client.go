// Package repoclient wraps the remote repository service: ensuring a
// per-site repository exists, committing or updating a single config file
// within it, and retrieving unified diffs between its last two revisions.
package repoclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/time/rate"

	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/infrastructure/httputil"
	"github.com/meridianlabs/netvault/infrastructure/logging"
	"github.com/meridianlabs/netvault/infrastructure/resilience"
)

// Config configures a Client.
type Config struct {
	BaseURL           string
	Token             string
	Org               string
	Timeout           time.Duration
	HTTPClient        *http.Client
	CommitRetries     int // max commit_file attempts on precondition conflict; default 3
	RequestsPerSecond float64 // outbound request pacing; default 20
	Logger            *logging.Logger // logs circuit breaker state transitions; optional
}

// Client talks to the repository service's REST wire protocol.
type Client struct {
	baseURL string
	token   string
	org     string
	client  *http.Client
	retries int
	limiter *rate.Limiter

	cb *resilience.CircuitBreaker

	mu           sync.Mutex
	ensuredRepos map[string]bool // memoized ensure_repo calls, keyed by repo name
}

// New constructs a Client from cfg, normalizing the base URL.
func New(cfg Config) (*Client, error) {
	defaults := httputil.DefaultClientDefaults()
	if cfg.Timeout > 0 {
		defaults.Timeout = cfg.Timeout
	}
	client, baseURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, defaults)
	if err != nil {
		return nil, fmt.Errorf("repoclient: %w", err)
	}

	retries := cfg.CommitRetries
	if retries <= 0 {
		retries = 3
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}

	return &Client{
		baseURL:      baseURL,
		token:        cfg.Token,
		org:          cfg.Org,
		client:       client,
		retries:      retries,
		limiter:      rate.NewLimiter(rate.Limit(rps), int(rps)),
		cb:           resilience.New(resilience.DefaultServiceCBConfig(cfg.Logger)),
		ensuredRepos: make(map[string]bool),
	}, nil
}

// do paces every outbound call through c.limiter: a job backing up
// hundreds of devices would otherwise burst commit_file/get_contents calls
// against the repository service well past what it can sustain. The call
// itself runs behind c.cb: once the repo service trips the breaker, the
// rest of an in-flight job fails fast per device instead of every one of
// them separately paying the connect/request timeout.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}

	var status int
	var respBody []byte
	err := c.cb.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return 0, nil, err
		}
		return status, nil, err
	}
	return status, respBody, nil
}

func snippet(body []byte) string {
	const max = 256
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}

// EnsureRepo idempotently ensures org and repoName exist, creating the
// organization and/or repository (with an initial commit) as needed.
// Concurrent callers with identical arguments converge: an "already
// exists" response is treated as success. Results are memoized per
// Client instance so a job only issues one ensure_repo network round
// trip per site even across many devices.
func (c *Client) EnsureRepo(ctx context.Context, org, repoName string) error {
	key := org + "/" + repoName
	c.mu.Lock()
	if c.ensuredRepos[key] {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.ensureOrg(ctx, org); err != nil {
		return err
	}
	if err := c.ensureRepoExists(ctx, org, repoName); err != nil {
		return err
	}

	c.mu.Lock()
	c.ensuredRepos[key] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) ensureOrg(ctx context.Context, org string) error {
	payload, _ := json.Marshal(map[string]string{"name": org})
	status, body, err := c.do(ctx, http.MethodPost, "/orgs", payload)
	if err != nil {
		return svcerrors.RepositoryUnavailable(org, err)
	}
	if status >= 200 && status < 300 || status == http.StatusConflict || status == http.StatusUnprocessableEntity {
		return nil
	}
	return svcerrors.RepositoryUnavailable(org, fmt.Errorf("ensure org: status %d: %s", status, snippet(body)))
}

func (c *Client) ensureRepoExists(ctx context.Context, org, repoName string) error {
	payload, _ := json.Marshal(map[string]interface{}{"name": repoName, "auto_init": true})
	status, body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/orgs/%s/repos", org), payload)
	if err != nil {
		return svcerrors.RepositoryUnavailable(repoName, err)
	}
	if status >= 200 && status < 300 || status == http.StatusConflict || status == http.StatusUnprocessableEntity {
		return nil
	}
	return svcerrors.RepositoryUnavailable(repoName, fmt.Errorf("ensure repo: status %d: %s", status, snippet(body)))
}

type contentResponse struct {
	SHA     string `json:"sha"`
	Content string `json:"content"`
}

// getFile fetches the current revision sha and decoded content of path, if
// it exists. A 404 is not an error: it means this is the first commit.
func (c *Client) getFile(ctx context.Context, repo, path string) (sha string, content []byte, exists bool, err error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/contents/%s", c.org, repo, path), nil)
	if err != nil {
		return "", nil, false, svcerrors.RepositoryUnavailable(repo, err)
	}
	if status == http.StatusNotFound {
		return "", nil, false, nil
	}
	if status < 200 || status >= 300 {
		return "", nil, false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("get contents: status %d: %s", status, snippet(body)))
	}

	var parsed contentResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", nil, false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("decode contents: %w", err))
	}
	decoded, err := base64.StdEncoding.DecodeString(parsed.Content)
	if err != nil {
		return "", nil, false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("decode content base64: %w", err))
	}
	return parsed.SHA, decoded, true, nil
}

// CommitFile creates or updates path within repo with content, using message
// as the commit message, and returns the resulting commit identifier. On a
// conditional-update conflict (another writer updated the file between our
// read and write) it retries with backoff up to Config.CommitRetries times.
func (c *Client) CommitFile(ctx context.Context, repo, path string, content []byte, message string) (string, error) {
	var commitID string
	err := resilience.Retry(ctx, resilience.RetryConfig{
		MaxAttempts:  c.retries,
		InitialDelay: 150 * time.Millisecond,
		MaxDelay:     3 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}, func() error {
		id, conflict, err := c.tryCommit(ctx, repo, path, content, message)
		if err != nil {
			return err
		}
		if conflict {
			return fmt.Errorf("commit_file: conditional update conflict on %s/%s", repo, path)
		}
		commitID = id
		return nil
	})
	if err != nil {
		if svcerrors.IsServiceError(err) {
			return "", err
		}
		return "", svcerrors.RepositoryUnavailable(repo, err)
	}
	return commitID, nil
}

func (c *Client) tryCommit(ctx context.Context, repo, path string, content []byte, message string) (commitID string, conflict bool, err error) {
	sha, _, _, err := c.getFile(ctx, repo, path)
	if err != nil {
		return "", false, err
	}

	payload := map[string]interface{}{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(content),
	}
	if sha != "" {
		payload["sha"] = sha
	}
	body, _ := json.Marshal(payload)

	status, respBody, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/%s/contents/%s", c.org, repo, path), body)
	if err != nil {
		return "", false, svcerrors.RepositoryUnavailable(repo, err)
	}
	if status == http.StatusConflict || status == http.StatusPreconditionFailed {
		return "", true, nil
	}
	if status < 200 || status >= 300 {
		return "", false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("commit_file: status %d: %s", status, snippet(respBody)))
	}

	var parsed struct {
		CommitID string `json:"commit_id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("decode commit response: %w", err))
	}
	if parsed.CommitID == "" {
		return "", false, svcerrors.RepositoryUnavailable(repo, fmt.Errorf("commit_file: empty commit_id in response"))
	}
	return parsed.CommitID, false, nil
}

type commitEntry struct {
	SHA string `json:"sha"`
}

// Diff returns a unified diff between the two most recent revisions of
// path within repo. If fewer than two revisions exist, it returns empty
// text (not an error).
func (c *Client) Diff(ctx context.Context, repo, path string) (string, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/commits?path=%s", c.org, repo, path), nil)
	if err != nil {
		return "", svcerrors.RepositoryUnavailable(repo, err)
	}
	if status < 200 || status >= 300 {
		return "", svcerrors.RepositoryUnavailable(repo, fmt.Errorf("list commits: status %d: %s", status, snippet(body)))
	}

	var commits []commitEntry
	if err := json.Unmarshal(body, &commits); err != nil {
		return "", svcerrors.RepositoryUnavailable(repo, fmt.Errorf("decode commits: %w", err))
	}
	if len(commits) < 2 {
		return "", nil
	}

	a, b := commits[1].SHA, commits[0].SHA
	status, body, err = c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/%s/compare/%s...%s.diff", c.org, repo, a, b), nil)
	if err != nil {
		return "", svcerrors.RepositoryUnavailable(repo, err)
	}
	if status < 200 || status >= 300 {
		return "", svcerrors.RepositoryUnavailable(repo, fmt.Errorf("compare: status %d: %s", status, snippet(body)))
	}
	return string(body), nil
}

// LocalUnifiedDiff computes a unified diff between two text blobs without a
// network round trip. Used as a fallback/test double for Diff, and by the
// orchestrator when a repository-service compare endpoint is unavailable
// but both revisions are already in hand.
func LocalUnifiedDiff(aLabel, bLabel, a, b string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: aLabel,
		ToFile:   bLabel,
		Context:  3,
	}
	return difflib.GetUnifiedDiffString(diff)
}
