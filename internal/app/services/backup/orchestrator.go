package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	svcerrors "github.com/meridianlabs/netvault/infrastructure/errors"
	"github.com/meridianlabs/netvault/infrastructure/logging"
	"github.com/meridianlabs/netvault/infrastructure/metrics"
	"github.com/meridianlabs/netvault/infrastructure/redaction"
	coreservice "github.com/meridianlabs/netvault/internal/app/core/service"
	"github.com/meridianlabs/netvault/internal/app/domain/backup"
	"github.com/meridianlabs/netvault/internal/clipool"
	"github.com/meridianlabs/netvault/internal/httppool"
	"github.com/meridianlabs/netvault/internal/repoclient"
	"github.com/meridianlabs/netvault/internal/scrub"
)

// DeviceLoader loads the inventory a job operates over. The inventory store
// itself is out of this engine's scope (spec §1); this is its narrow
// collaborator interface.
type DeviceLoader interface {
	LoadDevices(ctx context.Context, deviceIDs []string) ([]backup.Device, error)
	GetSite(ctx context.Context, siteID string) (backup.Site, error)
}

// JobStore owns Job/Result mutation during a run. All counter mutation
// flows through a single consumer goroutine (see Orchestrator.RunJob), so
// IncrementCounters need not be atomic at the storage layer.
type JobStore interface {
	MarkJobStarted(ctx context.Context, jobID string, startedAt time.Time) error
	RecordResult(ctx context.Context, result backup.Result) error
	IncrementCounters(ctx context.Context, jobID string, completedDelta, failedDelta int) error
	FinishJob(ctx context.Context, jobID string, state backup.JobState, completedAt time.Time) error
	LatestSuccessResult(ctx context.Context, deviceID string) (backup.Result, bool, error)
}

// genericOutcome unifies clipool.DeviceOutcome and httppool.DeviceOutcome so
// the orchestrator can fan both pools into one consumer.
type genericOutcome struct {
	device     backup.Device
	rawConfig  string
	err        error
	durationMS int64
}

// Orchestrator drives a single job from start to terminal state, per
// spec §4.7: it partitions devices by transport class, runs both pools
// concurrently, and funnels every outcome through Scrubber →
// Repository-Service Client, recording results and publishing progress.
type Orchestrator struct {
	devices  DeviceLoader
	jobs     JobStore
	resolver *Resolver
	repo     *repoclient.Client
	cliPool  *clipool.Pool
	httpPool *httppool.Pool
	bus      *ProgressBus
	log      *logging.Logger
	metrics  *metrics.Metrics
	audit    *zap.Logger

	ensuredRepoOrg string
}

// New constructs an Orchestrator. org is the repository-service
// organization all site repositories live under.
func New(
	devices DeviceLoader,
	jobs JobStore,
	resolver *Resolver,
	repo *repoclient.Client,
	cliPool *clipool.Pool,
	httpPool *httppool.Pool,
	bus *ProgressBus,
	log *logging.Logger,
	m *metrics.Metrics,
	repoOrg string,
) *Orchestrator {
	audit, err := zap.NewProduction(zap.Fields(zap.String("component", "backup-orchestrator")))
	if err != nil {
		audit = zap.NewNop()
	}
	return &Orchestrator{
		devices:        devices,
		jobs:           jobs,
		resolver:       resolver,
		repo:           repo,
		cliPool:        cliPool,
		httpPool:       httpPool,
		bus:            bus,
		log:            log,
		metrics:        m,
		audit:          audit,
		ensuredRepoOrg: repoOrg,
	}
}

// Descriptor advertises this engine's placement for operators/tooling that
// enumerate services by layer and capability.
func (o *Orchestrator) Descriptor() coreservice.Descriptor {
	return coreservice.Descriptor{
		Name:   "backup-orchestrator",
		Domain: "network-backup",
		Layer:  coreservice.LayerEngine,
	}.WithCapabilities("cli-backup", "https-backup", "config-scrub", "repo-commit")
}

// RunJob drives jobID over deviceIDs to a terminal state. ctx doubles as
// the cancellation token threaded through both pools: cancelling it marks
// queued devices `skipped` and in-flight sessions `timeout`/`cancelled`,
// after which the job still reaches `complete` (not `failed`) with the
// counts reflecting whatever was reached.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string, deviceIDs []string) error {
	devices, err := o.devices.LoadDevices(ctx, deviceIDs)
	if err != nil {
		return o.fatal(ctx, jobID, "load inventory", err)
	}

	sites := make(map[string]backup.Site)
	for _, d := range devices {
		if _, ok := sites[d.SiteID]; !ok {
			site, err := o.devices.GetSite(ctx, d.SiteID)
			if err != nil {
				return o.fatal(ctx, jobID, "load site", err)
			}
			sites[d.SiteID] = site
		}
	}

	var cliDevices, apiDevices, unsupported []backup.Device
	for _, d := range devices {
		switch {
		case scrub.IsCLI(d.Platform):
			cliDevices = append(cliDevices, d)
		case scrub.IsAPI(d.Platform):
			apiDevices = append(apiDevices, d)
		default:
			unsupported = append(unsupported, d)
		}
	}

	if err := o.jobs.MarkJobStarted(ctx, jobID, time.Now()); err != nil {
		return o.fatal(ctx, jobID, "mark job started", err)
	}

	credsFn := func(ctx context.Context, device backup.Device) (string, string, error) {
		creds, err := o.resolver.Resolve(ctx, device)
		if err != nil {
			return "", "", err
		}
		return creds.Username, creds.Password, nil
	}

	poolTotal := len(cliDevices) + len(apiDevices)
	merged := make(chan genericOutcome, poolTotal)
	var drain sync.WaitGroup
	if len(cliDevices) > 0 {
		drain.Add(1)
		go func() {
			defer drain.Done()
			for outcome := range o.cliPool.Run(ctx, cliDevices, credsFn) {
				merged <- genericOutcome{device: outcome.Device, rawConfig: outcome.RawConfig, err: outcome.Err, durationMS: outcome.DurationMS}
			}
		}()
	}
	if len(apiDevices) > 0 {
		drain.Add(1)
		go func() {
			defer drain.Done()
			for outcome := range o.httpPool.Run(ctx, apiDevices, credsFn) {
				merged <- genericOutcome{device: outcome.Device, rawConfig: outcome.RawConfig, err: outcome.Err, durationMS: outcome.DurationMS}
			}
		}()
	}
	go func() {
		drain.Wait()
		close(merged)
	}()

	total := len(devices)
	completed, failed := 0, 0

	// Unsupported-platform devices never reach a pool; fail them directly
	// so the job still reaches a terminal state deterministically.
	for _, d := range unsupported {
		result := backup.Result{
			JobID:    jobID,
			DeviceID: d.ID,
			State:    backup.ResultFailed,
			Error:    string(svcerrors.ErrCodeProtocol),
			At:       time.Now(),
		}
		o.recordAndPublish(ctx, jobID, total, &completed, &failed, d, result)
	}

	for outcome := range merged {
		result := o.processOutcome(ctx, jobID, sites, outcome)
		o.recordAndPublish(ctx, jobID, total, &completed, &failed, outcome.device, result)
		if o.metrics != nil {
			o.metrics.RecordJob(string(result.State), string(outcome.device.Platform), time.Duration(outcome.durationMS)*time.Millisecond)
		}
	}

	return o.finishJob(ctx, jobID, total, completed, failed)
}

func (o *Orchestrator) recordAndPublish(ctx context.Context, jobID string, total int, completed, failed *int, device backup.Device, result backup.Result) {
	switch result.State {
	case backup.ResultSuccess:
		*completed++
	case backup.ResultSkipped:
		// Skipped devices count toward neither completed nor failed but
		// still satisfy completed+failed+skipped=total at observation time
		// via the bus's Total field, which always reflects the job's
		// original device count.
	default:
		*failed++
	}

	if err := o.jobs.RecordResult(ctx, result); err != nil && o.log != nil {
		o.log.WithContext(ctx).WithError(err).Error("failed to record backup result")
	}

	// Per-device audit trail, kept separate from the operational logrus
	// logger: one high-volume record per backup attempt, never the
	// resolved credential.
	o.audit.Info("device backup outcome",
		zap.String("job_id", jobID),
		zap.String("device_id", device.ID),
		zap.String("hostname", device.Hostname),
		zap.String("state", string(result.State)),
		zap.Int64("duration_ms", result.DurationMS),
	)
	switch result.State {
	case backup.ResultSuccess:
		_ = o.jobs.IncrementCounters(ctx, jobID, 1, 0)
	case backup.ResultFailed:
		_ = o.jobs.IncrementCounters(ctx, jobID, 0, 1)
	}

	o.bus.Publish(ProgressEvent{
		JobID:      jobID,
		Total:      total,
		Completed:  *completed,
		Failed:     *failed,
		State:      "running",
		LastDevice: device.Hostname,
		LastStatus: string(result.State),
	})
}

func (o *Orchestrator) processOutcome(ctx context.Context, jobID string, sites map[string]backup.Site, outcome genericOutcome) backup.Result {
	now := time.Now()
	base := backup.Result{
		JobID:      jobID,
		DeviceID:   outcome.device.ID,
		DurationMS: outcome.durationMS,
		At:         now,
	}

	if outcome.err != nil {
		if errors.Is(outcome.err, context.Canceled) {
			base.State = backup.ResultSkipped
			base.Error = "cancelled"
			return base
		}
		base.State = backup.ResultFailed
		base.Error = classifyErr(outcome.err)
		return base
	}

	scrubbed := scrub.Scrub(outcome.rawConfig, outcome.device.Platform)

	// Informational only: the system never short-circuits on an unchanged
	// hash (commit history is the record of "we checked"), but logging the
	// comparison helps operators correlate a no-op commit with "nothing
	// changed" versus a genuine first-run.
	if prior, found, err := o.jobs.LatestSuccessResult(ctx, outcome.device.ID); err == nil && found && o.log != nil {
		if prior.ContentHash == scrubbed.Hash {
			o.log.WithContext(ctx).WithField("device_id", outcome.device.ID).Debug("content hash unchanged since prior backup")
		}
	}

	site := sites[outcome.device.SiteID]
	if err := o.repo.EnsureRepo(ctx, o.ensuredRepoOrg, site.RepoName); err != nil {
		base.State = backup.ResultFailed
		base.Error = classifyErr(err)
		base.ContentHash = scrubbed.Hash
		return base
	}

	path := outcome.device.Hostname + ".txt"
	message := fmt.Sprintf("backup job %s: %s", jobID, outcome.device.Hostname)
	commitID, err := o.repo.CommitFile(ctx, site.RepoName, path, []byte(scrubbed.Text), message)
	if err != nil {
		base.State = backup.ResultFailed
		base.Error = classifyErr(err)
		base.ContentHash = scrubbed.Hash
		return base
	}

	base.State = backup.ResultSuccess
	base.ContentHash = scrubbed.Hash
	base.CommitID = commitID
	return base
}

func classifyErr(err error) string {
	if svcErr := svcerrors.GetServiceError(err); svcErr != nil {
		return string(svcErr.Code)
	}
	var cliErr *clipool.DeviceError
	if errors.As(err, &cliErr) {
		return string(cliErr.Kind)
	}
	var httpErr *httppool.DeviceError
	if errors.As(err, &httpErr) {
		return string(httpErr.Kind)
	}
	// Unclassified errors fall through to their raw text, which can include
	// device-echoed CLI/HTTP output (auth-rejected banners sometimes quote
	// the attempted credential); redact before it reaches a result row or log.
	return redaction.RedactAll(err.Error())
}

func (o *Orchestrator) finishJob(ctx context.Context, jobID string, total, completed, failed int) error {
	now := time.Now()
	if err := o.jobs.FinishJob(ctx, jobID, backup.JobComplete, now); err != nil {
		return err
	}
	o.bus.Publish(ProgressEvent{
		JobID:     jobID,
		Total:     total,
		Completed: completed,
		Failed:    failed,
		State:     "complete",
	})
	return nil
}

func (o *Orchestrator) fatal(ctx context.Context, jobID, step string, err error) error {
	now := time.Now()
	if finErr := o.jobs.FinishJob(ctx, jobID, backup.JobFailed, now); finErr != nil && o.log != nil {
		o.log.WithContext(ctx).WithError(finErr).Error("failed to mark job failed after fatal orchestrator error")
	}
	o.bus.Publish(ProgressEvent{JobID: jobID, State: "failed"})
	finishHooks := coreservice.StartObservation(ctx, coreservice.NoopObservationHooks, map[string]string{"job_id": jobID, "step": step})
	finishHooks(err)
	return svcerrors.Fatal(fmt.Sprintf("orchestrator: %s", step), err)
}
