// Package facade exposes the system's transport-agnostic control surface
// (spec §6): credential management, historical job control, streaming
// session control, and CSV file listing, as a single typed Go API that a
// CLI, an HTTP handler, or a test can call directly without depending on
// any particular transport.
package facade

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cloudmanic/stockbit-ingest/internal/archive"
	"github.com/cloudmanic/stockbit-ingest/internal/credential"
	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
	"github.com/cloudmanic/stockbit-ingest/internal/jobstore"
	"github.com/cloudmanic/stockbit-ingest/internal/scheduler"
	"github.com/cloudmanic/stockbit-ingest/internal/streaming"
)

// Facade is the core's single entry point. Construct with New once every
// collaborator (credential store, job store, scheduler, streaming manager,
// CSV sink) is wired up.
type Facade struct {
	Cred      *credential.Store
	Jobs      *jobstore.Store
	Scheduler *scheduler.Scheduler
	Streams   *streaming.Manager
	Sink      *csvsink.Sink
	Archive   *archive.Client // nil when no archive bucket is configured
}

// New constructs a Facade over already-wired collaborators. arc may be nil
// when archive upload/retrieval is not configured.
func New(cred *credential.Store, jobs *jobstore.Store, sched *scheduler.Scheduler, streams *streaming.Manager, sink *csvsink.Sink, arc *archive.Client) *Facade {
	return &Facade{Cred: cred, Jobs: jobs, Scheduler: sched, Streams: streams, Sink: sink, Archive: arc}
}

// --- Credentials ---------------------------------------------------------

// CredentialStatus summarizes the current credential for get_status.
type CredentialStatus struct {
	Present         bool
	Valid           bool
	UserID          int64
	UserIDKnown     bool
	TimeUntilExpiry time.Duration
	ExpiryKnown     bool
}

// SetToken stores a new bearer token and cookie string.
func (f *Facade) SetToken(token, cookies string) error {
	return f.Cred.Set(token, cookies)
}

// GetStatus reports the current credential's validity and, if known, its
// remaining lifetime and extracted user id.
func (f *Facade) GetStatus() CredentialStatus {
	snap := f.Cred.Snapshot()
	remaining, expiryKnown := f.Cred.TimeUntilExpiry()
	userID, userIDKnown := f.Cred.UserID()

	return CredentialStatus{
		Present:         snap.AccessToken != "",
		Valid:           f.Cred.IsValid(),
		UserID:          userID,
		UserIDKnown:     userIDKnown,
		TimeUntilExpiry: remaining,
		ExpiryKnown:     expiryKnown,
	}
}

// ClearCredential removes the current credential from memory and disk.
func (f *Facade) ClearCredential() error {
	return f.Cred.Clear()
}

// --- Jobs ------------------------------------------------------------------

// CreateJobRequest describes a new historical backfill job.
type CreateJobRequest struct {
	Tickers   []string
	DateFrom  string
	DateUntil string
	Delay     time.Duration // delay_between_requests; 0 means no delay between pages
}

// CreateJob persists a new job (and its derived tasks) in status queued.
func (f *Facade) CreateJob(ctx context.Context, req CreateJobRequest) (*jobstore.Job, error) {
	if len(req.Tickers) == 0 {
		return nil, fmt.Errorf("facade: create_job requires at least one ticker")
	}

	job := &jobstore.Job{
		ID:                   uuid.NewString(),
		Tickers:              req.Tickers,
		DateFrom:             req.DateFrom,
		DateUntil:            req.DateUntil,
		DelayBetweenRequests: req.Delay,
	}
	if err := f.Jobs.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs matching statusFilter, or every job if statusFilter
// is empty.
func (f *Facade) ListJobs(ctx context.Context, statusFilter jobstore.JobStatus) ([]*jobstore.Job, error) {
	return f.Jobs.ListJobs(ctx, statusFilter)
}

// GetJob returns the job identified by id, or (nil, nil) if not found.
func (f *Facade) GetJob(ctx context.Context, id string) (*jobstore.Job, error) {
	return f.Jobs.LoadJob(ctx, id)
}

// Pause pauses a running job.
func (f *Facade) Pause(ctx context.Context, jobID string) error {
	return f.Scheduler.Pause(ctx, jobID)
}

// Resume resumes a paused job.
func (f *Facade) Resume(ctx context.Context, jobID string) error {
	return f.Scheduler.Resume(ctx, jobID)
}

// Cancel cancels a job, skipping all of its non-terminal tasks.
func (f *Facade) Cancel(ctx context.Context, jobID string) error {
	return f.Scheduler.Cancel(ctx, jobID)
}

// RecentLogs returns up to limit recent log entries, optionally scoped to a
// single job (pass "" for every job).
func (f *Facade) RecentLogs(ctx context.Context, jobID string, limit int) ([]jobstore.LogEntry, error) {
	return f.Jobs.RecentLogs(ctx, jobID, limit)
}

// --- Streaming ---------------------------------------------------------

// StartStream creates and starts a new streaming Session for tickers. If
// sessionID is empty, one is generated.
func (f *Facade) StartStream(sessionID string, tickers []string, maxRetries int) (string, error) {
	return f.Streams.StartStream(sessionID, tickers, maxRetries)
}

// StopStream stops the named session.
func (f *Facade) StopStream(sessionID string) error {
	return f.Streams.StopStream(sessionID)
}

// ListStreams returns stats for every session the manager knows about.
func (f *Facade) ListStreams() []streaming.Stats {
	return f.Streams.List()
}

// GetStream returns stats for one session.
func (f *Facade) GetStream(sessionID string) (streaming.Stats, error) {
	return f.Streams.GetStats(sessionID)
}

// --- Files ---------------------------------------------------------------

// ListCSV returns the CSV files available for dataset: every file currently
// on disk, plus any archived object not already represented locally, when
// an archive client is configured.
func (f *Facade) ListCSV(ctx context.Context, dataset csvsink.Dataset) ([]string, error) {
	local, err := f.Sink.ListFiles(dataset)
	if err != nil {
		return nil, err
	}
	if f.Archive == nil {
		return local, nil
	}

	objs, err := f.Archive.ListObjects(ctx, dataset, "", "")
	if err != nil {
		return nil, fmt.Errorf("facade: list archived %s objects: %w", dataset, err)
	}

	present := make(map[string]bool, len(local))
	for _, p := range local {
		present[filepath.Base(p)] = true
	}
	for _, o := range objs {
		if base := filepath.Base(o.Key); !present[base] {
			local = append(local, o.Key)
		}
	}
	return local, nil
}

// OpenCSVForRead returns a local, readable path for (dataset, ticker, date).
// If the file is not already on disk and an archive client is configured,
// it is downloaded from the archive first.
func (f *Facade) OpenCSVForRead(ctx context.Context, dataset csvsink.Dataset, ticker, date string) (string, error) {
	path := f.Sink.Path(dataset, ticker, date)

	if _, err := os.Stat(path); err == nil {
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("facade: stat %s: %w", path, err)
	}

	if f.Archive == nil {
		return "", fmt.Errorf("facade: %s %s %s not found locally and no archive configured", dataset, ticker, date)
	}

	key, err := archive.BuildKey(dataset, ticker, date)
	if err != nil {
		return "", err
	}
	if err := f.Archive.DownloadObject(ctx, key, path); err != nil {
		return "", fmt.Errorf("facade: download archived %s: %w", key, err)
	}
	return path, nil
}
