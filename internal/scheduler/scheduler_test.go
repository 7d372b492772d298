package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
	"github.com/cloudmanic/stockbit-ingest/internal/errs"
	"github.com/cloudmanic/stockbit-ingest/internal/jobstore"
	"github.com/cloudmanic/stockbit-ingest/internal/restclient"
)

type stubCred struct {
	valid bool
}

func (s *stubCred) IsValid() bool { return s.valid }

// stubRest serves FetchTrades from a scripted page sequence keyed by cursor,
// and can be told to fail the next N calls with a given error.
type stubRest struct {
	mu sync.Mutex

	// pages maps cursor -> (rows, nextCursor). "" is the starting cursor.
	pages map[string]page

	failNext int
	failErr  error

	calls int
}

type page struct {
	rows       []restclient.Trade
	nextCursor string
}

func (r *stubRest) FetchTrades(ticker, date, cursor string) ([]restclient.Trade, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++

	if r.failNext > 0 {
		r.failNext--
		return nil, "", r.failErr
	}

	p, ok := r.pages[cursor]
	if !ok {
		return nil, "", nil
	}
	return p.rows, p.nextCursor, nil
}

func newTestScheduler(t *testing.T, store *jobstore.Store, rest RESTClient, cred CredentialSource) *Scheduler {
	t.Helper()
	dir := t.TempDir()
	sink := csvsink.New(dir)
	t.Cleanup(func() { sink.Close() })

	s := New(store, rest, sink, cred)
	s.idlePollInterval = 5 * time.Millisecond
	s.retryBase = time.Millisecond
	s.retryCap = 5 * time.Millisecond
	return s
}

func waitForJobStatus(t *testing.T, store *jobstore.Store, jobID string, want jobstore.JobStatus, timeout time.Duration) *jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var job *jobstore.Job
	for time.Now().Before(deadline) {
		j, err := store.LoadJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("LoadJob: %v", err)
		}
		job = j
		if job != nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s, last seen %+v", jobID, want, job)
	return nil
}

// TestSchedulerDrainsJobAcrossMultiplePages covers the common path: a single
// task paginates through two pages and finishes done, completing the job.
func TestSchedulerDrainsJobAcrossMultiplePages(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rest := &stubRest{pages: map[string]page{
		"": {rows: []restclient.Trade{{ID: "1"}, {ID: "2"}}, nextCursor: "cursor-2"},
		"cursor-2": {rows: []restclient.Trade{{ID: "3"}}, nextCursor: ""},
	}}

	sched := newTestScheduler(t, store, rest, &stubCred{valid: true})
	sched.Start()
	defer sched.Stop()

	waitForJobStatus(t, store, "job-1", jobstore.JobCompleted, 2*time.Second)

	loaded, err := store.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.RowsWritten != 3 {
		t.Fatalf("rows_written = %d, want 3", loaded.RowsWritten)
	}
	if loaded.PagesFetched != 2 {
		t.Fatalf("pages_fetched = %d, want 2", loaded.PagesFetched)
	}

	tasks, err := store.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != jobstore.TaskDone {
		t.Fatalf("unexpected task state: %+v", tasks)
	}
}

// TestSchedulerAuthExpiredPausesJobAndPreservesCursor covers the AuthExpired
// branch: the job moves to auth_paused and the task returns to queued with
// its last persisted cursor intact.
func TestSchedulerAuthExpiredPausesJobAndPreservesCursor(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rest := &stubRest{pages: map[string]page{
		"": {rows: []restclient.Trade{{ID: "1"}}, nextCursor: "cursor-2"},
	}}
	// The first call succeeds and advances the cursor; the second call (the
	// fetch at cursor-2) is made to fail auth instead of hitting rest.
	wrapped := &sequencedRest{inner: rest, failOnCall: 2, failErr: errs.NewAuthExpired(nil)}

	sched := newTestScheduler(t, store, wrapped, &stubCred{valid: true})
	sched.Start()
	defer sched.Stop()

	waitForJobStatus(t, store, "job-1", jobstore.JobAuthPaused, 2*time.Second)

	tasks, err := store.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
	if tasks[0].Status != jobstore.TaskQueued {
		t.Fatalf("task status = %v, want queued", tasks[0].Status)
	}
	if tasks[0].NextCursor != "cursor-2" {
		t.Fatalf("task cursor = %q, want preserved cursor-2", tasks[0].NextCursor)
	}
}

// sequencedRest fails on a specific call number and otherwise delegates.
type sequencedRest struct {
	mu         sync.Mutex
	inner      RESTClient
	calls      int
	failOnCall int
	failErr    error
}

func (r *sequencedRest) FetchTrades(ticker, date, cursor string) ([]restclient.Trade, string, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.mu.Unlock()

	if call == r.failOnCall {
		return nil, "", r.failErr
	}
	return r.inner.FetchTrades(ticker, date, cursor)
}

// TestSchedulerRetryableExhaustionFailsTask covers the Retryable branch's
// exhaustion path: after max_retries failures, the task is marked failed and
// the job's error_count increments.
func TestSchedulerRetryableExhaustionFailsTask(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rest := &stubRest{failNext: 1000, failErr: errs.NewRetryable(nil)}

	sched := newTestScheduler(t, store, rest, &stubCred{valid: true})
	sched.Start()
	defer sched.Stop()

	waitForJobStatus(t, store, "job-1", jobstore.JobFailed, 2*time.Second)

	loaded, err := store.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.ErrorCount < 1 {
		t.Fatalf("error_count = %d, want >= 1", loaded.ErrorCount)
	}

	tasks, err := store.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if tasks[0].Status != jobstore.TaskFailed {
		t.Fatalf("task status = %v, want failed", tasks[0].Status)
	}
}

// TestSchedulerPauseReturnsTaskToQueuedPreservingCursor covers pause mid-job:
// the in-flight task finishes its current page and is returned to queued
// without losing its cursor.
func TestSchedulerPauseReturnsTaskToQueuedPreservingCursor(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01", DelayBetweenRequests: 20 * time.Millisecond}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	rest := &stubRest{pages: map[string]page{
		"":         {rows: []restclient.Trade{{ID: "1"}}, nextCursor: "cursor-2"},
		"cursor-2": {rows: []restclient.Trade{{ID: "2"}}, nextCursor: "cursor-3"},
		"cursor-3": {rows: []restclient.Trade{{ID: "3"}}, nextCursor: ""},
	}}

	sched := newTestScheduler(t, store, rest, &stubCred{valid: true})
	sched.Start()
	defer sched.Stop()

	// Let the first page land, then pause before the job would otherwise
	// finish.
	time.Sleep(10 * time.Millisecond)
	if err := sched.Pause(ctx, "job-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	waitForJobStatus(t, store, "job-1", jobstore.JobPaused, 2*time.Second)

	tasks, err := store.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != jobstore.TaskQueued {
		t.Fatalf("expected task queued after pause, got %+v", tasks)
	}
	if tasks[0].NextCursor == "" {
		t.Fatalf("expected a non-empty cursor preserved after pause, got %+v", tasks[0])
	}

	if err := sched.Resume(ctx, "job-1"); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	waitForJobStatus(t, store, "job-1", jobstore.JobCompleted, 2*time.Second)
}

// TestSchedulerCancelSkipsNonTerminalTasks covers cancel(job_id): every
// non-terminal task moves to skipped and the job to cancelled.
func TestSchedulerCancelSkipsNonTerminalTasks(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA", "TLKM"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	sched := newTestScheduler(t, store, &stubRest{}, &stubCred{valid: true})

	if err := sched.Cancel(ctx, "job-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	loaded, err := store.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.Status != jobstore.JobCancelled {
		t.Fatalf("job status = %v, want cancelled", loaded.Status)
	}

	tasks, err := store.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != jobstore.TaskSkipped {
			t.Errorf("task %s/%s status = %v, want skipped", task.Ticker, task.Date, task.Status)
		}
	}
}

// TestSchedulerReclaimsInProgressOnStartup covers the restart invariant: a
// task left in_progress by a prior crash is reclaimed to queued before the
// worker loop starts picking tasks.
func TestSchedulerReclaimsInProgressOnStartup(t *testing.T) {
	store := newTestStoreForScheduler(t)
	ctx := context.Background()

	job := &jobstore.Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.UpdateJobStatus(ctx, "job-1", jobstore.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}
	if _, err := store.SetTaskInProgress(ctx, "job-1", "BBCA", "2025-11-01"); err != nil {
		t.Fatalf("SetTaskInProgress: %v", err)
	}

	rest := &stubRest{pages: map[string]page{
		"": {rows: []restclient.Trade{{ID: "1"}}, nextCursor: ""},
	}}

	sched := newTestScheduler(t, store, rest, &stubCred{valid: true})
	sched.Start()
	defer sched.Stop()

	waitForJobStatus(t, store, "job-1", jobstore.JobCompleted, 2*time.Second)
}

func newTestStoreForScheduler(t *testing.T) *jobstore.Store {
	t.Helper()
	path := t.TempDir() + "/jobs.db"
	s, err := jobstore.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}
