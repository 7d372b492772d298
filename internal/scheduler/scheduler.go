// Package scheduler implements the Historical Job Scheduler (spec §4.8): a
// single background worker that drains runnable Tasks from the Job Store,
// paginating the REST Client's running-trade endpoint and persisting every
// page through the CSV Sink before advancing the Task's cursor.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
	"github.com/cloudmanic/stockbit-ingest/internal/errs"
	"github.com/cloudmanic/stockbit-ingest/internal/jobstore"
	"github.com/cloudmanic/stockbit-ingest/internal/restclient"
)

const (
	retryBackoffBase = 1 * time.Second
	retryBackoffCap  = 60 * time.Second
	maxRetryAttempts = 5

	idlePollInterval = 2 * time.Second
)

// RESTClient is the REST Client capability the Scheduler needs.
type RESTClient interface {
	FetchTrades(ticker, date, cursor string) (rows []restclient.Trade, nextCursor string, err error)
}

// CredentialSource reports whether the current credential is usable.
type CredentialSource interface {
	IsValid() bool
}

// Scheduler drains runnable tasks from store, one at a time, per spec §4.8.
type Scheduler struct {
	store *jobstore.Store
	rest  RESTClient
	sink  *csvsink.Sink
	cred  CredentialSource

	idlePollInterval time.Duration
	retryBase        time.Duration
	retryCap         time.Duration
	maxRetries       int

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Scheduler. Call Start to begin draining tasks.
func New(store *jobstore.Store, rest RESTClient, sink *csvsink.Sink, cred CredentialSource) *Scheduler {
	return &Scheduler{
		store:            store,
		rest:             rest,
		sink:             sink,
		cred:             cred,
		idlePollInterval: idlePollInterval,
		retryBase:        retryBackoffBase,
		retryCap:         retryBackoffCap,
		maxRetries:       maxRetryAttempts,
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
	}
}

// Start launches the worker loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
}

// Stop signals the worker to exit at its next safe point and waits for it.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	<-s.doneCh
}

func (s *Scheduler) stopRequested() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until stop is requested, returning false if stop won.
func (s *Scheduler) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stopCh:
		return false
	}
}

func (s *Scheduler) run() {
	defer close(s.doneCh)
	ctx := context.Background()

	if _, err := s.store.ReclaimInProgress(ctx); err != nil {
		s.log(ctx, "", fmt.Sprintf("reclaim in_progress tasks on startup: %v", err))
	}

	for {
		if s.stopRequested() {
			return
		}

		task, err := s.store.PickNextRunnable(ctx, "")
		if err != nil {
			s.log(ctx, "", fmt.Sprintf("pick next runnable: %v", err))
			if !s.sleep(s.idlePollInterval) {
				return
			}
			continue
		}

		if task == nil {
			if !s.promoteOneQueuedJob(ctx) {
				if !s.sleep(s.idlePollInterval) {
					return
				}
			}
			continue
		}

		s.processTask(ctx, task)
	}
}

// promoteOneQueuedJob moves the oldest queued job to running so its tasks
// become pickable, and reports whether it promoted one.
func (s *Scheduler) promoteOneQueuedJob(ctx context.Context) bool {
	queued, err := s.store.ListJobs(ctx, jobstore.JobQueued)
	if err != nil {
		s.log(ctx, "", fmt.Sprintf("list queued jobs: %v", err))
		return false
	}
	if len(queued) == 0 {
		return false
	}

	job := queued[len(queued)-1] // ListJobs orders newest-first; oldest queued job goes first
	if err := s.store.UpdateJobStatus(ctx, job.ID, jobstore.JobRunning); err != nil {
		s.log(ctx, job.ID, fmt.Sprintf("promote queued job: %v", err))
		return false
	}
	return true
}

// processTask runs the per-task algorithm of spec §4.8 step-by-step.
func (s *Scheduler) processTask(ctx context.Context, task *jobstore.Task) {
	jobID := task.JobID

	if !s.cred.IsValid() {
		if err := s.store.UpdateJobStatus(ctx, jobID, jobstore.JobAuthPaused); err != nil {
			s.log(ctx, jobID, fmt.Sprintf("auth_paused transition: %v", err))
		}
		s.log(ctx, jobID, "credential invalid, pausing job")
		return
	}

	cursor, err := s.store.SetTaskInProgress(ctx, jobID, task.Ticker, task.Date)
	if err != nil {
		s.log(ctx, jobID, fmt.Sprintf("set task in_progress: %v", err))
		return
	}

	job, err := s.store.LoadJob(ctx, jobID)
	if err != nil || job == nil {
		s.log(ctx, jobID, fmt.Sprintf("load job for delay_between_requests: %v", err))
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase
	bo.Multiplier = 2
	bo.MaxInterval = s.retryCap
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	attempts := 0

	for {
		if s.stopRequested() {
			if err := s.store.ReturnTaskToQueued(ctx, jobID, task.Ticker, task.Date); err != nil {
				s.log(ctx, jobID, fmt.Sprintf("return task to queued on stop: %v", err))
			}
			return
		}

		rows, nextCursor, err := s.rest.FetchTrades(task.Ticker, task.Date, cursor)
		switch {
		case err == nil:
			attempts = 0
			bo.Reset()
			if writeErr := s.writeRows(task.Ticker, task.Date, rows); writeErr != nil {
				s.log(ctx, jobID, fmt.Sprintf("write rows: %v", writeErr))
				if err := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, 0); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("mark task failed (write rows): %v", err))
				}
				if err := s.store.RecordJobError(ctx, jobID, writeErr.Error()); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("record job error: %v", err))
				}
				s.maybeCompleteJob(ctx, jobID)
				return
			}

			if updErr := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskInProgress, nextCursor, int64(len(rows))); updErr != nil {
				s.log(ctx, jobID, fmt.Sprintf("persist cursor: %v", updErr))
				return
			}
			if progErr := s.store.AddJobProgress(ctx, jobID, int64(len(rows)), 1); progErr != nil {
				s.log(ctx, jobID, fmt.Sprintf("add job progress: %v", progErr))
			}

			if !s.jobStillRunning(ctx, jobID) {
				if cur, err := s.store.LoadJob(ctx, jobID); err == nil && cur != nil && cur.Status == jobstore.JobCancelled {
					if err := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskSkipped, nextCursor, 0); err != nil {
						s.log(ctx, jobID, fmt.Sprintf("skip task (cancelled mid-job): %v", err))
					}
					return
				}
				if err := s.store.ReturnTaskToQueued(ctx, jobID, task.Ticker, task.Date); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("return task to queued (paused mid-job): %v", err))
				}
				return
			}

			if nextCursor == "" {
				if err := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskDone, nextCursor, 0); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("mark task done: %v", err))
				}
				s.maybeCompleteJob(ctx, jobID)
				return
			}

			cursor = nextCursor
			if job.DelayBetweenRequests > 0 {
				if !s.sleep(job.DelayBetweenRequests) {
					if err := s.store.ReturnTaskToQueued(ctx, jobID, task.Ticker, task.Date); err != nil {
						s.log(ctx, jobID, fmt.Sprintf("return task to queued on stop: %v", err))
					}
					return
				}
			}

		case errs.IsAuthExpired(err):
			if err := s.store.UpdateJobStatus(ctx, jobID, jobstore.JobAuthPaused); err != nil {
				s.log(ctx, jobID, fmt.Sprintf("auth_paused transition: %v", err))
			}
			if err := s.store.ReturnTaskToQueued(ctx, jobID, task.Ticker, task.Date); err != nil {
				s.log(ctx, jobID, fmt.Sprintf("return task to queued (auth expired): %v", err))
			}
			s.log(ctx, jobID, "credential rejected by broker, job auth_paused")
			return

		case errs.IsRetryable(err):
			attempts++
			if attempts > s.maxRetries {
				if err := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, 0); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("mark task failed: %v", err))
				}
				if err := s.store.RecordJobError(ctx, jobID, err.Error()); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("record job error: %v", err))
				}
				s.maybeCompleteJob(ctx, jobID)
				return
			}
			delay := bo.NextBackOff()
			if !s.sleep(delay) {
				if err := s.store.ReturnTaskToQueued(ctx, jobID, task.Ticker, task.Date); err != nil {
					s.log(ctx, jobID, fmt.Sprintf("return task to queued on stop: %v", err))
				}
				return
			}

		default:
			if err := s.store.UpdateTask(ctx, jobID, task.Ticker, task.Date, jobstore.TaskFailed, cursor, 0); err != nil {
				s.log(ctx, jobID, fmt.Sprintf("mark task failed (malformed/fatal): %v", err))
			}
			if err := s.store.RecordJobError(ctx, jobID, err.Error()); err != nil {
				s.log(ctx, jobID, fmt.Sprintf("record job error: %v", err))
			}
			s.maybeCompleteJob(ctx, jobID)
			return
		}
	}
}

// jobStillRunning reports whether jobID's status is still running, used to
// detect a mid-job pause/cancel so the in-flight task is returned to queued
// (pause) or marked skipped again (cancel; persisting the page's cursor had
// set it back to in_progress) after finishing its current page, per spec
// §4.8's pause semantics.
func (s *Scheduler) jobStillRunning(ctx context.Context, jobID string) bool {
	job, err := s.store.LoadJob(ctx, jobID)
	if err != nil || job == nil {
		return false
	}
	return job.Status == jobstore.JobRunning
}

func (s *Scheduler) writeRows(ticker, date string, rows []restclient.Trade) error {
	for _, r := range rows {
		row := csvsink.Row{
			"id":           r.ID,
			"date":         r.Date,
			"time":         r.Time,
			"action":       r.Action,
			"code":         r.Code,
			"price":        r.Price,
			"change":       r.Change,
			"lot":          r.Lot,
			"buyer":        r.Buyer,
			"seller":       r.Seller,
			"trade_number": r.TradeNumber,
			"buyer_type":   r.BuyerType,
			"seller_type":  r.SellerType,
			"market_board": r.MarketBoard,
		}
		if err := s.sink.Append(csvsink.DatasetRunningTrade, ticker, date, row); err != nil {
			return err
		}
	}
	return nil
}

// maybeCompleteJob computes job completion per spec §4.8 step 5: once every
// task is terminal, the job becomes completed (all done/skipped) or failed
// (any failed).
func (s *Scheduler) maybeCompleteJob(ctx context.Context, jobID string) {
	tasks, err := s.store.ListTasks(ctx, jobID)
	if err != nil {
		s.log(ctx, jobID, fmt.Sprintf("list tasks for completion check: %v", err))
		return
	}

	anyFailed := false
	for _, t := range tasks {
		switch t.Status {
		case jobstore.TaskDone, jobstore.TaskSkipped:
			continue
		case jobstore.TaskFailed:
			anyFailed = true
		default:
			return // still has non-terminal work
		}
	}

	status := jobstore.JobCompleted
	if anyFailed {
		status = jobstore.JobFailed
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, status); err != nil {
		s.log(ctx, jobID, fmt.Sprintf("finalize job status: %v", err))
	}
}

func (s *Scheduler) log(ctx context.Context, jobID, message string) {
	_ = s.store.AppendLog(ctx, jobstore.LogEntry{
		TS:      time.Now(),
		Level:   "info",
		JobID:   jobID,
		Message: message,
	})
}

// Pause moves a running job to paused. The currently running task, if any,
// finishes its in-flight page and is then returned to queued.
func (s *Scheduler) Pause(ctx context.Context, jobID string) error {
	return s.store.UpdateJobStatus(ctx, jobID, jobstore.JobPaused)
}

// Resume moves a paused job back to running; its tasks resume from their
// persisted next_cursor.
func (s *Scheduler) Resume(ctx context.Context, jobID string) error {
	return s.store.UpdateJobStatus(ctx, jobID, jobstore.JobRunning)
}

// Cancel moves every non-terminal task of jobID to skipped and the job to
// cancelled.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.store.SkipNonTerminalTasks(ctx, jobID); err != nil {
		return err
	}
	return s.store.UpdateJobStatus(ctx, jobID, jobstore.JobCancelled)
}
