package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateJobDerivesOneTaskPerTickerDate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{
		ID:        "job-1",
		Tickers:   []string{"BBCA", "TLKM"},
		DateFrom:  "2025-11-01",
		DateUntil: "2025-11-03",
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	tasks, err := s.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 6 { // 2 tickers x 3 days
		t.Fatalf("expected 6 tasks, got %d", len(tasks))
	}
	for _, task := range tasks {
		if task.Status != TaskQueued {
			t.Errorf("task %+v not queued", task)
		}
	}

	loaded, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if loaded.Status != JobQueued {
		t.Errorf("job status = %v, want queued", loaded.Status)
	}
	if len(loaded.Tickers) != 2 {
		t.Errorf("tickers = %v", loaded.Tickers)
	}
}

func TestLoadJobNotFoundReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	job, err := s.LoadJob(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestUpdateJobStatusStampsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus running: %v", err)
	}
	running, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if running.StartedAt == nil {
		t.Fatal("expected started_at to be stamped")
	}

	if err := s.UpdateJobStatus(ctx, "job-1", JobCompleted); err != nil {
		t.Fatalf("UpdateJobStatus completed: %v", err)
	}
	done, err := s.LoadJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if done.CompletedAt == nil {
		t.Fatal("expected completed_at to be stamped")
	}
}

func TestPickNextRunnableOnlyFromRunningJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	task, err := s.PickNextRunnable(ctx, "")
	if err != nil {
		t.Fatalf("PickNextRunnable: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no runnable task while job is queued, got %+v", task)
	}

	if err := s.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	task, err = s.PickNextRunnable(ctx, "")
	if err != nil {
		t.Fatalf("PickNextRunnable: %v", err)
	}
	if task == nil {
		t.Fatal("expected a runnable task once job is running")
	}
	if task.Ticker != "BBCA" || task.Date != "2025-11-01" {
		t.Fatalf("unexpected task: %+v", task)
	}
}

func TestTaskInProgressCursorAdvanceThenDone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	cursor, err := s.SetTaskInProgress(ctx, "job-1", "BBCA", "2025-11-01")
	if err != nil {
		t.Fatalf("SetTaskInProgress: %v", err)
	}
	if cursor != "" {
		t.Fatalf("expected empty initial cursor, got %q", cursor)
	}

	if err := s.UpdateTask(ctx, "job-1", "BBCA", "2025-11-01", TaskInProgress, "cursor-1", 100); err != nil {
		t.Fatalf("UpdateTask (advance cursor): %v", err)
	}

	tasks, err := s.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].NextCursor != "cursor-1" || tasks[0].RowsWritten != 100 {
		t.Fatalf("unexpected task state: %+v", tasks)
	}

	if err := s.UpdateTask(ctx, "job-1", "BBCA", "2025-11-01", TaskDone, "cursor-1", 0); err != nil {
		t.Fatalf("UpdateTask (done): %v", err)
	}
	tasks, err = s.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if tasks[0].Status != TaskDone {
		t.Fatalf("status = %v, want done", tasks[0].Status)
	}
}

// TestReclaimInProgressOnRestart covers spec §4.7's restart invariant: a
// task left in_progress by a crashed process is reclaimed to queued.
func TestReclaimInProgressOnRestart(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Tickers: []string{"BBCA", "TLKM"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	if _, err := s.SetTaskInProgress(ctx, "job-1", "BBCA", "2025-11-01"); err != nil {
		t.Fatalf("SetTaskInProgress: %v", err)
	}

	n, err := s.ReclaimInProgress(ctx)
	if err != nil {
		t.Fatalf("ReclaimInProgress: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d tasks, want 1", n)
	}

	tasks, err := s.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.Status != TaskQueued {
			t.Errorf("task %s/%s status = %v after reclaim, want queued", task.Ticker, task.Date, task.Status)
		}
	}
}

func TestSkipNonTerminalTasksOnCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &Job{ID: "job-1", Tickers: []string{"BBCA", "TLKM"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.UpdateJobStatus(ctx, "job-1", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	if err := s.UpdateTask(ctx, "job-1", "BBCA", "2025-11-01", TaskDone, "", 10); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	if err := s.SkipNonTerminalTasks(ctx, "job-1"); err != nil {
		t.Fatalf("SkipNonTerminalTasks: %v", err)
	}

	tasks, err := s.ListTasks(ctx, "job-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	for _, task := range tasks {
		if task.Ticker == "BBCA" && task.Status != TaskDone {
			t.Errorf("done task was overwritten: %+v", task)
		}
		if task.Ticker == "TLKM" && task.Status != TaskSkipped {
			t.Errorf("non-terminal task not skipped: %+v", task)
		}
	}
}

func TestAppendLogAndRecentLogsHonorsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		entry := LogEntry{TS: time.Now(), Level: "info", JobID: "job-1", Message: "tick"}
		if err := s.AppendLog(ctx, entry); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	logs, err := s.RecentLogs(ctx, "job-1", 3)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(logs))
	}
}

func TestListJobsFiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		job := &Job{ID: id, Tickers: []string{"BBCA"}, DateFrom: "2025-11-01", DateUntil: "2025-11-01"}
		if err := s.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob %s: %v", id, err)
		}
	}
	if err := s.UpdateJobStatus(ctx, "a", JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus: %v", err)
	}

	running, err := s.ListJobs(ctx, JobRunning)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(running) != 1 || running[0].ID != "a" {
		t.Fatalf("running jobs = %+v", running)
	}

	all, err := s.ListJobs(ctx, "")
	if err != nil {
		t.Fatalf("ListJobs all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("all jobs = %+v", all)
	}
}
