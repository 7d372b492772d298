//
// Date: 2026-02-15
// Copyright (c) 2026. All rights reserved.
//

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cloudmanic/stockbit-ingest/internal/archive"
	"github.com/cloudmanic/stockbit-ingest/internal/config"
	"github.com/cloudmanic/stockbit-ingest/internal/credential"
	"github.com/cloudmanic/stockbit-ingest/internal/csvsink"
	"github.com/cloudmanic/stockbit-ingest/internal/facade"
	"github.com/cloudmanic/stockbit-ingest/internal/jobstore"
	"github.com/cloudmanic/stockbit-ingest/internal/logging"
	"github.com/cloudmanic/stockbit-ingest/internal/restclient"
	"github.com/cloudmanic/stockbit-ingest/internal/scheduler"
	"github.com/cloudmanic/stockbit-ingest/internal/streaming"
)

// app bundles the wired collaborators every command needs. Each CLI
// invocation is its own process: job/credential/files state lives in the
// on-disk config dir and data dir, shared with whatever process is running
// `stockbit-ingest run`; the streaming Manager is in-memory and only ever
// sees sessions started by the current process.
type app struct {
	cfg    *config.Config
	cred   *credential.Store
	jobs   *jobstore.Store
	sink   *csvsink.Sink
	rest   *restclient.Client
	sched  *scheduler.Scheduler
	face   *facade.Facade
	log    zerolog.Logger
	closer func() error
}

// newApp loads configuration and wires every collaborator the façade needs.
// Callers must call app.close() when done.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	stateDir, err := config.Dir()
	if err != nil {
		return nil, err
	}

	cred := credential.New(filepath.Join(stateDir, "token.json"))
	if err := cred.Load(); err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	jobs, err := jobstore.Open(filepath.Join(stateDir, "jobs.db"))
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	log := logging.New(logging.Options{
		FilePath: filepath.Join(stateDir, "stockbit-ingest.log"),
		Level:    cfg.LogLevel,
	})

	sink := csvsink.New(cfg.DataDir)

	var arc *archive.Client
	if cfg.ArchiveBucket != "" {
		arc = archive.New(cfg.ArchiveBucket, os.Getenv("STOCKBIT_ARCHIVE_ACCESS_KEY"), os.Getenv("STOCKBIT_ARCHIVE_SECRET_KEY"), cfg.ArchiveEndpoint)
		sink.OnRotate(func(dataset csvsink.Dataset, ticker, date, path string) {
			key, err := archive.BuildKey(dataset, ticker, date)
			if err != nil {
				log.Error().Err(err).Str("dataset", string(dataset)).Str("ticker", ticker).Msg("build archive key")
				return
			}
			if err := arc.UploadFile(context.Background(), key, path); err != nil {
				log.Error().Err(err).Str("key", key).Msg("archive upload")
			}
		})
	}

	rest := restclient.New(cfg.RESTBaseURL, cred, cfg.RequestTimeoutDuration())

	sched := scheduler.New(jobs, rest, sink, cred)

	streams := streaming.NewManager(func(sessionID string, tickers []string, maxRetries int) streaming.Config {
		uid, _ := cred.UserID()
		return streaming.Config{
			UserID:     uid,
			Cred:       cred,
			RestClient: rest,
			Sink:       sink,
			WSURL:      cfg.WSURL,
		}
	})

	face := facade.New(cred, jobs, sched, streams, sink, arc)

	return &app{
		cfg:    cfg,
		cred:   cred,
		jobs:   jobs,
		sink:   sink,
		rest:   rest,
		sched:  sched,
		face:   face,
		log:    log,
		closer: func() error {
			sinkErr := sink.Close()
			jobsErr := jobs.Close()
			if jobsErr != nil {
				return jobsErr
			}
			return sinkErr
		},
	}, nil
}

func (a *app) close() {
	if err := a.closer(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}
}
