// Package csvsink implements the CSV Sink (spec §4.3): an append-only,
// header-bearing, daily-rotating CSV writer keyed by (dataset, ticker,
// date). Rotation follows the UTC policy fixed in SPEC_FULL.md §4 (Open
// Question: rotation timezone).
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Dataset names the two column layouts the sink knows about.
type Dataset string

const (
	DatasetRunningTrade Dataset = "running_trade"
	DatasetOrderbook    Dataset = "orderbook"
)

// columns gives the fixed, ordered header for each dataset (spec §4.3).
var columns = map[Dataset][]string{
	DatasetRunningTrade: {
		"id", "date", "time", "action", "code", "price", "change", "lot",
		"buyer", "seller", "trade_number", "buyer_type", "seller_type", "market_board",
	},
	DatasetOrderbook: {
		"timestamp", "price", "lots", "total_value", "side",
	},
}

// Row is a single logical row to append, keyed by column name so callers
// don't need to track column order themselves.
type Row map[string]string

// key identifies one physical CSV file.
type key struct {
	dataset Dataset
	ticker  string
	date    string // YYYY-MM-DD, UTC
}

func (k key) path(baseDir string) string {
	return filepath.Join(baseDir, string(k.dataset), fmt.Sprintf("%s_%s.csv", k.date, k.ticker))
}

// openFile tracks one (dataset, ticker, date) file's handle and writer,
// guarded by its own mutex so concurrent appends to the same key serialize
// without blocking appends to other keys.
type openFile struct {
	mu     sync.Mutex
	f      *os.File
	w      *csv.Writer
	header bool
}

// seriesKey identifies a (dataset, ticker) series independent of date, so
// the sink can track which date was last written for that series and close
// the stale handle on rollover.
type seriesKey struct {
	dataset Dataset
	ticker  string
}

// Sink is the CSV Sink. The zero value is not usable; construct with New.
type Sink struct {
	baseDir string

	filesMu    sync.Mutex
	files      map[key]*openFile
	lastByDate map[seriesKey]string

	// onRotate, if set, is invoked in its own goroutine whenever a
	// (dataset, ticker) file rolls over to a new date, after the previous
	// day's file has been flushed and closed. It never blocks Append.
	onRotate func(dataset Dataset, ticker, date, path string)
}

// New creates a Sink rooted at baseDir (e.g. config.DataDir). Parent
// directories for individual files are created lazily on first append.
func New(baseDir string) *Sink {
	return &Sink{
		baseDir:    baseDir,
		files:      make(map[key]*openFile),
		lastByDate: make(map[seriesKey]string),
	}
}

// OnRotate registers a hook invoked with the dataset, ticker, date, and path
// of each file as it is closed by a rollover to the next day. Used by
// internal/archive to upload a completed day's file without blocking the
// write path. Only one hook is supported; a second call replaces the first.
func (s *Sink) OnRotate(fn func(dataset Dataset, ticker, date, path string)) {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	s.onRotate = fn
}

// Append writes a single row for (dataset, ticker) to the file for date
// (YYYY-MM-DD, UTC). It creates missing parent directories, writes the
// dataset's header on first write to a given file, and flushes after every
// append so that a crash leaves only complete rows on disk.
//
// Concurrent appends to the same (dataset, ticker, date) are serialized;
// appends to different keys proceed independently.
func (s *Sink) Append(dataset Dataset, ticker, date string, row Row) error {
	cols, ok := columns[dataset]
	if !ok {
		return fmt.Errorf("csvsink: unknown dataset %q", dataset)
	}

	k := key{dataset: dataset, ticker: ticker, date: date}

	s.closeStaleIfRolledOver(seriesKey{dataset: dataset, ticker: ticker}, date)

	of := s.getOrCreate(k)

	of.mu.Lock()
	defer of.mu.Unlock()

	if err := s.ensureOpen(of, k); err != nil {
		return err
	}

	if !of.header {
		if err := of.w.Write(cols); err != nil {
			return fmt.Errorf("csvsink: write header: %w", err)
		}
		of.header = true
	}

	record := make([]string, len(cols))
	for i, col := range cols {
		record[i] = row[col]
	}

	if err := of.w.Write(record); err != nil {
		return fmt.Errorf("csvsink: write row: %w", err)
	}
	of.w.Flush()
	if err := of.w.Error(); err != nil {
		return fmt.Errorf("csvsink: flush: %w", err)
	}

	return nil
}

// closeStaleIfRolledOver detects a date rollover for sk (the append now
// targets a different date than the last append to this series) and closes
// the previous day's handle after flushing it, per spec §4.3: "the previous
// day's file is closed after being flushed."
func (s *Sink) closeStaleIfRolledOver(sk seriesKey, date string) {
	s.filesMu.Lock()
	prevDate, tracked := s.lastByDate[sk]
	s.lastByDate[sk] = date
	var stale *openFile
	var staleKey key
	if tracked && prevDate != date {
		staleKey = key{dataset: sk.dataset, ticker: sk.ticker, date: prevDate}
		if of, ok := s.files[staleKey]; ok {
			stale = of
			delete(s.files, staleKey)
		}
	}
	hook := s.onRotate
	s.filesMu.Unlock()

	if stale == nil {
		return
	}
	stale.mu.Lock()
	if stale.f != nil {
		stale.w.Flush()
		stale.f.Close()
		stale.f = nil
	}
	stale.mu.Unlock()

	if hook != nil {
		path := staleKey.path(s.baseDir)
		go hook(staleKey.dataset, staleKey.ticker, staleKey.date, path)
	}
}

// getOrCreate returns the openFile for k, creating a placeholder entry
// under the map-level lock if none exists yet. The returned openFile's own
// mutex still needs to be held by the caller before use.
func (s *Sink) getOrCreate(k key) *openFile {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	of, ok := s.files[k]
	if !ok {
		of = &openFile{}
		s.files[k] = of
	}
	return of
}

// ensureOpen opens the file for k if it is not already open. Callers must
// hold of.mu.
func (s *Sink) ensureOpen(of *openFile, k key) error {
	if of.f != nil {
		return nil
	}

	path := k.path(s.baseDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("csvsink: create dataset dir: %w", err)
	}

	existing, statErr := os.Stat(path)
	headerAlreadyWritten := statErr == nil && existing.Size() > 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("csvsink: open %s: %w", path, err)
	}

	of.f = f
	of.w = csv.NewWriter(f)
	of.header = headerAlreadyWritten

	return nil
}

// Close flushes and closes every open file handle. Safe to call once at
// shutdown; it is not safe to Append after Close.
func (s *Sink) Close() error {
	s.filesMu.Lock()
	defer s.filesMu.Unlock()

	var firstErr error
	for k, of := range s.files {
		of.mu.Lock()
		if of.f != nil {
			of.w.Flush()
			if err := of.f.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("csvsink: close %s: %w", k.path(s.baseDir), err)
			}
		}
		of.mu.Unlock()
	}
	return firstErr
}

// RotationDate returns the UTC calendar date string (YYYY-MM-DD) that t
// falls on, per the fixed UTC rotation policy.
func RotationDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Path returns the on-disk path for (dataset, ticker, date) without
// touching the filesystem, for callers (e.g. the files facade) that need to
// locate a file without writing to it.
func (s *Sink) Path(dataset Dataset, ticker, date string) string {
	return key{dataset: dataset, ticker: ticker, date: date}.path(s.baseDir)
}

// ListFiles returns the CSV file paths currently present on disk for
// dataset, across all tickers and dates.
func (s *Sink) ListFiles(dataset Dataset) ([]string, error) {
	dir := filepath.Join(s.baseDir, string(dataset))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("csvsink: list %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}
