// Package logstore implements the per-service-per-day append-only log with
// a running summary, bounded retention, and rotation at local midnight.
// Documents are write-through cached in memory: each append re-serializes
// and overwrites the file, because the summary must stay consistent with
// the heartbeat/event arrays.
package logstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/northlake-systems/pulsewatch/pkg/types"
)

// EntryKind distinguishes a heartbeat append (which mutates the summary)
// from an event append (which does not).
type EntryKind int

const (
	KindHeartbeat EntryKind = iota
	KindEvent
)

// Heartbeat is one heartbeat row in a daily document.
type Heartbeat struct {
	Check     string          `json:"check"`
	Timestamp time.Time       `json:"timestamp"`
	Status    types.PulseStatus `json:"status"`
	LatencyMs int64           `json:"latencyMs"`
	Success   bool            `json:"success"`
}

// LogEvent is one state-change row in a daily document.
type LogEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Detail    interface{} `json:"detail,omitempty"`
}

// Summary is the running aggregate kept consistent with the heartbeat
// array on every write.
type Summary struct {
	CheckCount      int     `json:"checkCount"`
	SuccessCount    int     `json:"successCount"`
	FailureCount    int     `json:"failureCount"`
	AvgResponseTime float64 `json:"avgResponseTime"`
	Uptime          float64 `json:"uptime"`

	latencySum float64 // internal accumulator, not persisted twice
}

// document is the full per-(service,date) file contents.
type document struct {
	Service    string      `json:"service"`
	Date       string      `json:"date"`
	Heartbeats []Heartbeat `json:"heartbeats"`
	Events     []LogEvent  `json:"events"`
	Summary    Summary     `json:"summary"`
}

func zeroSummary() Summary {
	return Summary{Uptime: 100}
}

var whitespace = regexp.MustCompile(`\s+`)

func sanitize(service string) string {
	return whitespace.ReplaceAllString(service, "_")
}

// Store is the Log Store. Construct with New, which synchronously creates
// dir and fails fast if it cannot.
type Store struct {
	dir       string
	retention time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[string]*document // key: sanitizedService-date
}

// New creates a Log Store rooted at dir, creating dir if necessary. This
// is fatal-on-failure by spec: callers should os.Exit(1) on error.
func New(dir string, retention time.Duration, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log store: create directory %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Store{
		dir:       dir,
		retention: retention,
		logger:    logger.With("component", "logstore"),
		cache:     make(map[string]*document),
	}, nil
}

func (s *Store) path(service, date string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.json", sanitize(service), date))
}

func dateKey(t time.Time) string {
	return t.In(time.Local).Format("2006-01-02")
}

func (s *Store) cacheKey(service, date string) string {
	return sanitize(service) + "-" + date
}

func (s *Store) load(service, date string) (*document, error) {
	key := s.cacheKey(service, date)
	if doc, ok := s.cache[key]; ok {
		return doc, nil
	}

	path := s.path(service, date)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		doc := &document{Service: service, Date: date, Summary: zeroSummary()}
		s.cache[key] = doc
		return doc, nil
	}
	if err != nil {
		return nil, err
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	s.cache[key] = &doc
	return &doc, nil
}

func (s *Store) write(service, date string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(service, date), data, 0o644)
}

// AppendHeartbeat records one probe outcome, updating the running summary.
func (s *Store) AppendHeartbeat(service string, ts time.Time, check string, status types.PulseStatus, latency time.Duration, success bool) error {
	date := dateKey(ts)
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(service, date)
	if err != nil {
		s.logger.Error("failed to load log document", "service", service, "date", date, "error", err)
		return err
	}

	doc.Heartbeats = append(doc.Heartbeats, Heartbeat{
		Check:     check,
		Timestamp: ts,
		Status:    status,
		LatencyMs: latency.Milliseconds(),
		Success:   success,
	})

	sum := &doc.Summary
	sum.CheckCount++
	if success {
		sum.SuccessCount++
	} else {
		sum.FailureCount++
	}
	var latencySum float64
	latencyCount := 0
	for _, h := range doc.Heartbeats {
		if h.Success && h.LatencyMs > 0 {
			latencySum += float64(h.LatencyMs)
			latencyCount++
		}
	}
	if latencyCount > 0 {
		sum.AvgResponseTime = latencySum / float64(latencyCount)
	}
	total := sum.SuccessCount + sum.FailureCount
	if total == 0 {
		sum.Uptime = 100
	} else {
		sum.Uptime = float64(sum.SuccessCount) / float64(total) * 100
	}

	if err := s.write(service, date, doc); err != nil {
		s.logger.Error("failed to write log document", "service", service, "date", date, "error", err)
		return err
	}
	return nil
}

// AppendEvent records a state-change row without touching the summary.
func (s *Store) AppendEvent(service string, ts time.Time, eventType string, detail interface{}) error {
	date := dateKey(ts)
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(service, date)
	if err != nil {
		s.logger.Error("failed to load log document", "service", service, "date", date, "error", err)
		return err
	}

	doc.Events = append(doc.Events, LogEvent{Type: eventType, Timestamp: ts, Detail: detail})

	if err := s.write(service, date, doc); err != nil {
		s.logger.Error("failed to write log document", "service", service, "date", date, "error", err)
		return err
	}
	return nil
}

// HistoryEntry is one flattened, timestamp-ordered row returned by
// History, regardless of whether it came from the heartbeat or event
// array.
type HistoryEntry struct {
	Kind      string      `json:"kind"`
	Timestamp time.Time   `json:"timestamp"`
	Detail    interface{} `json:"detail"`
}

// History returns entries for service within the last `hours`, reading
// ceil(hours/24) daily documents back and filtering/sorting ascending.
func (s *Store) History(service string, hours int) []HistoryEntry {
	if hours <= 0 {
		hours = 24
	}
	days := (hours + 23) / 24

	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []HistoryEntry
	now := time.Now()
	for d := 0; d <= days; d++ {
		date := dateKey(now.AddDate(0, 0, -d))
		doc, err := s.load(service, date)
		if err != nil {
			continue
		}
		for _, h := range doc.Heartbeats {
			if !h.Timestamp.Before(cutoff) {
				entries = append(entries, HistoryEntry{Kind: "heartbeat", Timestamp: h.Timestamp, Detail: h})
			}
		}
		for _, e := range doc.Events {
			if !e.Timestamp.Before(cutoff) {
				entries = append(entries, HistoryEntry{Kind: "event", Timestamp: e.Timestamp, Detail: e})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries
}

// Summary returns today's summary for service, or a zero-initialized one
// (uptime=100) if no document exists yet.
func (s *Store) Summary(service string) Summary {
	date := dateKey(time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load(service, date)
	if err != nil {
		return zeroSummary()
	}
	return doc.Summary
}

// Rotate deletes files whose mtime is older than the retention window and
// evicts their cache entries; files within retention keep their cache
// entry.
func (s *Store) Rotate() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("log store: rotate: read dir: %w", err)
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, entry.Name())
			if err := os.Remove(path); err != nil {
				s.logger.Error("failed to remove expired log file", "path", path, "error", err)
				continue
			}
			s.evictByFilename(entry.Name())
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("log rotation complete", "removed", removed)
	}
	return nil
}

func (s *Store) evictByFilename(name string) {
	key := name
	key = key[:len(key)-len(filepath.Ext(key))] // strip ".json"
	delete(s.cache, key)
}

// RunRotation runs Rotate once immediately, then again at every following
// local midnight and every 24h thereafter, until stop is closed.
func RunRotation(store *Store, stop <-chan struct{}) {
	if err := store.Rotate(); err != nil {
		store.logger.Error("initial rotation failed", "error", err)
	}

	for {
		now := time.Now()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
		timer := time.NewTimer(nextMidnight.Sub(now))

		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
			if err := store.Rotate(); err != nil {
				store.logger.Error("scheduled rotation failed", "error", err)
			}
		}
	}
}
