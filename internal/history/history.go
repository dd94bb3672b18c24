// Package history keeps an append-only journal of sync attempts so an
// operator can see when the queue last drained and why a sync failed.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/types"
)

// StorageKey is the key the journal is persisted under.
const StorageKey = "sync_history"

// DefaultLimit bounds the journal; the oldest entries are dropped first.
const DefaultLimit = 200

// Trigger says what started a sync.
type Trigger string

const (
	TriggerReconnect Trigger = "reconnect"
	TriggerSchedule  Trigger = "schedule"
	TriggerAPI       Trigger = "api"
	TriggerSignal    Trigger = "signal"
)

// Entry is one recorded sync attempt.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Trigger   Trigger   `json:"trigger"`
	Success   bool      `json:"success"`
	Synced    int       `json:"synced"`
	Errors    int       `json:"errors"`
	Pending   int       `json:"pending"` // queue length after the attempt
}

// Journal is an append-only, size-bounded log of sync attempts.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	limit   int
	store   storage.Store
	logger  *slog.Logger
	now     func() time.Time
}

// Open loads the journal from store. A missing key starts empty; an
// unreadable one is logged and replaced.
func Open(store storage.Store, limit int, logger *slog.Logger) (*Journal, error) {
	if store == nil {
		return nil, errors.New("history: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	j := &Journal{
		limit:  limit,
		store:  store,
		logger: logger.With("component", "history"),
		now:    time.Now,
	}
	if err := j.load(); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return j, nil
}

func (j *Journal) load() error {
	data, err := j.store.Get(StorageKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &j.entries); err != nil {
		j.logger.Warn("discarding unreadable sync history", "error", err)
		j.entries = nil
	}
	return nil
}

// Record appends the outcome of one sync attempt.
func (j *Journal) Record(trigger Trigger, s types.Summary, pending int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.entries = append(j.entries, Entry{
		Timestamp: j.now().UTC(),
		Trigger:   trigger,
		Success:   s.Success,
		Synced:    s.Synced,
		Errors:    s.Errors,
		Pending:   pending,
	})
	if over := len(j.entries) - j.limit; over > 0 {
		j.entries = append([]Entry(nil), j.entries[over:]...)
	}
	if err := j.persistLocked(); err != nil {
		j.logger.Error("persist sync history", "error", err)
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns everything.
func (j *Journal) Recent(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if n <= 0 || n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]Entry, 0, n)
	for i := len(j.entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.entries[i])
	}
	return out
}

// LastSuccess returns the newest successful attempt that moved at least one
// action, if any.
func (j *Journal) LastSuccess() (Entry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := len(j.entries) - 1; i >= 0; i-- {
		if e := j.entries[i]; e.Success && e.Synced > 0 {
			return e, true
		}
	}
	return Entry{}, false
}

// Len returns the number of entries
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func (j *Journal) persistLocked() error {
	data, err := json.Marshal(j.entries)
	if err != nil {
		return err
	}
	return j.store.Set(StorageKey, data)
}
