// Package offline implements the durable, ordered log of actions recorded
// while the remote authority is unreachable, and its reconciliation with
// the authority through a single batch request.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/clawinfra/mealsync/internal/connectivity"
	"github.com/clawinfra/mealsync/internal/serial"
	"github.com/clawinfra/mealsync/internal/storage"
	"github.com/clawinfra/mealsync/internal/types"
	"github.com/google/uuid"
)

// StorageKey is the single key the whole queue is serialized under.
const StorageKey = "offline_action_queue"

// ErrUnknownActionType is returned by AddAction for types outside the
// supported set.
var ErrUnknownActionType = errors.New("offline: unknown action type")

// ErrDuplicateID is returned by Enqueue when an action with the same id is
// already pending.
var ErrDuplicateID = errors.New("offline: duplicate action id")

// Transport submits a batch to the remote authority.
type Transport interface {
	SubmitBatch(ctx context.Context, actions []types.QueuedAction) ([]types.SyncResult, error)
}

// Queue is the offline action queue. The sequence is guarded by mu, which is
// held across each read-modify-write and the persist that follows it but
// never across a network call.
type Queue struct {
	mu      sync.Mutex
	actions []types.QueuedAction

	store     storage.Store
	transport Transport
	monitor   connectivity.Monitor
	syncs     *serial.Queue
	logger    *slog.Logger
	now       func() time.Time

	subMu   sync.Mutex
	subs    map[int]func(pending int)
	nextSub int

	// notifyMu orders deliveries; each one reads the count it delivers.
	notifyMu sync.Mutex
}

// New builds a queue and restores any state previously persisted in store.
// A nil monitor is treated as always online.
func New(store storage.Store, transport Transport, monitor connectivity.Monitor, logger *slog.Logger) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("offline: store is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("offline: transport is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		store:     store,
		transport: transport,
		monitor:   monitor,
		syncs:     serial.New(),
		logger:    logger.With("component", "offline-queue"),
		now:       time.Now,
		subs:      make(map[int]func(int)),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load() error {
	data, err := q.store.Get(StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case errors.Is(err, storage.ErrCorrupt):
		q.logger.Error("persisted queue is corrupt, starting empty", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("load queue: %w", err)
	}

	var actions []types.QueuedAction
	if err := json.Unmarshal(data, &actions); err != nil {
		q.logger.Error("persisted queue is unreadable, starting empty", "error", err)
		return nil
	}
	q.actions = actions
	if len(actions) > 0 {
		q.logger.Info("restored offline queue", "pending", len(actions))
	}
	return nil
}

// persistLocked re-serializes the full sequence. A failure is logged and the
// in-memory state is kept; unpersisted changes are lost on restart.
// Must be called with mu held.
func (q *Queue) persistLocked() {
	actions := q.actions
	if actions == nil {
		actions = []types.QueuedAction{}
	}
	data, err := json.Marshal(actions)
	if err == nil {
		err = q.store.Set(StorageKey, data)
	}
	if err != nil {
		q.logger.Error("persist offline queue failed, continuing in memory",
			"pending", len(q.actions),
			"error", err)
	}
}

// newIDLocked returns "<unix millis, base36>-<12 random hex chars>", retried
// in the unlikely event of a collision with a pending action.
func (q *Queue) newIDLocked(now time.Time) string {
	prefix := strconv.FormatInt(now.UnixMilli(), 36) + "-"
	for {
		id := prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
		if !q.containsLocked(id) {
			return id
		}
	}
}

func (q *Queue) containsLocked(id string) bool {
	for _, a := range q.actions {
		if a.ID == id {
			return true
		}
	}
	return false
}

// AddAction appends a new action and persists the queue. It never touches
// the network. Errors are returned only for invalid input; a storage
// failure is logged instead.
func (q *Queue) AddAction(t types.ActionType, payload any) (types.QueuedAction, error) {
	action, err := q.NewAction(t, payload)
	if err != nil {
		return types.QueuedAction{}, err
	}
	if err := q.Enqueue(action); err != nil {
		return types.QueuedAction{}, err
	}
	return action, nil
}

// NewAction builds an action with a fresh id and timestamp without queueing
// it. Callers that try the network first use it so that a deferred action
// keeps the id the authority may already have seen.
func (q *Queue) NewAction(t types.ActionType, payload any) (types.QueuedAction, error) {
	if !t.Valid() {
		return types.QueuedAction{}, fmt.Errorf("%w: %q", ErrUnknownActionType, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.QueuedAction{}, fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	return types.QueuedAction{
		ID:        q.newIDLocked(now),
		Type:      t,
		Payload:   raw,
		Timestamp: now.UnixMilli(),
	}, nil
}

// Enqueue appends a prepared action and persists the queue.
func (q *Queue) Enqueue(action types.QueuedAction) error {
	if !action.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, action.Type)
	}
	if action.ID == "" {
		return fmt.Errorf("offline: action id is required")
	}
	action = copyAction(action)

	q.mu.Lock()
	if q.containsLocked(action.ID) {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, action.ID)
	}
	q.actions = append(q.actions, action)
	q.persistLocked()
	pending := len(q.actions)
	q.mu.Unlock()

	q.logger.Debug("action queued", "id", action.ID, "type", action.Type, "pending", pending)
	q.notify()
	return nil
}

// Snapshot returns a copy of the pending actions in insertion order.
func (q *Queue) Snapshot() []types.QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.QueuedAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = copyAction(a)
	}
	return out
}

// PendingCount returns the number of unsynced actions.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.actions)
}

// ClearQueue drops every pending action and persists the empty state. It is
// meant for account boundaries such as logout.
func (q *Queue) ClearQueue() {
	q.mu.Lock()
	dropped := len(q.actions)
	q.actions = nil
	q.persistLocked()
	q.mu.Unlock()

	q.logger.Info("offline queue cleared", "dropped", dropped)
	q.notify()
}

// Sync drains the queue against the remote authority. Calls are serialized:
// a Sync issued while another is in flight waits for it to finish, unless the
// monitor reports offline, in which case it returns at once. Sync
// never fails; every outcome is encoded in the returned Summary.
func (q *Queue) Sync(ctx context.Context) types.Summary {
	// Offline is answered immediately rather than behind an in-flight sync.
	if q.monitor != nil && !q.monitor.Online() {
		return types.Summary{Success: true}
	}
	summary, err := serial.Do(q.syncs, ctx, q.syncOnce)
	if err != nil {
		q.logger.Warn("sync did not run", "error", err)
		return types.Summary{Success: false, Errors: q.PendingCount()}
	}
	return summary
}

func (q *Queue) syncOnce(ctx context.Context) (types.Summary, error) {
	if q.monitor != nil && !q.monitor.Online() {
		return types.Summary{Success: true}, nil
	}

	q.mu.Lock()
	batch := make([]types.QueuedAction, len(q.actions))
	copy(batch, q.actions)
	q.mu.Unlock()

	if len(batch) == 0 {
		return types.Summary{Success: true}, nil
	}

	q.logger.Info("syncing offline queue", "actions", len(batch))
	results, err := q.transport.SubmitBatch(ctx, batch)
	if err != nil {
		q.logger.Warn("sync failed, queue left intact", "actions", len(batch), "error", err)
		return types.Summary{Success: false, Errors: len(batch)}, nil
	}

	inBatch := make(map[string]bool, len(batch))
	for _, a := range batch {
		inBatch[a.ID] = true
	}
	acked := make(map[string]bool, len(results))
	for _, r := range results {
		if !inBatch[r.ID] {
			q.logger.Warn("ignoring result for unknown action", "id", r.ID)
			continue
		}
		if r.Success {
			acked[r.ID] = true
		} else {
			q.logger.Warn("action rejected by authority, keeping it queued", "id", r.ID, "error", r.Error)
		}
	}

	// Filter the live sequence, not batch: actions appended while the
	// request was in flight must survive.
	q.mu.Lock()
	kept := make([]types.QueuedAction, 0, len(q.actions))
	for _, a := range q.actions {
		if !acked[a.ID] {
			kept = append(kept, a)
		}
	}
	q.actions = kept
	q.persistLocked()
	pending := len(q.actions)
	q.mu.Unlock()

	summary := types.Summary{
		Success: true,
		Synced:  len(acked),
		Errors:  len(batch) - len(acked),
	}
	q.logger.Info("sync completed",
		"synced", summary.Synced,
		"errors", summary.Errors,
		"pending", pending)
	q.notify()
	return summary, nil
}

// Subscribe registers fn to receive the pending count after every change.
// fn must not mutate the queue. The returned func unregisters it.
func (q *Queue) Subscribe(fn func(pending int)) (cancel func()) {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

// Refresh pushes the current pending count to every subscriber.
func (q *Queue) Refresh() {
	q.notify()
}

// notify delivers the live pending count. Deliveries are serialized and read
// the count under the delivery lock, so the last value any subscriber sees is
// the count after the last mutation.
func (q *Queue) notify() {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	pending := q.PendingCount()
	q.subMu.Lock()
	subs := make([]func(int), 0, len(q.subs))
	for _, fn := range q.subs {
		subs = append(subs, fn)
	}
	q.subMu.Unlock()

	for _, fn := range subs {
		fn(pending)
	}
}

func copyAction(a types.QueuedAction) types.QueuedAction {
	if a.Payload != nil {
		p := make(json.RawMessage, len(a.Payload))
		copy(p, a.Payload)
		a.Payload = p
	}
	return a
}
