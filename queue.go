package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// IdempotencyKeyHeader carries the deduplication token of a queued write.
const IdempotencyKeyHeader = "Idempotency-Key"

// ErrNoReplayer is returned by DrainAndReplay when no Replayer is configured.
var ErrNoReplayer = errors.New("fallback: mutation queue has no replayer")

// ErrItemNotFound is returned by stores for unknown item ids.
var ErrItemNotFound = errors.New("fallback: queue item not found")

// QueueItem is a pending write.
type QueueItem struct {
	EnqueuedAt   time.Time         `json:"enqueued_at"`
	ID           string            `json:"id"`
	LastError    string            `json:"last_error,omitempty"`
	Operation    RequestDescriptor `json:"operation"`
	AttemptCount int               `json:"attempt_count"`
}

// QueueStore persists queued items in FIFO order. Implementations must be
// safe for concurrent use.
type QueueStore interface {
	// Append adds item at the back.
	Append(ctx context.Context, item QueueItem) error

	// List returns all items, front first.
	List(ctx context.Context) ([]QueueItem, error)

	// Update replaces the stored copy of item, keeping its position.
	Update(ctx context.Context, item QueueItem) error

	// Remove deletes the item with id. Unknown ids return ErrItemNotFound.
	Remove(ctx context.Context, id string) error
}

// Replayer applies one queued operation.
type Replayer interface {
	Replay(ctx context.Context, item QueueItem) error
}

// ReplayFunc adapts a function to Replayer.
type ReplayFunc func(ctx context.Context, item QueueItem) error

// Replay implements Replayer.
func (f ReplayFunc) Replay(ctx context.Context, item QueueItem) error {
	return f(ctx, item)
}

// ReplayResult lists the ids applied and the id that stopped the drain.
type ReplayResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// MutationQueue buffers writes that could not be applied and replays them in
// enqueue order. Replay stops at the first failure, leaving that item at the
// front, so writes are never applied out of order.
//
// Enqueue is safe during a drain: a drain works on the items present when
// it started, and later items wait for the next drain.
type MutationQueue struct {
	store    QueueStore
	replayer Replayer
	logger   *slog.Logger
	sink     Sink
	now      func() time.Time
	drainMu  sync.Mutex
	mu       sync.RWMutex
}

// NewMutationQueue creates a queue. Without WithQueueStore items are kept in
// memory only.
func NewMutationQueue(opts ...QueueOption) *MutationQueue {
	config := DefaultQueueConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.Store == nil {
		config.Store = NewMemoryQueueStore()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Sink == nil {
		config.Sink = NopSink{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &MutationQueue{
		store:    config.Store,
		replayer: config.Replayer,
		logger:   config.Logger,
		sink:     config.Sink,
		now:      config.Now,
	}
}

func (q *MutationQueue) bindReplayer(r Replayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replayer == nil {
		q.replayer = r
	}
}

func (q *MutationQueue) currentReplayer() Replayer {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.replayer
}

// Enqueue appends op. Operations without an Idempotency-Key header get one,
// so a replay that reaches the backend twice can be deduplicated there.
func (q *MutationQueue) Enqueue(ctx context.Context, op RequestDescriptor) (QueueItem, error) {
	op = op.Clone()
	op.QueueOnFailure = false
	if op.Headers == nil {
		op.Headers = make(map[string]string)
	}
	if op.Headers[IdempotencyKeyHeader] == "" {
		op.Headers[IdempotencyKeyHeader] = uuid.NewString()
	}

	item := QueueItem{
		ID:         uuid.NewString(),
		Operation:  op,
		EnqueuedAt: q.now(),
	}
	if err := q.store.Append(ctx, item); err != nil {
		return QueueItem{}, fmt.Errorf("enqueue %s %s: %w", op.method(), op.URL, err)
	}

	q.logger.Info("write queued for replay",
		"id", item.ID,
		"method", op.method(),
		"url", op.URL)
	safeRecord(q.sink, EventQueueItemAdded, Properties{"id": item.ID, "method": op.method(), "url": op.URL})
	return item, nil
}

// DrainAndReplay replays queued items in order. If an item fails it stays
// queued at the front with its attempt count raised, later items are not
// attempted, and the error has CodeQueueReplayFailed. Concurrent calls run
// one after another.
func (q *MutationQueue) DrainAndReplay(ctx context.Context) (ReplayResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()
	return q.drain(ctx)
}

// TryDrain is DrainAndReplay that returns started=false instead of waiting
// when another drain is running.
func (q *MutationQueue) TryDrain(ctx context.Context) (result ReplayResult, started bool, err error) {
	if !q.drainMu.TryLock() {
		return ReplayResult{}, false, nil
	}
	defer q.drainMu.Unlock()
	result, err = q.drain(ctx)
	return result, true, err
}

func (q *MutationQueue) drain(ctx context.Context) (ReplayResult, error) {
	res := ReplayResult{Succeeded: []string{}, Failed: []string{}}

	replayer := q.currentReplayer()
	if replayer == nil {
		return res, ErrNoReplayer
	}

	items, err := q.store.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list queued items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, canceledError(err)
		}

		item.AttemptCount++
		if err := replayer.Replay(ctx, item); err != nil {
			return res, q.replayFailed(ctx, item, err, &res)
		}

		if err := q.store.Remove(ctx, item.ID); err != nil && !errors.Is(err, ErrItemNotFound) {
			return res, fmt.Errorf("remove replayed item %s: %w", item.ID, err)
		}
		res.Succeeded = append(res.Succeeded, item.ID)
		q.logger.Debug("queued write replayed", "id", item.ID, "attempt", item.AttemptCount)
		safeRecord(q.sink, EventQueueItemReplayed, Properties{"id": item.ID, "attempt": item.AttemptCount})
	}

	if len(res.Succeeded) > 0 {
		q.logger.Info("offline queue drained", "replayed", len(res.Succeeded))
	}
	return res, nil
}

func (q *MutationQueue) replayFailed(ctx context.Context, item QueueItem, cause error, res *ReplayResult) error {
	item.LastError = cause.Error()
	if err := q.store.Update(ctx, item); err != nil {
		q.logger.Warn("failed to record replay failure", "id", item.ID, "error", err)
	}
	res.Failed = append(res.Failed, item.ID)

	status := 0
	if ne := Normalize(cause); ne != nil {
		status = ne.Status
	}
	q.logger.Warn("queued write replay failed, stopping drain",
		"id", item.ID,
		"attempt", item.AttemptCount,
		"error", cause)
	safeRecord(q.sink, EventQueueReplayFailed, Properties{"id": item.ID, "attempt": item.AttemptCount, "status": status})

	return &NormalizedError{
		Status:  status,
		Code:    CodeQueueReplayFailed,
		Message: fmt.Sprintf("replay of %s failed", item.ID),
		Err:     cause,
	}
}

// Discard removes an item without replaying it.
func (q *MutationQueue) Discard(ctx context.Context, id string) error {
	if err := q.store.Remove(ctx, id); err != nil {
		return err
	}
	q.logger.Info("queued write discarded", "id", id)
	safeRecord(q.sink, EventQueueItemDiscarded, Properties{"id": id})
	return nil
}

// Pending returns the queued items, front first.
func (q *MutationQueue) Pending(ctx context.Context) ([]QueueItem, error) {
	return q.store.List(ctx)
}

// Len returns the number of queued items.
func (q *MutationQueue) Len(ctx context.Context) (int, error) {
	items, err := q.store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// MemoryQueueStore keeps items in process memory.
type MemoryQueueStore struct {
	items []QueueItem
	mu    sync.Mutex
}

// NewMemoryQueueStore creates an empty in-memory store.
func NewMemoryQueueStore() *MemoryQueueStore {
	return &MemoryQueueStore{}
}

// Append implements QueueStore.
func (s *MemoryQueueStore) Append(_ context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

// List implements QueueStore.
func (s *MemoryQueueStore) List(_ context.Context) ([]QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items), nil
}

// Update implements QueueStore.
func (s *MemoryQueueStore) Update(_ context.Context, item QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(item.ID)
	if i < 0 {
		return ErrItemNotFound
	}
	s.items[i] = item
	return nil
}

// Remove implements QueueStore.
func (s *MemoryQueueStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return ErrItemNotFound
	}
	s.items = slices.Delete(s.items, i, i+1)
	return nil
}

func (s *MemoryQueueStore) index(id string) int {
	return slices.IndexFunc(s.items, func(it QueueItem) bool { return it.ID == id })
}
