package settings

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/julienbonastre/haiti-shipping/internal/debounce"
)

// FlushFunc is told the outcome of every write the Editor makes
type FlushFunc func(id string, ok bool)

// Editor batches admin edits of special items. Text and price edits for an
// item are merged and written once the item has been idle for the debounce
// delay; a category change is written immediately together with anything
// still pending for that item.
type Editor struct {
	store   *Store
	deb     *debounce.Keyed
	logger  *zap.Logger
	onFlush FlushFunc

	mu      sync.Mutex
	pending map[string]pendingEdit

	// keeps writes for the editor in the order their edits were taken
	writeMu sync.Mutex
}

type pendingEdit struct {
	patch ItemPatch
	actor string
}

// NewEditor creates an editor writing through store. onFlush may be nil.
func NewEditor(store *Store, delay time.Duration, logger *zap.Logger, onFlush FlushFunc) *Editor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		store:   store,
		deb:     debounce.New(delay),
		logger:  logger,
		onFlush: onFlush,
		pending: make(map[string]pendingEdit),
	}
}

// Edit records a partial change to item id. It returns written=true when
// the change went to storage right away, in which case ok is the result of
// that write; otherwise the write is scheduled and ok is true.
func (e *Editor) Edit(ctx context.Context, id string, patch ItemPatch, actorID string) (written, ok bool) {
	if patch.Empty() {
		return false, true
	}

	e.mu.Lock()
	p := e.pending[id]
	p.patch = p.patch.Merge(patch)
	p.actor = actorID
	e.pending[id] = p
	e.mu.Unlock()

	if patch.Category != nil {
		e.deb.Cancel(id)
		return true, e.flushItem(ctx, id)
	}

	if !e.deb.Trigger(id, func() { e.flushItem(context.Background(), id) }) {
		// editor closed, write synchronously instead of dropping the edit
		return true, e.flushItem(ctx, id)
	}
	return false, true
}

// Pending reports whether item id has edits that are not yet written
func (e *Editor) Pending(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[id]
	return ok
}

// Flush writes pending edits for id now
func (e *Editor) Flush(ctx context.Context, id string) bool {
	e.deb.Cancel(id)
	return e.flushItem(ctx, id)
}

// Close writes everything pending and stops the debounce timers
func (e *Editor) Close() {
	e.deb.Stop()

	e.mu.Lock()
	ids := make([]string, 0, len(e.pending))
	for id := range e.pending {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.flushItem(context.Background(), id)
	}
}

func (e *Editor) flushItem(ctx context.Context, id string) bool {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()

	if !ok {
		return true
	}

	result := e.store.UpdateSpecialItem(ctx, id, p.patch, p.actor)
	if !result {
		e.logger.Warn("debounced special item edit was not saved", zap.String("id", id))
	}
	if e.onFlush != nil {
		e.onFlush(id, result)
	}
	return result
}
