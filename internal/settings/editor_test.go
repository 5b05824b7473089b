package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
)

type flushLog struct {
	mu      sync.Mutex
	results []bool
}

func (f *flushLog) record(id string, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, ok)
}

func (f *flushLog) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.results)
}

func ptr[T any](v T) *T { return &v }

func TestEditorCoalescesTextEdits(t *testing.T) {
	b := newMemBackend()
	store := NewStore(b)
	flushes := &flushLog{}
	ed := NewEditor(store, 30*time.Millisecond, nil, flushes.record)
	defer ed.Close()
	ctx := context.Background()

	for _, name := range []string{"S", "St", "Sta", "Starlink Mini"} {
		written, ok := ed.Edit(ctx, "starlink", ItemPatch{Name: ptr(name)}, "admin")
		assert.False(t, written)
		assert.True(t, ok)
	}
	written, _ := ed.Edit(ctx, "starlink", ItemPatch{Price: ptr(110.0)}, "admin")
	assert.False(t, written)
	assert.True(t, ed.Pending("starlink"))
	assert.Equal(t, 0, b.writeCount())

	require.Eventually(t, func() bool { return flushes.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.writeCount())
	assert.False(t, ed.Pending("starlink"))

	items := store.GetSpecialItems(ctx)
	got := items.Items[items.Index("starlink")]
	assert.Equal(t, "Starlink Mini", got.Name)
	assert.Equal(t, 110.0, got.Price)
}

func TestEditorCategoryChangeIsImmediate(t *testing.T) {
	b := newMemBackend()
	store := NewStore(b)
	ed := NewEditor(store, time.Hour, nil, nil)
	defer ed.Close()
	ctx := context.Background()

	_, _ = ed.Edit(ctx, "laptop", ItemPatch{Name: ptr("Laptops")}, "admin")
	written, ok := ed.Edit(ctx, "laptop", ItemPatch{Category: ptr(calculator.CategoryOther)}, "admin")
	assert.True(t, written)
	assert.True(t, ok)
	assert.Equal(t, 1, b.writeCount())

	items := store.GetSpecialItems(ctx)
	got := items.Items[items.Index("laptop")]
	assert.Equal(t, "Laptops", got.Name)
	assert.Equal(t, calculator.CategoryOther, got.Category)
	assert.False(t, ed.Pending("laptop"))
}

func TestEditorReportsFailedImmediateWrite(t *testing.T) {
	store := NewStore(newMemBackend())
	ed := NewEditor(store, time.Hour, nil, nil)
	defer ed.Close()

	written, ok := ed.Edit(context.Background(), "missing", ItemPatch{Category: ptr(calculator.CategoryPhone)}, "admin")
	assert.True(t, written)
	assert.False(t, ok)
}

func TestEditorFlushAndClose(t *testing.T) {
	b := newMemBackend()
	store := NewStore(b)
	ed := NewEditor(store, time.Hour, nil, nil)
	ctx := context.Background()

	_, _ = ed.Edit(ctx, "starlink", ItemPatch{Price: ptr(125.0)}, "admin")
	_, _ = ed.Edit(ctx, "laptop", ItemPatch{Price: ptr(95.0)}, "admin")

	assert.True(t, ed.Flush(ctx, "starlink"))
	assert.Equal(t, 1, b.writeCount())

	ed.Close()
	assert.Equal(t, 2, b.writeCount())

	items := store.GetSpecialItems(ctx)
	assert.Equal(t, 95.0, items.Items[items.Index("laptop")].Price)

	// after Close edits are written straight away
	written, ok := ed.Edit(ctx, "laptop", ItemPatch{Price: ptr(96.0)}, "admin")
	assert.True(t, written)
	assert.True(t, ok)
}

func TestEditorEmptyPatch(t *testing.T) {
	ed := NewEditor(NewStore(newMemBackend()), time.Hour, nil, nil)
	defer ed.Close()
	written, ok := ed.Edit(context.Background(), "laptop", ItemPatch{}, "admin")
	assert.False(t, written)
	assert.True(t, ok)
	assert.False(t, ed.Pending("laptop"))
}
