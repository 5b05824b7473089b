package ratesync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSource serves settings that tests can change between cycles
type fakeSource struct {
	mu      sync.Mutex
	rates   calculator.ShippingRates
	items   calculator.SpecialItemsConfig
	err     error
	fetches atomic.Int32
	// rate fetches running now, and the most seen at once
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	// when set, rate fetches wait for it to close
	gate chan struct{}
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		rates: calculator.DefaultShippingRates(),
		items: calculator.DefaultSpecialItems(),
	}
}

func (f *fakeSource) FetchShippingRates(ctx context.Context) (calculator.ShippingRates, error) {
	f.fetches.Add(1)
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return calculator.ShippingRates{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rates, f.err
}

func (f *fakeSource) FetchSpecialItems(ctx context.Context) (calculator.SpecialItemsConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Clone(), f.err
}

func (f *fakeSource) setServiceFee(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates.ServiceFee = v
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func TestFirstCycleOnlySeeds(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()

	_, seeded := p.Snapshot()
	assert.False(t, seeded)

	changed, err := p.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	snap, seeded := p.Snapshot()
	assert.True(t, seeded)
	assert.Equal(t, calculator.DefaultShippingRates(), snap.Rates)
	assert.Len(t, changes, 0)
}

func TestIdenticalCyclesDoNotNotify(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()

	for i := 0; i < 3; i++ {
		changed, err := p.Poll(context.Background())
		require.NoError(t, err)
		assert.False(t, changed)
	}
	assert.Len(t, changes, 0)
}

func TestRateChangeNotifiesOnce(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	_, err := p.Poll(ctx)
	require.NoError(t, err)

	src.setServiceFee(12)
	changed, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	require.Len(t, changes, 1)
	change := <-changes
	assert.Equal(t, 10.0, change.Previous.Rates.ServiceFee)
	assert.Equal(t, 12.0, change.Current.Rates.ServiceFee)

	snap, _ := p.Snapshot()
	assert.Equal(t, 12.0, snap.Rates.ServiceFee)

	changed, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, changes, 0)
}

func TestManyFieldChangesStillOneNotification(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	_, _ = p.Poll(ctx)

	src.mu.Lock()
	src.rates = calculator.ShippingRates{ServiceFee: 11, RateCapHaitien: 5, RatePortAuPrince: 6}
	src.items.Items[0].Price = 40
	src.items.Items[1], src.items.Items[2] = src.items.Items[2], src.items.Items[1]
	src.mu.Unlock()

	changed, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, changes, 1)
}

func TestItemOrderChangeIsDetected(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	ctx := context.Background()
	_, _ = p.Poll(ctx)

	src.mu.Lock()
	src.items.Items[0], src.items.Items[1] = src.items.Items[1], src.items.Items[0]
	src.mu.Unlock()

	changed, err := p.Poll(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestFetchErrorKeepsSnapshot(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	_, _ = p.Poll(ctx)
	before, _ := p.Snapshot()

	src.setErr(errors.New("network down"))
	changed, err := p.Poll(ctx)
	assert.Error(t, err)
	assert.False(t, changed)

	after, _ := p.Snapshot()
	assert.True(t, before.Equal(after))
	assert.Equal(t, before.FetchedAt, after.FetchedAt)

	// recovery with unchanged values is not a change
	src.setErr(nil)
	changed, err = p.Poll(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, changes, 0)
}

func TestErrorOnFirstCycleLeavesUnseeded(t *testing.T) {
	src := newFakeSource()
	src.setErr(errors.New("boom"))
	p := New(src, nil)

	_, err := p.Poll(context.Background())
	assert.Error(t, err)
	_, seeded := p.Snapshot()
	assert.False(t, seeded)
}

func TestMultipleSubscribersAndUnsubscribe(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	a, unsubA := p.Subscribe()
	b, unsubB := p.Subscribe()
	defer unsubB()
	ctx := context.Background()

	_, _ = p.Poll(ctx)
	src.setServiceFee(12)
	_, _ = p.Poll(ctx)

	assert.Len(t, a, 1)
	assert.Len(t, b, 1)
	<-a
	<-b

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	src.setServiceFee(13)
	_, _ = p.Poll(ctx)
	assert.Len(t, b, 1)
}

func TestSlowSubscriberSeesLatestChange(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	_, _ = p.Poll(ctx)
	src.setServiceFee(12)
	_, _ = p.Poll(ctx)
	src.setServiceFee(14)
	_, _ = p.Poll(ctx)

	require.Len(t, changes, 1)
	change := <-changes
	assert.Equal(t, 14.0, change.Current.Rates.ServiceFee)
}

func TestStartPollsImmediatelyAndOnInterval(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()

	require.NoError(t, p.Start(context.Background(), Options{Interval: 20 * time.Millisecond}))
	defer p.Stop()
	assert.True(t, p.Running())

	require.Eventually(t, func() bool {
		_, seeded := p.Snapshot()
		return seeded
	}, time.Second, time.Millisecond)

	src.setServiceFee(12)
	select {
	case change := <-changes:
		assert.Equal(t, 12.0, change.Current.Rates.ServiceFee)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification")
	}

	assert.ErrorIs(t, p.Start(context.Background(), Options{Interval: time.Second}), ErrAlreadyRunning)
}

func TestStartRejectsBadInterval(t *testing.T) {
	p := New(newFakeSource(), nil)
	assert.Error(t, p.Start(context.Background(), Options{}))
	assert.False(t, p.Running())
}

func TestStopIsIdempotentAndStopsFetching(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	p.Stop()

	require.NoError(t, p.Start(context.Background(), Options{Interval: 5 * time.Millisecond}))
	require.Eventually(t, func() bool { return src.fetches.Load() >= 2 }, time.Second, time.Millisecond)
	p.Stop()
	p.Stop()
	assert.False(t, p.Running())

	n := src.fetches.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, src.fetches.Load())
}

func TestStopDiscardsInFlightFetch(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()

	_, _ = p.Poll(context.Background())

	src.mu.Lock()
	src.gate = make(chan struct{})
	src.rates.ServiceFee = 20
	src.mu.Unlock()

	require.NoError(t, p.Start(context.Background(), Options{Interval: time.Hour}))
	require.Eventually(t, func() bool { return src.fetches.Load() >= 2 }, time.Second, time.Millisecond)
	p.Stop()

	snap, _ := p.Snapshot()
	assert.Equal(t, 10.0, snap.Rates.ServiceFee)
	assert.Len(t, changes, 0)
}

func TestNoOverlappingFetches(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	p := New(src, nil)

	require.NoError(t, p.Start(context.Background(), Options{Interval: 2 * time.Millisecond}))
	time.Sleep(30 * time.Millisecond)
	// a single cycle is blocked, the ticks behind it are not fetching
	assert.Equal(t, int32(1), src.fetches.Load())

	close(src.gate)
	p.Stop()
}

func TestPollWaitsForRunningCycle(t *testing.T) {
	src := newFakeSource()
	p := New(src, nil)
	changes, unsubscribe := p.Subscribe()
	defer unsubscribe()
	ctx := context.Background()

	require.NoError(t, p.Start(ctx, Options{Interval: 2 * time.Millisecond}))
	require.Eventually(t, func() bool {
		_, seeded := p.Snapshot()
		return seeded
	}, time.Second, time.Millisecond)

	gate := make(chan struct{})
	src.mu.Lock()
	src.gate = gate
	src.mu.Unlock()

	polled := make(chan error, 1)
	go func() {
		_, err := p.Poll(ctx)
		polled <- err
	}()
	time.Sleep(30 * time.Millisecond)

	src.setServiceFee(12)
	close(gate)
	require.NoError(t, <-polled)
	require.Eventually(t, func() bool {
		snap, _ := p.Snapshot()
		return snap.Rates.ServiceFee == 12
	}, time.Second, time.Millisecond)
	p.Stop()

	assert.Equal(t, int32(1), src.maxInFlight.Load())
	snap, _ := p.Snapshot()
	assert.Equal(t, 12.0, snap.Rates.ServiceFee)
	select {
	case change := <-changes:
		assert.Equal(t, 10.0, change.Previous.Rates.ServiceFee)
		assert.Equal(t, 12.0, change.Current.Rates.ServiceFee)
	default:
		t.Fatal("expected a change notification")
	}
}

func TestPollGivesUpWhenContextEnds(t *testing.T) {
	src := newFakeSource()
	src.gate = make(chan struct{})
	p := New(src, nil)

	require.NoError(t, p.Start(context.Background(), Options{Interval: time.Hour}))
	require.Eventually(t, func() bool { return src.fetches.Load() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Poll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), src.fetches.Load())

	p.Stop()
}

func TestParentContextEndsPolling(t *testing.T) {
	p := New(newFakeSource(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, p.Start(ctx, Options{Interval: 5 * time.Millisecond}))
	cancel()
	require.Eventually(t, func() bool { return !p.Running() }, time.Second, time.Millisecond)

	require.NoError(t, p.Start(context.Background(), Options{Interval: 5 * time.Millisecond}))
	p.Stop()
}

func TestSnapshotQuote(t *testing.T) {
	snap := Snapshot{Rates: calculator.DefaultShippingRates(), Items: calculator.DefaultSpecialItems()}
	q := snap.Quote(2, "Port-au-Prince", "iPhone 14 Pro Max")
	assert.Equal(t, 80.0, q.TotalCost)
}
