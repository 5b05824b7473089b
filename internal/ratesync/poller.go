// Package ratesync keeps an in-memory copy of the shipping settings fresh by
// polling the settings store and announcing real changes to subscribers.
package ratesync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
)

var ErrAlreadyRunning = errors.New("poller already running")

// Source returns the current settings, failing when they cannot be read.
// settings.Store satisfies it.
type Source interface {
	FetchShippingRates(ctx context.Context) (calculator.ShippingRates, error)
	FetchSpecialItems(ctx context.Context) (calculator.SpecialItemsConfig, error)
}

// Snapshot is the last known copy of the settings
type Snapshot struct {
	Rates     calculator.ShippingRates      `json:"rates"`
	Items     calculator.SpecialItemsConfig `json:"specialItems"`
	FetchedAt time.Time                     `json:"fetchedAt"`
}

// Equal compares the settings values, ignoring FetchedAt
func (s Snapshot) Equal(o Snapshot) bool {
	return s.Rates == o.Rates && slices.Equal(s.Items.Items, o.Items.Items)
}

// Quote prices a shipment against the snapshot
func (s Snapshot) Quote(weight float64, destination, category string) calculator.Quote {
	return calculator.CalculateQuote(weight, destination, category, s.Rates, s.Items.Items)
}

// Change is delivered to subscribers when a poll finds different settings
type Change struct {
	Previous Snapshot
	Current  Snapshot
}

// Options configure a Poller run
type Options struct {
	Interval time.Duration
	// Silent logs failed cycles at debug instead of warn
	Silent bool
}

// Poller is idle until Start and polls until Stop. Timer cycles and Poll
// share one slot, so at most one fetch is in flight; ticks that arrive while a
// cycle is in flight are dropped.
type Poller struct {
	source Source
	logger *zap.Logger
	// holds a token while a fetch-and-compare runs
	slot chan struct{}

	mu      sync.Mutex
	snap    Snapshot
	seeded  bool
	running bool
	gen     uint64
	cancel  context.CancelFunc
	done    chan struct{}
	subs    map[uint64]chan Change
	nextSub uint64
}

// New creates an idle poller reading from source
func New(source Source, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		source: source,
		logger: logger,
		slot:   make(chan struct{}, 1),
		subs:   make(map[uint64]chan Change),
	}
}

// Start runs one cycle right away and then one per interval, until Stop or
// until ctx is done.
func (p *Poller) Start(ctx context.Context, opts Options) error {
	if opts.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.running = true
	p.gen++
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(runCtx, p.gen, opts, p.done)
	return nil
}

// Stop cancels the timer and waits for the loop to exit. A fetch still in
// flight is abandoned and its result discarded. Stopping an idle poller is a
// no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.gen++
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the poller is started
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Snapshot returns the current snapshot and whether a cycle has seeded it
func (p *Poller) Snapshot() (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneSnapshot(p.snap), p.seeded
}

// Subscribe returns a channel of changes and a function that ends the
// subscription. Each channel holds at most one unread change; a newer change
// replaces it.
func (p *Poller) Subscribe() (<-chan Change, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	ch := make(chan Change, 1)
	p.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
		})
	}
}

func (p *Poller) loop(ctx context.Context, gen uint64, opts Options, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		p.cycle(ctx, gen, opts.Silent)

		select {
		case <-ctx.Done():
			p.mu.Lock()
			if p.gen == gen {
				// parent context ended without Stop
				p.running = false
				p.cancel = nil
				p.done = nil
			}
			p.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// Poll runs a single fetch-and-compare cycle outside the timer, waiting for a
// timer cycle in flight to finish first. It reports whether the settings
// changed.
func (p *Poller) Poll(ctx context.Context) (bool, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	p.mu.Lock()
	gen := p.gen
	p.mu.Unlock()
	return p.compare(ctx, gen)
}

func (p *Poller) acquire(ctx context.Context) (func(), error) {
	select {
	case p.slot <- struct{}{}:
		return func() { <-p.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Poller) cycle(ctx context.Context, gen uint64, silent bool) {
	release, err := p.acquire(ctx)
	if err != nil {
		return
	}
	defer release()

	if _, err := p.compare(ctx, gen); err != nil && ctx.Err() == nil {
		log := p.logger.Warn
		if silent {
			log = p.logger.Debug
		}
		log("settings poll failed, keeping previous snapshot", zap.Error(err))
	}
}

func (p *Poller) compare(ctx context.Context, gen uint64) (bool, error) {
	next, err := p.fetch(ctx)
	if err != nil {
		return false, err
	}

	p.mu.Lock()
	if p.gen != gen {
		// stopped or restarted while fetching
		p.mu.Unlock()
		return false, nil
	}
	prev, seeded := p.snap, p.seeded
	p.snap = next
	p.seeded = true

	changed := seeded && !prev.Equal(next)
	if changed {
		change := Change{Previous: cloneSnapshot(prev), Current: cloneSnapshot(next)}
		for _, ch := range p.subs {
			deliver(ch, change)
		}
	}
	p.mu.Unlock()

	if changed {
		p.logger.Info("shipping settings changed",
			zap.Float64("service_fee", next.Rates.ServiceFee),
			zap.Int("special_items", len(next.Items.Items)))
	}
	return changed, nil
}

func (p *Poller) fetch(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rates, err := p.source.FetchShippingRates(gctx)
		snap.Rates = rates
		return err
	})
	g.Go(func() error {
		items, err := p.source.FetchSpecialItems(gctx)
		snap.Items = items
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

// deliver is called with p.mu held, so no send can race an unsubscribe close
func deliver(ch chan Change, change Change) {
	select {
	case ch <- change:
		return
	default:
	}
	// drop the unread change and retry; a receiver may have drained it meanwhile
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- change:
	default:
	}
}

func cloneSnapshot(s Snapshot) Snapshot {
	s.Items = s.Items.Clone()
	return s
}
