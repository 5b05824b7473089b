// Package debounce coalesces bursts of calls per key into a single call
// made once the key has been quiet for a fixed delay.
package debounce

import (
	"sync"
	"time"
)

// Keyed runs at most one pending function per key. Each Trigger for a key
// replaces the pending function and restarts that key's timer.
type Keyed struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*entry
	seq     uint64
	closed  bool
	wg      sync.WaitGroup
}

type entry struct {
	timer *time.Timer
	fn    func()
	seq   uint64
}

// New returns a debouncer that fires delay after the last Trigger of a key
func New(delay time.Duration) *Keyed {
	return &Keyed{
		delay:   delay,
		pending: make(map[string]*entry),
	}
}

// Trigger schedules fn for key, replacing anything already pending for it.
// It returns false once the debouncer is stopped.
func (k *Keyed) Trigger(key string, fn func()) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return false
	}

	e, ok := k.pending[key]
	if ok {
		e.timer.Stop()
	} else {
		e = &entry{}
		k.pending[key] = e
	}
	k.seq++
	e.fn = fn
	e.seq = k.seq
	seq := e.seq
	e.timer = time.AfterFunc(k.delay, func() { k.fire(key, seq) })
	return true
}

func (k *Keyed) fire(key string, seq uint64) {
	k.mu.Lock()
	e, ok := k.pending[key]
	if !ok || e.seq != seq {
		// flushed, cancelled or re-triggered since this timer was armed
		k.mu.Unlock()
		return
	}
	delete(k.pending, key)
	k.wg.Add(1)
	k.mu.Unlock()

	defer k.wg.Done()
	e.fn()
}

// Flush runs the pending function for key now, on the calling goroutine.
// It reports whether anything was pending.
func (k *Keyed) Flush(key string) bool {
	k.mu.Lock()
	e, ok := k.pending[key]
	if ok {
		e.timer.Stop()
		delete(k.pending, key)
	}
	k.mu.Unlock()

	if ok {
		e.fn()
	}
	return ok
}

// Cancel drops the pending function for key without running it
func (k *Keyed) Cancel(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.pending[key]
	if ok {
		e.timer.Stop()
		delete(k.pending, key)
	}
	return ok
}

// Pending reports whether key has a scheduled call
func (k *Keyed) Pending(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.pending[key]
	return ok
}

// FlushAll runs every pending function now
func (k *Keyed) FlushAll() {
	k.mu.Lock()
	entries := make([]*entry, 0, len(k.pending))
	for key, e := range k.pending {
		e.timer.Stop()
		delete(k.pending, key)
		entries = append(entries, e)
	}
	k.mu.Unlock()

	for _, e := range entries {
		e.fn()
	}
}

// Stop flushes everything pending, rejects further Triggers and waits for
// timer callbacks that already started.
func (k *Keyed) Stop() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()

	k.FlushAll()
	k.wg.Wait()
}
