// Package clock lets periodic loops run against a fake time source in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by background loops.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop. C has capacity 1; late ticks are dropped.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// Fake is a manually advanced Clock. Tickers fire only inside Advance.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	changed *sync.Cond
}

type fakeTicker struct {
	next     time.Time
	interval time.Duration
	ch       chan time.Time
	stopped  bool
}

// NewFake returns a fake clock frozen at initial.
func NewFake(initial time.Time) *Fake {
	f := &Fake{now: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ft := &fakeTicker{next: f.now.Add(d), interval: d, ch: make(chan time.Time, 1)}
	f.tickers = append(f.tickers, ft)
	f.changed.Broadcast()

	return &Ticker{C: ft.ch, stop: func() {
		f.mu.Lock()
		ft.stopped = true
		f.changed.Broadcast()
		f.mu.Unlock()
	}}
}

// Advance moves time forward by d and fires every ticker whose deadline passed,
// once per elapsed interval (subject to the channel's capacity of one).
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
	for _, ft := range f.tickers {
		if ft.stopped {
			continue
		}
		for !ft.next.After(f.now) {
			select {
			case ft.ch <- ft.next:
			default:
			}
			ft.next = ft.next.Add(ft.interval)
		}
	}
}

// Set jumps to t without firing tickers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

// WaitForTickers blocks until n live tickers are registered, closing the race
// between a goroutine creating its ticker and the test calling Advance.
func (f *Fake) WaitForTickers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.liveLocked() < n {
		f.changed.Wait()
	}
}

func (f *Fake) liveLocked() int {
	n := 0
	for _, ft := range f.tickers {
		if !ft.stopped {
			n++
		}
	}
	return n
}
