package activity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gymportal/internal/client/models"
	"github.com/dmitrijs2005/gymportal/internal/logging"
)

// Store is the part of the session store the monitor needs.
type Store interface {
	Touch(ctx context.Context) error
	Load(ctx context.Context) (*models.SessionRecord, error)
}

// Monitor records interaction into the session store and reports when the
// stored session is no longer valid.
//
// Interaction signals only raise a pending flag. The flag is flushed to the
// store at most once per coalesce window, so a burst of input costs a single
// write.
type Monitor struct {
	store    Store
	source   Source
	interval time.Duration
	coalesce time.Duration
	log      logging.Logger

	mu  sync.Mutex
	run *run
}

type run struct {
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	pending     atomic.Bool
}

func NewMonitor(store Store, source Source, interval, coalesce time.Duration, log logging.Logger) *Monitor {
	if coalesce <= 0 || coalesce > interval {
		coalesce = interval
	}
	return &Monitor{
		store:    store,
		source:   source,
		interval: interval,
		coalesce: coalesce,
		log:      log.With("component", "activity"),
	}
}

// Start subscribes to interaction signals and starts the periodic check.
// onTimeout is called at most once, from the monitor goroutine, the first
// time the store reports no valid session, with the error Load returned
// (nil when the record was simply absent). The monitor then stops checking.
// onTimeout must not call Stop synchronously. Start on a running monitor is
// a no-op.
func (m *Monitor) Start(onTimeout func(reason error)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.run != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	r.unsubscribe = m.source.Subscribe(func(Signal) {
		r.pending.Store(true)
	})
	m.run = r

	go m.loop(ctx, r, onTimeout)
}

// Stop unsubscribes, cancels the timers and waits for the monitor goroutine
// to exit. It is safe to call multiple times.
func (m *Monitor) Stop() {
	m.mu.Lock()
	r := m.run
	m.run = nil
	m.mu.Unlock()

	if r == nil {
		return
	}
	r.unsubscribe()
	r.cancel()
	<-r.done
}

// Running reports whether the monitor has been started and not stopped.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run != nil
}

func (m *Monitor) loop(ctx context.Context, r *run, onTimeout func(error)) {
	defer close(r.done)

	flush := time.NewTicker(m.coalesce)
	defer flush.Stop()
	check := time.NewTicker(m.interval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			m.flush(ctx, r)
		case <-check.C:
			m.flush(ctx, r)

			rec, err := m.store.Load(ctx)
			if ctx.Err() != nil {
				return
			}
			if rec != nil {
				continue
			}
			m.log.Info(ctx, "stored session no longer valid", "reason", err)
			onTimeout(err)
			return
		}
	}
}

func (m *Monitor) flush(ctx context.Context, r *run) {
	if !r.pending.Swap(false) {
		return
	}
	if err := m.store.Touch(ctx); err != nil && ctx.Err() == nil {
		m.log.Warn(ctx, "failed to record activity", "error", err)
	}
}
