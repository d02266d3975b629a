package experiment

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTickInterval is how often a running experiment's metrics refresh.
const DefaultTickInterval = 5 * time.Second

// Ticker runs one lightweight goroutine per armed experiment, invoking its
// tick function on a fixed interval until the function reports the
// experiment is no longer running or the ticker is disarmed.
type Ticker struct {
	interval time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	stops map[string]chan struct{}
}

// NewTicker creates a ticker with the given interval. interval <= 0 falls
// back to DefaultTickInterval.
func NewTicker(interval time.Duration, logger *slog.Logger) *Ticker {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ticker{
		interval: interval,
		logger:   logger,
		stops:    make(map[string]chan struct{}),
	}
}

// Arm starts ticking for an experiment. Arming an already armed experiment
// is a no-op.
func (t *Ticker) Arm(id string, tick func() bool) {
	t.mu.Lock()
	if _, exists := t.stops[id]; exists {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stops[id] = stop
	t.mu.Unlock()

	go t.run(id, tick, stop)
}

// Disarm stops ticking for an experiment. Safe to call for experiments that
// were never armed.
func (t *Ticker) Disarm(id string) {
	t.mu.Lock()
	stop, ok := t.stops[id]
	if ok {
		delete(t.stops, id)
	}
	t.mu.Unlock()
	if ok {
		close(stop)
	}
}

// DisarmAll stops every armed experiment.
func (t *Ticker) DisarmAll() {
	t.mu.Lock()
	stops := t.stops
	t.stops = make(map[string]chan struct{})
	t.mu.Unlock()
	for _, stop := range stops {
		close(stop)
	}
}

func (t *Ticker) run(id string, tick func() bool, stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !tick() {
				// The experiment left RUNNING without going through Disarm.
				t.mu.Lock()
				if s, ok := t.stops[id]; ok && s == stop {
					delete(t.stops, id)
				}
				t.mu.Unlock()
				return
			}
		}
	}
}
