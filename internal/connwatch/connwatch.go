// Package connwatch tracks whether the model provider is reachable.
//
// The chat turn never waits on it: a turn against a dead provider fails
// on its own. The watcher exists so /health and the logs can say the
// provider is down before a user finds out the hard way.
//
// A Watcher probes in two phases. While the provider has never
// answered it retries with exponential backoff; after that it polls on
// a fixed interval and reports transitions.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks reachability. It returns nil when healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls the probe schedule.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	Multiplier   float64
	PollInterval time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff is 2s doubling to 60s, then a 60s poll.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Multiplier:   2,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier < 1 {
		b.Multiplier = d.Multiplier
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is the JSON shape reported by /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Checks    int       `json:"checks"`
}

// Watcher probes one dependency in the background.
type Watcher struct {
	name     string
	probe    ProbeFunc
	backoff  Backoff
	onChange func(ready bool, err error)
	logger   *slog.Logger

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
	checks    int
}

// New creates a Watcher. onChange, when set, is called synchronously
// from the watch goroutine on every ready/down transition.
func New(name string, probe ProbeFunc, backoff Backoff, onChange func(ready bool, err error), logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		name:     name,
		probe:    probe,
		backoff:  backoff.withDefaults(),
		onChange: onChange,
		logger:   logger.With("component", "connwatch", "service", name),
	}
}

// Status returns a snapshot.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.name, Ready: w.ready, LastCheck: w.lastCheck, Checks: w.checks}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Ready reports the result of the latest probe.
func (w *Watcher) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Run probes until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	delay := w.backoff.Initial
	for !w.check(ctx) {
		w.logger.Debug("probe failed, retrying", "next_delay", delay.String())
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.Max)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it and reports transitions. It returns
// whether the probe succeeded.
func (w *Watcher) check(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutdown, not an outage.
		return false
	}

	w.mu.Lock()
	was := w.ready
	first := w.checks == 0
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.checks++
	w.mu.Unlock()

	switch {
	case err == nil && !was:
		w.logger.Info("service reachable")
	case err != nil && (was || first):
		w.logger.Warn("service unreachable", "error", err)
	}
	if w.onChange != nil && (err == nil) != was {
		w.onChange(err == nil, err)
	}
	return err == nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
