package tracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pruner periodically sweeps the Store for expired entries. Adapted
// from the gateway's HealthPoller: a cancellable ticker loop with
// Start/Stop lifecycle, owned and driven by main.go.
type Pruner struct {
	tracker  *Tracker
	interval time.Duration
	logger   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPruner builds a Pruner bound to tracker's Store, running every
// interval.
func NewPruner(t *Tracker, interval time.Duration, logger zerolog.Logger) *Pruner {
	return &Pruner{
		tracker:  t,
		interval: interval,
		logger:   logger.With().Str("component", "pruner").Logger(),
	}
}

// Start launches the background sweep loop. Safe to call once; calling
// it twice leaks the first goroutine.
func (p *Pruner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := p.tracker.store.Prune(time.Now())
				if err != nil {
					p.logger.Error().Err(err).Msg("prune pass failed")
					continue
				}
				if removed > 0 {
					p.logger.Debug().Int("removed", removed).Msg("prune pass completed")
				}
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (p *Pruner) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}
