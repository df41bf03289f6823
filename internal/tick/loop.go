package tick

import (
	"context"
	"time"
)

// StepFunc advances the session layer by a fixed timestep.
type StepFunc func(step time.Duration)

// Loop drives the single-threaded session tick at the configured frequency.
// All lobby and mesh state mutation happens inside the step callback, which
// always runs on the loop's own goroutine.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	guard    *Guard
	monitor  *Monitor
	ticker   *time.Ticker
	done     chan struct{}
}

// NewLoop configures a loop that targets the provided ticks per second.
func NewLoop(targetHz float64, guard *Guard, monitor *Monitor, step StepFunc) *Loop {
	if targetHz <= 0 {
		targetHz = 30
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 30
	}
	return &Loop{
		step:     interval,
		stepFunc: step,
		guard:    guard,
		monitor:  monitor,
	}
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil || l.stepFunc == nil {
		return
	}

	l.ticker = time.NewTicker(l.step)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		defer l.ticker.Stop()
		//1.- Bind the affinity guard to the loop goroutine before the first step fires.
		if l.guard != nil {
			l.guard.Bind()
		}
		last := time.Now()
		accumulator := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-l.ticker.C:
				//2.- Accumulate elapsed time and run fixed steps while catching up.
				accumulator += now.Sub(last)
				last = now
				for accumulator >= l.step {
					started := time.Now()
					l.stepFunc(l.step)
					if l.monitor != nil {
						l.monitor.Observe(time.Since(started))
					}
					accumulator -= l.step
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	if l.ticker != nil {
		l.ticker.Stop()
	}
	if l.done != nil {
		<-l.done
		l.done = nil
	}
}

// StepDuration exposes the configured timestep for testing.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
