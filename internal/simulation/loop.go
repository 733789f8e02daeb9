package simulation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrStopped reports a command submitted to a loop that is not running.
var ErrStopped = errors.New("simulation loop not running")

// maxCatchUp bounds how many fixed steps one tick may run after a stall.
const maxCatchUp = 5

// StepFunc advances the simulation by a fixed timestep and may emit side effects.
type StepFunc func(step time.Duration)

type command struct {
	fn   func()
	done chan struct{}
}

// Option customises loop construction.
type Option func(*Loop)

// WithMonitor records the duration of every tick into monitor.
func WithMonitor(monitor *TickMonitor) Option {
	return func(l *Loop) { l.monitor = monitor }
}

// Loop drives a fixed timestep simulation and owns a single ordered command
// queue. Every closure submitted through Do runs on the loop goroutine
// between steps, so state touched only from the loop needs no further locking.
type Loop struct {
	step     time.Duration
	stepFunc StepFunc
	monitor  *TickMonitor
	commands chan command
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool
	steps    atomic.Uint64
	start    sync.Once
	stop     sync.Once
}

// NewLoop configures a loop that targets the provided frequency.
func NewLoop(targetHz float64, step StepFunc, opts ...Option) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	l := &Loop{
		step:     interval,
		stepFunc: step,
		commands: make(chan command),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Start begins ticking until the context is cancelled or Stop is invoked.
// Subsequent calls are no-ops.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.start.Do(func() {
		l.running.Store(true)
		go l.run(ctx)
	})
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	defer l.running.Store(false)
	ticker := time.NewTicker(l.step)
	defer ticker.Stop()

	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.quit:
			return
		case cmd := <-l.commands:
			//1.- Commands run between steps in arrival order.
			cmd.fn()
			close(cmd.done)
		case now := <-ticker.C:
			//2.- Accumulate elapsed time and run fixed steps while catching up.
			started := time.Now()
			accumulator += now.Sub(last)
			last = now
			if accumulator > maxCatchUp*l.step {
				accumulator = maxCatchUp * l.step
			}
			for accumulator >= l.step {
				l.stepFunc(l.step)
				l.steps.Add(1)
				accumulator -= l.step
			}
			l.monitor.Observe(time.Since(started))
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to finish. ctx only
// bounds the wait for a queue slot; once accepted, fn runs to completion.
// Do must not be called from inside a step or another command.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	if l == nil || fn == nil {
		return ErrStopped
	}
	if !l.running.Load() {
		return ErrStopped
	}
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.commands <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
	<-cmd.done
	return nil
}

// Stop ends the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.stop.Do(func() { close(l.quit) })
	if l.running.Load() {
		<-l.done
	}
}

// Steps reports how many fixed steps have run.
func (l *Loop) Steps() uint64 {
	if l == nil {
		return 0
	}
	return l.steps.Load()
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}
