package simulation

import (
	"context"
	"sync"
	"time"
)

// FrameFunc receives the wall-clock time elapsed since the previous frame.
type FrameFunc func(elapsed time.Duration)

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithMonitor records how long each frame callback takes.
func WithMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) {
		l.monitor = monitor
	}
}

// WithNow overrides the clock used to measure frame deltas.
func WithNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// Loop invokes a frame callback at a target refresh rate. A frame always runs to
// completion; stopping takes effect before the next scheduled frame.
type Loop struct {
	interval time.Duration
	frame    FrameFunc
	monitor  *TickMonitor
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop that targets the provided frames per second.
func NewLoop(targetHz float64, frame FrameFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if frame == nil {
		frame = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{
		interval: interval,
		frame:    frame,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start attaches the frame callback. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	//1.- Own a derived context so Stop can detach without the caller's cooperation.
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(runCtx, done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	last := l.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		//1.- Re-check cancellation so a Stop racing the tick never runs another frame.
		if ctx.Err() != nil {
			return
		}
		now := l.now()
		elapsed := now.Sub(last)
		last = now

		//2.- Hand the measured delta to the frame and time the callback.
		started := time.Now()
		l.frame(elapsed)
		l.monitor.Observe(time.Since(started))
	}
}

// Stop detaches the frame callback and waits for an in-flight frame to finish.
// It is safe to call repeatedly and on a loop that never started.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the frame callback is attached.
func (l *Loop) Running() bool {
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Interval exposes the configured frame interval.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
