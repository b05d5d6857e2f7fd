// Package pipeline wires the recorder and ship workers together and
// supervises them.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitStartup        = 1
	ExitWorkersMissing = 2
	ExitCaptureDown    = 3
)

// LivenessChecker reports whether the external capture process is up.
type LivenessChecker interface {
	Alive(ctx context.Context) (bool, error)
}

// WorkerFunc runs until ctx is cancelled or it fails.
type WorkerFunc func(ctx context.Context) error

type worker struct {
	name    string
	primary bool
	run     WorkerFunc
}

type Options struct {
	// Interval between supervision ticks.
	Interval time.Duration
	// Capture is optional.
	Capture LivenessChecker
	// DropDir and MinFreeMB drive the free-space warning; MinFreeMB 0
	// disables it.
	DropDir   string
	MinFreeMB uint64
	// ShutdownGrace bounds the wait for workers after cancellation.
	ShutdownGrace time.Duration
}

// Orchestrator runs workers and turns their state into an exit code.
type Orchestrator struct {
	opts      Options
	logger    *zap.Logger
	workers   []worker
	reporters []func()

	alive atomic.Int32
}

func New(opts Options, logger *zap.Logger) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{opts: opts, logger: logger.Named("supervisor")}
}

// Add registers a worker. When a primary worker returns nil the whole
// pipeline stops with ExitOK; any other worker exit only lowers the alive
// count, which the next supervision tick reports.
func (o *Orchestrator) Add(name string, primary bool, run WorkerFunc) {
	o.workers = append(o.workers, worker{name: name, primary: primary, run: run})
}

// Report registers a callback invoked on every healthy tick.
func (o *Orchestrator) Report(fn func()) {
	o.reporters = append(o.reporters, fn)
}

func (o *Orchestrator) Expected() int { return len(o.workers) }
func (o *Orchestrator) Alive() int    { return int(o.alive.Load()) }

// Run starts every worker and blocks until an exit condition is reached.
func (o *Orchestrator) Run(ctx context.Context) int {
	if len(o.workers) == 0 {
		o.logger.Error("no workers configured")
		return ExitStartup
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	primaryDone := make(chan struct{}, 1)
	for _, w := range o.workers {
		o.alive.Add(1)
		wg.Add(1)
		go func(w worker) {
			defer wg.Done()
			defer o.alive.Add(-1)
			err := o.runWorker(ctx, w)
			if err != nil {
				o.logger.Error("worker exited", zap.String("worker", w.name), zap.Error(err))
				return
			}
			o.logger.Info("worker stopped", zap.String("worker", w.name))
			if w.primary {
				select {
				case primaryDone <- struct{}{}:
				default:
				}
			}
		}(w)
	}

	o.logger.Info("pipeline started",
		zap.Int("workers", len(o.workers)),
		zap.Duration("supervision_interval", o.opts.Interval))
	o.checkFreeSpace()

	code := o.supervise(ctx, primaryDone)

	cancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.opts.ShutdownGrace):
		o.logger.Warn("workers still running at exit", zap.Int("alive", o.Alive()))
	}
	o.logger.Info("pipeline stopped", zap.Int("exit_code", code))
	return code
}

func (o *Orchestrator) runWorker(ctx context.Context, w worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return w.run(ctx)
}

func (o *Orchestrator) supervise(ctx context.Context, primaryDone <-chan struct{}) int {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("shutdown requested")
			return ExitOK
		case <-primaryDone:
			return ExitOK
		case <-ticker.C:
			if code := o.tick(ctx); code != ExitOK {
				return code
			}
		}
	}
}

// tick runs one supervision pass and returns a non-zero code on failure.
func (o *Orchestrator) tick(ctx context.Context) int {
	alive, expected := o.Alive(), o.Expected()
	if alive < expected {
		o.logger.Error("workers missing", zap.Int("alive", alive), zap.Int("expected", expected))
		return ExitWorkersMissing
	}

	if o.opts.Capture != nil {
		up, err := o.opts.Capture.Alive(ctx)
		switch {
		case err != nil:
			o.logger.Warn("capture liveness probe failed", zap.Error(err))
		case !up:
			o.logger.Error("capture process is not running")
			return ExitCaptureDown
		}
	}

	o.checkFreeSpace()
	o.logger.Debug("supervision tick", zap.Int("alive", alive))
	for _, fn := range o.reporters {
		fn()
	}
	return ExitOK
}

func (o *Orchestrator) checkFreeSpace() {
	if o.opts.MinFreeMB == 0 || o.opts.DropDir == "" {
		return
	}
	free, err := FreeMB(o.opts.DropDir)
	if err != nil {
		o.logger.Warn("free space check failed", zap.String("dir", o.opts.DropDir), zap.Error(err))
		return
	}
	if free < o.opts.MinFreeMB {
		o.logger.Warn("drop directory is low on space",
			zap.String("dir", o.opts.DropDir),
			zap.Uint64("free_mb", free),
			zap.Uint64("min_free_mb", o.opts.MinFreeMB))
	}
}

// FreeMB returns the space available to unprivileged users on dir's
// filesystem.
func FreeMB(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, &os.PathError{Op: "statfs", Path: dir, Err: err}
	}
	return uint64(st.Bavail) * uint64(st.Bsize) / (1 << 20), nil
}
