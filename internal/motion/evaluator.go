// Package motion decides, frame by frame, whether the scene has changed
// enough against its running background to count as motion.
package motion

import (
	"fmt"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentinel/internal/vision"
)

// Event is the result of evaluating one frame.
type Event struct {
	Timestamp          time.Time
	ContourAreaPercent float64
	Present            bool
}

// Stats summarise the evaluator's work since it was created.
type Stats struct {
	FramesProcessed int64
	MotionFrames    int64
	LastMotionTime  time.Time
	MaxCoverage     float64
	ProcessingTime  time.Duration
}

// Evaluator compares frames against a background model owned by ops.
type Evaluator struct {
	ops       vision.Ops
	threshold *Threshold
	now       func() time.Time

	mu     sync.Mutex
	seeded bool
	stats  Stats
}

func NewEvaluator(ops vision.Ops, threshold *Threshold) (*Evaluator, error) {
	if ops == nil {
		return nil, fmt.Errorf("vision ops cannot be nil")
	}
	if threshold == nil {
		return nil, fmt.Errorf("threshold cannot be nil")
	}
	return &Evaluator{ops: ops, threshold: threshold, now: time.Now}, nil
}

// Evaluate updates the background with frame and reports whether motion is
// present. The first frame only seeds the background.
func (e *Evaluator) Evaluate(frame gocv.Mat) (Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	ev := Event{Timestamp: start}

	if !e.seeded {
		if err := e.ops.Seed(frame); err != nil {
			return ev, fmt.Errorf("seed background: %w", err)
		}
		e.seeded = true
		e.stats.FramesProcessed++
		return ev, nil
	}

	m, err := e.ops.Measure(frame)
	if err != nil {
		return ev, fmt.Errorf("measure frame: %w", err)
	}
	if m.FrameArea <= 0 {
		return ev, fmt.Errorf("frame area is %v", m.FrameArea)
	}

	ev.ContourAreaPercent = 100 * m.ContourArea / m.FrameArea
	ev.Present = ev.ContourAreaPercent > e.threshold.Load()

	e.stats.FramesProcessed++
	if ev.Present {
		e.stats.MotionFrames++
		e.stats.LastMotionTime = start
	}
	if ev.ContourAreaPercent > e.stats.MaxCoverage {
		e.stats.MaxCoverage = ev.ContourAreaPercent
	}
	e.stats.ProcessingTime = e.now().Sub(start)

	return ev, nil
}

func (e *Evaluator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Evaluator) Close() error {
	return e.ops.Close()
}
