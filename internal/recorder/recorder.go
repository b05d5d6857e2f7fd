// Package recorder runs the motion-triggered recording state machine.
package recorder

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentinel/internal/daywindow"
	"github.com/mikeyg42/sentinel/internal/motion"
	"github.com/mikeyg42/sentinel/internal/storage"
	"github.com/mikeyg42/sentinel/internal/vision"
)

// State of the machine.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session is one triggered recording.
type Session struct {
	ID          uuid.UUID
	TriggerTime time.Time
	PlannedStop time.Time
	ImageSent   bool
	VideoPath   string
}

// Evaluator judges each frame.
type Evaluator interface {
	Evaluate(frame gocv.Mat) (motion.Event, error)
}

// Media publishes session artifacts into the drop directory.
type Media interface {
	OpenVideo(name string, size image.Point) (vision.VideoSink, error)
	EncodeStill(frame gocv.Mat) ([]byte, error)
	PublishStill(name string, data []byte) (string, error)
}

// Alerter is told about motion and stills. Calls must not block.
type Alerter interface {
	MotionDetected(ctx context.Context, ev motion.Event)
	StillCaptured(ctx context.Context, name string, png []byte)
}

// MotionLedger records triggered sessions.
type MotionLedger interface {
	RecordMotion(ctx context.Context, rec storage.MotionRecord) error
}

// Display shows frames and reports key presses (-1 for none).
type Display interface {
	Show(frame gocv.Mat) int
}

type Options struct {
	RecordOnMotion bool
	LaunchDelay    time.Duration
	RecordDuration time.Duration
	// Window limits when motion may start a session; nil means always.
	Window      *daywindow.Window
	VideoSuffix string
	ImageSuffix string
	FrameSize   image.Point
	Ledger      MotionLedger
	Clock       func() time.Time
}

// Metrics tracks machine activity.
type Metrics struct {
	Frames        atomic.Uint64
	Sessions      atomic.Uint64
	Stills        atomic.Uint64
	Videos        atomic.Uint64
	MediaErrors   atomic.Uint64
	OutsideWindow atomic.Uint64
}

type MetricsSnapshot struct {
	Frames, Sessions, Stills, Videos, MediaErrors, OutsideWindow uint64
}

// Machine alternates between Idle and Recording.
type Machine struct {
	opts    Options
	eval    Evaluator
	media   Media
	alerts  Alerter
	logger  *zap.Logger
	metrics Metrics

	start   time.Time
	state   State
	session *Session
	video   vision.VideoSink
}

func NewMachine(opts Options, eval Evaluator, media Media, alerts Alerter, logger *zap.Logger) (*Machine, error) {
	if eval == nil || media == nil || alerts == nil {
		return nil, fmt.Errorf("recorder: evaluator, media and alerter are required")
	}
	if opts.RecordDuration <= 0 {
		return nil, fmt.Errorf("recorder: record duration must be positive")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		opts:   opts,
		eval:   eval,
		media:  media,
		alerts: alerts,
		logger: logger.Named("recorder"),
	}, nil
}

func (m *Machine) State() State { return m.state }

// Session returns a copy of the open session, if any.
func (m *Machine) Session() (Session, bool) {
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

func (m *Machine) Metrics() MetricsSnapshot {
	return MetricsSnapshot{
		Frames:        m.metrics.Frames.Load(),
		Sessions:      m.metrics.Sessions.Load(),
		Stills:        m.metrics.Stills.Load(),
		Videos:        m.metrics.Videos.Load(),
		MediaErrors:   m.metrics.MediaErrors.Load(),
		OutsideWindow: m.metrics.OutsideWindow.Load(),
	}
}

// Step runs one cycle for frame captured at now. The frame may be stamped.
func (m *Machine) Step(ctx context.Context, frame *gocv.Mat, now time.Time) error {
	if m.start.IsZero() {
		m.start = now
	}
	m.metrics.Frames.Add(1)

	// The background is updated every cycle, whatever the state.
	ev, err := m.eval.Evaluate(*frame)
	if err != nil {
		return fmt.Errorf("evaluate frame: %w", err)
	}
	ev.Timestamp = now

	switch m.state {
	case Idle:
		if !m.opts.Window.Contains(now) {
			m.metrics.OutsideWindow.Add(1)
			return nil
		}
		if ev.Present && now.Sub(m.start) > m.opts.LaunchDelay {
			m.begin(ctx, ev, now)
		}

	case Recording:
		if !now.Before(m.session.PlannedStop) {
			m.finish()
			return nil
		}
		vision.Stamp(frame, now)
		if !m.session.ImageSent {
			m.sendStill(ctx, *frame, now)
		}
		if m.video != nil {
			if err := m.video.Write(*frame); err != nil {
				m.metrics.MediaErrors.Add(1)
				m.logger.Warn("failed to write video frame", zap.Error(err))
			}
		}
	}
	return nil
}

func (m *Machine) begin(ctx context.Context, ev motion.Event, now time.Time) {
	m.session = &Session{
		ID:          uuid.New(),
		TriggerTime: now,
		PlannedStop: now.Add(m.opts.RecordDuration),
	}
	m.state = Recording
	m.metrics.Sessions.Add(1)

	log := m.logger.With(zap.String("session", m.session.ID.String()))
	log.Info("motion detected",
		zap.Float64("coverage_percent", ev.ContourAreaPercent),
		zap.Time("planned_stop", m.session.PlannedStop))

	m.alerts.MotionDetected(ctx, ev)

	if m.opts.Ledger != nil {
		rec := storage.MotionRecord{
			ID:              uuid.New(),
			SessionID:       m.session.ID,
			At:              now,
			CoveragePercent: ev.ContourAreaPercent,
		}
		if err := m.opts.Ledger.RecordMotion(ctx, rec); err != nil {
			log.Warn("failed to record motion event", zap.Error(err))
		}
	}

	if !m.opts.RecordOnMotion {
		return
	}
	name := vision.MediaName(now, m.opts.VideoSuffix)
	sink, err := m.media.OpenVideo(name, m.opts.FrameSize)
	if err != nil {
		m.metrics.MediaErrors.Add(1)
		log.Error("failed to open video", zap.String("name", name), zap.Error(err))
		return
	}
	m.video = sink
	log.Info("start recording", zap.String("name", name))
}

func (m *Machine) sendStill(ctx context.Context, frame gocv.Mat, now time.Time) {
	// One attempt per session, successful or not.
	m.session.ImageSent = true

	data, err := m.media.EncodeStill(frame)
	if err != nil {
		m.metrics.MediaErrors.Add(1)
		m.logger.Warn("failed to encode still", zap.Error(err))
		return
	}
	name := vision.MediaName(now, m.opts.ImageSuffix)
	m.alerts.StillCaptured(ctx, name, data)

	path, err := m.media.PublishStill(name, data)
	if err != nil {
		m.metrics.MediaErrors.Add(1)
		m.logger.Warn("failed to publish still", zap.String("name", name), zap.Error(err))
		return
	}
	m.metrics.Stills.Add(1)
	m.logger.Debug("still published", zap.String("path", path))
}

func (m *Machine) finish() {
	log := m.logger.With(zap.String("session", m.session.ID.String()))
	m.closeVideo(log)
	log.Info("stop recording, watch for motion")
	m.state = Idle
	m.session = nil
}

func (m *Machine) closeVideo(log *zap.Logger) {
	if m.video == nil {
		return
	}
	path, err := m.video.Close()
	m.video = nil
	if err != nil {
		m.metrics.MediaErrors.Add(1)
		log.Error("failed to publish video", zap.Error(err))
		return
	}
	m.session.VideoPath = path
	m.metrics.Videos.Add(1)
	log.Info("video published", zap.String("path", path))
}

// Close publishes any open video so it is not lost on shutdown.
func (m *Machine) Close() {
	if m.session != nil {
		m.finish()
	}
}

// Run reads frames until ctx is cancelled or a stop key is pressed, both of
// which return nil. A source failure is returned as an error.
func (m *Machine) Run(ctx context.Context, src vision.Source, display Display) error {
	frame := gocv.NewMat()
	defer frame.Close()
	defer m.Close()

	m.logger.Info("watching for motion",
		zap.Duration("launch_delay", m.opts.LaunchDelay),
		zap.Duration("record_duration", m.opts.RecordDuration),
		zap.Stringer("window", m.opts.Window),
		zap.Bool("record_on_motion", m.opts.RecordOnMotion))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("recorder stopping", zap.Error(ctx.Err()))
			return nil
		default:
		}

		if err := src.Read(&frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		if err := m.Step(ctx, &frame, m.opts.Clock()); err != nil {
			return err
		}
		if display != nil {
			if key := display.Show(frame); vision.IsStopKey(key) {
				m.logger.Info("stop key pressed", zap.Int("key", key))
				return nil
			}
		}
	}
}
