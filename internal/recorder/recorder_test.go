package recorder

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentinel/internal/daywindow"
	"github.com/mikeyg42/sentinel/internal/motion"
	"github.com/mikeyg42/sentinel/internal/storage"
	"github.com/mikeyg42/sentinel/internal/vision"
)

// scriptedEvaluator reports motion whenever present is true.
type scriptedEvaluator struct {
	present bool
	calls   int
}

func (s *scriptedEvaluator) Evaluate(gocv.Mat) (motion.Event, error) {
	s.calls++
	if s.present {
		return motion.Event{Present: true, ContourAreaPercent: 42}, nil
	}
	return motion.Event{}, nil
}

type fakeSink struct {
	name   string
	frames int
	closed bool
}

func (f *fakeSink) Write(gocv.Mat) error { f.frames++; return nil }
func (f *fakeSink) Close() (string, error) {
	f.closed = true
	return "/drop/" + f.name, nil
}

type fakeMedia struct {
	videos []*fakeSink
	stills []string
}

func (f *fakeMedia) OpenVideo(name string, _ image.Point) (vision.VideoSink, error) {
	s := &fakeSink{name: name}
	f.videos = append(f.videos, s)
	return s, nil
}

func (f *fakeMedia) EncodeStill(gocv.Mat) ([]byte, error) { return []byte("png"), nil }

func (f *fakeMedia) PublishStill(name string, _ []byte) (string, error) {
	f.stills = append(f.stills, name)
	return "/drop/" + name, nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	motion int
	stills []string
}

func (f *fakeAlerter) MotionDetected(context.Context, motion.Event) {
	f.mu.Lock()
	f.motion++
	f.mu.Unlock()
}

func (f *fakeAlerter) StillCaptured(_ context.Context, name string, _ []byte) {
	f.mu.Lock()
	f.stills = append(f.stills, name)
	f.mu.Unlock()
}

type fakeLedger struct{ recs []storage.MotionRecord }

func (f *fakeLedger) RecordMotion(_ context.Context, rec storage.MotionRecord) error {
	f.recs = append(f.recs, rec)
	return nil
}

type harness struct {
	m      *Machine
	eval   *scriptedEvaluator
	media  *fakeMedia
	alerts *fakeAlerter
	frame  gocv.Mat
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	if opts.RecordDuration == 0 {
		opts.RecordDuration = 20 * time.Second
	}
	if opts.VideoSuffix == "" {
		opts.VideoSuffix = ".avi"
		opts.ImageSuffix = ".png"
	}
	h := &harness{
		eval:   &scriptedEvaluator{},
		media:  &fakeMedia{},
		alerts: &fakeAlerter{},
		frame:  gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3),
	}
	t.Cleanup(func() { h.frame.Close() })

	m, err := NewMachine(opts, h.eval, h.media, h.alerts, nil)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) step(t *testing.T, now time.Time) {
	t.Helper()
	require.NoError(t, h.m.Step(context.Background(), &h.frame, now))
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMachine_LaunchDelay(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true, LaunchDelay: 5 * time.Second})
	h.step(t, t0)

	h.eval.present = true
	h.step(t, t0.Add(3*time.Second))
	assert.Equal(t, Idle, h.m.State())

	h.step(t, t0.Add(5*time.Second))
	assert.Equal(t, Idle, h.m.State(), "launch delay is exclusive")

	h.step(t, t0.Add(5*time.Second+time.Millisecond))
	assert.Equal(t, Recording, h.m.State())
	assert.Equal(t, 1, h.alerts.motion)
}

func TestMachine_ExactRecordDuration(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true, RecordDuration: 20 * time.Second})
	h.eval.present = true
	h.step(t, t0)
	h.step(t, t0.Add(time.Second))
	require.Equal(t, Recording, h.m.State())

	trigger := t0.Add(time.Second)
	s, ok := h.m.Session()
	require.True(t, ok)
	assert.Equal(t, trigger.Add(20*time.Second), s.PlannedStop)

	h.eval.present = false
	h.step(t, trigger.Add(20*time.Second-time.Millisecond))
	assert.Equal(t, Recording, h.m.State())

	h.step(t, trigger.Add(20*time.Second))
	assert.Equal(t, Idle, h.m.State())

	require.Len(t, h.media.videos, 1)
	assert.True(t, h.media.videos[0].closed)
	assert.Equal(t, 1, h.media.videos[0].frames)
	assert.EqualValues(t, 1, h.m.Metrics().Videos)
}

func TestMachine_OneStillPerSession(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true, RecordDuration: 10 * time.Second})
	h.eval.present = true
	h.step(t, t0)
	h.step(t, t0.Add(time.Second))

	for i := 2; i < 8; i++ {
		h.step(t, t0.Add(time.Duration(i)*time.Second))
	}
	assert.Len(t, h.alerts.stills, 1)
	assert.Len(t, h.media.stills, 1)
	assert.Equal(t, h.alerts.stills, h.media.stills)

	// Session ends, motion continues: a second session gets its own still.
	h.step(t, t0.Add(11*time.Second))
	assert.Equal(t, Idle, h.m.State())
	h.step(t, t0.Add(12*time.Second))
	h.step(t, t0.Add(13*time.Second))
	assert.Len(t, h.alerts.stills, 2)
	assert.Equal(t, 2, h.alerts.motion)
}

func TestMachine_OutsideDailyWindow(t *testing.T) {
	w, err := daywindow.Parse("0800--1800")
	require.NoError(t, err)

	h := newHarness(t, Options{RecordOnMotion: true, Window: w})
	evening := time.Date(2024, 5, 1, 19, 0, 0, 0, time.UTC)
	h.step(t, evening)

	h.eval.present = true
	for i := 1; i < 5; i++ {
		h.step(t, evening.Add(time.Duration(i)*time.Second))
	}

	assert.Equal(t, Idle, h.m.State())
	assert.Zero(t, h.alerts.motion)
	assert.Empty(t, h.media.videos)
	assert.Equal(t, 5, h.eval.calls, "background still updated outside the window")
	assert.EqualValues(t, 5, h.m.Metrics().OutsideWindow)
}

func TestMachine_SessionOutlivesWindow(t *testing.T) {
	w, err := daywindow.Parse("0800--1800")
	require.NoError(t, err)

	h := newHarness(t, Options{RecordOnMotion: true, Window: w, RecordDuration: 30 * time.Second})
	late := time.Date(2024, 5, 1, 17, 59, 50, 0, time.UTC)
	h.step(t, late)
	h.eval.present = true
	h.step(t, late.Add(time.Second))
	require.Equal(t, Recording, h.m.State())

	h.step(t, late.Add(20*time.Second))
	assert.Equal(t, Recording, h.m.State())
	assert.Equal(t, 1, h.media.videos[0].frames)

	h.step(t, late.Add(31*time.Second))
	assert.Equal(t, Idle, h.m.State())
	assert.True(t, h.media.videos[0].closed)
}

func TestMachine_RecordOnMotionDisabled(t *testing.T) {
	ledger := &fakeLedger{}
	h := newHarness(t, Options{RecordOnMotion: false, Ledger: ledger})
	h.eval.present = true
	h.step(t, t0)
	h.step(t, t0.Add(time.Second))
	h.step(t, t0.Add(2*time.Second))

	assert.Equal(t, Recording, h.m.State())
	assert.Empty(t, h.media.videos)
	assert.Equal(t, 1, h.alerts.motion)
	assert.Len(t, h.alerts.stills, 1)

	require.Len(t, ledger.recs, 1)
	s, _ := h.m.Session()
	assert.Equal(t, s.ID, ledger.recs[0].SessionID)
	assert.InDelta(t, 42.0, ledger.recs[0].CoveragePercent, 1e-9)
}

func TestMachine_CloseFinishesOpenSession(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true})
	h.eval.present = true
	h.step(t, t0)
	h.step(t, t0.Add(time.Second))
	require.Len(t, h.media.videos, 1)

	h.m.Close()
	assert.True(t, h.media.videos[0].closed)
	assert.Equal(t, Idle, h.m.State())
}

type fakeSource struct {
	reads   int
	failAt  int
	onRead  func(n int)
	readErr error
}

func (f *fakeSource) Read(dst *gocv.Mat) error {
	f.reads++
	if f.onRead != nil {
		f.onRead(f.reads)
	}
	if f.failAt > 0 && f.reads >= f.failAt {
		return f.readErr
	}
	blank := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer blank.Close()
	blank.CopyTo(dst)
	return nil
}

func (f *fakeSource) Size() image.Point { return image.Pt(64, 48) }
func (f *fakeSource) FPS() float64      { return 10 }
func (f *fakeSource) Close() error      { return nil }

type keyDisplay struct {
	shown int
	keyAt int
}

func (k *keyDisplay) Show(gocv.Mat) int {
	k.shown++
	if k.shown == k.keyAt {
		return vision.KeyEscape
	}
	return -1
}

func TestMachine_RunSourceFailure(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true})
	src := &fakeSource{failAt: 3, readErr: errors.New("device unplugged")}

	err := h.m.Run(context.Background(), src, nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "device unplugged")
	assert.Equal(t, 2, h.eval.calls)
}

func TestMachine_RunStopKey(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true})
	display := &keyDisplay{keyAt: 4}

	err := h.m.Run(context.Background(), &fakeSource{}, display)
	require.NoError(t, err)
	assert.Equal(t, 4, display.shown)
}

func TestMachine_RunContextCancel(t *testing.T) {
	h := newHarness(t, Options{RecordOnMotion: true})
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{onRead: func(n int) {
		if n == 5 {
			cancel()
		}
	}}

	require.NoError(t, h.m.Run(ctx, src, nil))
	assert.Equal(t, 5, src.reads)
}

func TestNewMachine_Validation(t *testing.T) {
	_, err := NewMachine(Options{RecordDuration: time.Second}, nil, &fakeMedia{}, &fakeAlerter{}, nil)
	assert.Error(t, err)
	_, err = NewMachine(Options{}, &scriptedEvaluator{}, &fakeMedia{}, &fakeAlerter{}, nil)
	assert.Error(t, err)
}
