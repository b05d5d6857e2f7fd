package vision

import (
	"gocv.io/x/gocv"
)

// Key codes that end a monitoring session.
const (
	KeyEscape = 27
	KeyEnter  = 10
)

// ThresholdCell is the live detection threshold, in percent.
type ThresholdCell interface {
	Load() float64
	Set(v float64) float64
}

// Window is the optional preview window with a threshold trackbar.
type Window struct {
	win       *gocv.Window
	bar       *gocv.Trackbar
	threshold ThresholdCell
	lastPos   int
}

func NewWindow(name string, threshold ThresholdCell) *Window {
	win := gocv.NewWindow(name)
	bar := win.CreateTrackbar("detection threshold", 100)
	pos := int(threshold.Load())
	bar.SetPos(pos)
	return &Window{win: win, bar: bar, threshold: threshold, lastPos: pos}
}

// Show displays frame and returns the pressed key, or -1.
func (w *Window) Show(frame gocv.Mat) int {
	w.win.IMShow(frame)
	key := w.win.WaitKey(1)

	// The trackbar wins if the user moved it; otherwise follow the cell,
	// which a config reload may have changed.
	if pos := w.bar.GetPos(); pos != w.lastPos {
		w.threshold.Set(float64(pos))
		w.lastPos = pos
	} else if cur := int(w.threshold.Load()); cur != pos {
		w.bar.SetPos(cur)
		w.lastPos = cur
	}

	if key < 0 {
		return -1
	}
	return key & 0xff
}

func (w *Window) Close() error { return w.win.Close() }

// IsStopKey reports whether key ends the session.
func IsStopKey(key int) bool {
	return key == KeyEscape || key == KeyEnter
}
