// Package vision wraps the gocv calls used by the recorder: the running
// background model, the camera, media writers and the preview window.
package vision

import (
	"errors"
	"image"

	"gocv.io/x/gocv"
)

// ErrEmptyFrame is returned when a frame carries no pixels.
var ErrEmptyFrame = errors.New("vision: empty frame")

// Measurement is the outcome of comparing one frame against the background.
type Measurement struct {
	ContourArea float64
	FrameArea   float64
}

// Ops is the background-model arithmetic behind motion evaluation.
type Ops interface {
	// Seed initialises the background from frame.
	Seed(frame gocv.Mat) error
	// Measure blends frame into the background and returns the summed area
	// of external contours in the thresholded difference.
	Measure(frame gocv.Mat) (Measurement, error)
	Close() error
}

// BackgroundParams tunes RunningAverage.
type BackgroundParams struct {
	BlendFactor      float64
	Intensity        float32
	DilateIterations int
	ErodeIterations  int
	// BlurSize is the Gaussian kernel size; 0 disables smoothing. Even
	// sizes are rounded up.
	BlurSize int
}

// DefaultBackgroundParams mirrors the configuration defaults.
func DefaultBackgroundParams() BackgroundParams {
	return BackgroundParams{
		BlendFactor:      0.05,
		Intensity:        50,
		DilateIterations: 15,
		ErodeIterations:  10,
		BlurSize:         3,
	}
}

// RunningAverage is a float32 moving-average background model.
type RunningAverage struct {
	p      BackgroundParams
	avg    gocv.Mat
	kernel gocv.Mat
}

var _ Ops = (*RunningAverage)(nil)

func NewRunningAverage(p BackgroundParams) *RunningAverage {
	return &RunningAverage{
		p:      p,
		avg:    gocv.NewMat(),
		kernel: gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3)),
	}
}

func (r *RunningAverage) smooth(frame gocv.Mat) gocv.Mat {
	if r.p.BlurSize <= 0 {
		return frame.Clone()
	}
	k := r.p.BlurSize
	if k%2 == 0 {
		k++
	}
	out := gocv.NewMat()
	gocv.GaussianBlur(frame, &out, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	return out
}

func (r *RunningAverage) Seed(frame gocv.Mat) error {
	if frame.Empty() {
		return ErrEmptyFrame
	}
	src := r.smooth(frame)
	defer src.Close()

	r.avg.Close()
	r.avg = gocv.NewMat()
	src.ConvertTo(&r.avg, gocv.MatTypeCV32F)
	return nil
}

func (r *RunningAverage) Measure(frame gocv.Mat) (Measurement, error) {
	if frame.Empty() {
		return Measurement{}, ErrEmptyFrame
	}
	if r.avg.Empty() {
		return Measurement{}, errors.New("vision: background not seeded")
	}

	src := r.smooth(frame)
	defer src.Close()

	gocv.AccumulatedWeighted(src, &r.avg, r.p.BlendFactor)

	background := gocv.NewMat()
	defer background.Close()
	r.avg.ConvertTo(&background, gocv.MatTypeCV8U)

	diff := gocv.NewMat()
	defer diff.Close()
	gocv.AbsDiff(src, background, &diff)

	mask := gocv.NewMat()
	defer mask.Close()
	if diff.Channels() > 1 {
		gocv.CvtColor(diff, &mask, gocv.ColorBGRToGray)
	} else {
		diff.CopyTo(&mask)
	}

	gocv.Threshold(mask, &mask, r.p.Intensity, 255, gocv.ThresholdBinary)
	for i := 0; i < r.p.DilateIterations; i++ {
		gocv.Dilate(mask, &mask, r.kernel)
	}
	for i := 0; i < r.p.ErodeIterations; i++ {
		gocv.Erode(mask, &mask, r.kernel)
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var total float64
	for i := 0; i < contours.Size(); i++ {
		total += gocv.ContourArea(contours.At(i))
	}

	return Measurement{
		ContourArea: total,
		FrameArea:   float64(frame.Rows() * frame.Cols()),
	}, nil
}

func (r *RunningAverage) Close() error {
	r.avg.Close()
	r.kernel.Close()
	return nil
}
