package vision

import (
	"fmt"
	"image"
	"strconv"
	"time"

	"gocv.io/x/gocv"

	"github.com/mikeyg42/sentinel/internal/config"
)

// Source yields frames.
type Source interface {
	Read(dst *gocv.Mat) error
	Size() image.Point
	FPS() float64
	Close() error
}

const maxEmptyReads = 10

// Camera is a Source backed by an OpenCV capture device, file or URL.
type Camera struct {
	capture *gocv.VideoCapture
	size    image.Point
	fps     float64
}

var _ Source = (*Camera)(nil)

// OpenCamera opens cfg.Device. A numeric device is a V4L index; anything
// else is handed to OpenCV as a path or stream URL.
func OpenCamera(cfg config.CameraConfig) (*Camera, error) {
	var device interface{} = cfg.Device
	if id, err := strconv.Atoi(cfg.Device); err == nil {
		device = id
	}

	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %q: %w", cfg.Device, err)
	}

	if cfg.Width > 0 && cfg.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	width := int(capture.Get(gocv.VideoCaptureFrameWidth))
	height := int(capture.Get(gocv.VideoCaptureFrameHeight))
	if width <= 0 || height <= 0 {
		width, height = 640, 480
	}

	fps := cfg.FPS
	if fps <= 0 {
		fps = capture.Get(gocv.VideoCaptureFPS)
	}
	if fps <= 0 {
		fps = 30
	}

	return &Camera{capture: capture, size: image.Pt(width, height), fps: fps}, nil
}

// Read grabs the next frame. A handful of empty frames are tolerated, as
// devices commonly return them while warming up.
func (c *Camera) Read(dst *gocv.Mat) error {
	for i := 0; i < maxEmptyReads; i++ {
		if ok := c.capture.Read(dst); !ok {
			return fmt.Errorf("camera read failed")
		}
		if !dst.Empty() {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return ErrEmptyFrame
}

func (c *Camera) Size() image.Point { return c.size }
func (c *Camera) FPS() float64      { return c.fps }
func (c *Camera) Close() error      { return c.capture.Close() }
