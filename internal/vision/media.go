package vision

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// StagingDirName is the subdirectory of the drop directory where videos are
// written until they are closed.
const StagingDirName = ".staging"

// PartSuffix marks a file that is still being written.
const PartSuffix = ".part"

// Publisher writes media so that only complete files ever appear in the drop
// directory: videos are staged and stills go through a .part file, both
// followed by a rename.
type Publisher struct {
	dropDir    string
	stagingDir string
	codec      string
	stillExt   gocv.FileExt
	fps        float64
}

// NewPublisher encodes stills in the format named by stillSuffix.
func NewPublisher(dropDir, codec, stillSuffix string, fps float64) (*Publisher, error) {
	ext, err := StillFormat(stillSuffix)
	if err != nil {
		return nil, err
	}
	staging := filepath.Join(dropDir, StagingDirName)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return nil, fmt.Errorf("create staging directory: %w", err)
	}
	if fps <= 0 {
		fps = 30
	}
	return &Publisher{dropDir: dropDir, stagingDir: staging, codec: codec, stillExt: ext, fps: fps}, nil
}

// VideoSink receives the frames of one session's video.
type VideoSink interface {
	Write(frame gocv.Mat) error
	// Close finalises the video and returns its published path.
	Close() (string, error)
}

// VideoFile is an open video artifact in the staging directory.
type VideoFile struct {
	writer  *gocv.VideoWriter
	staged  string
	final   string
	frames  int
	started time.Time
}

// OpenVideo starts a new video named name (including suffix).
func (p *Publisher) OpenVideo(name string, size image.Point) (VideoSink, error) {
	staged := filepath.Join(p.stagingDir, name)
	writer, err := gocv.VideoWriterFile(staged, p.codec, p.fps, size.X, size.Y, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create video writer: %w", err)
	}
	if !writer.IsOpened() {
		writer.Close()
		return nil, fmt.Errorf("video writer for %s did not open (codec %s)", staged, p.codec)
	}
	return &VideoFile{
		writer:  writer,
		staged:  staged,
		final:   filepath.Join(p.dropDir, name),
		started: time.Now(),
	}, nil
}

func (v *VideoFile) Write(frame gocv.Mat) error {
	if err := v.writer.Write(frame); err != nil {
		return fmt.Errorf("write frame %d: %w", v.frames, err)
	}
	v.frames++
	return nil
}

// Close finalises the container and moves it into the drop directory.
func (v *VideoFile) Close() (string, error) {
	if err := v.writer.Close(); err != nil {
		return "", fmt.Errorf("close video writer: %w", err)
	}
	if err := os.Rename(v.staged, v.final); err != nil {
		return "", fmt.Errorf("publish %s: %w", v.final, err)
	}
	return v.final, nil
}

func (v *VideoFile) Frames() int { return v.frames }

// EncodeStill encodes frame for publishing.
func (p *Publisher) EncodeStill(frame gocv.Mat) ([]byte, error) { return EncodeImage(frame, p.stillExt) }

// StillFormat maps a still suffix to the image encoding it names.
func StillFormat(suffix string) (gocv.FileExt, error) {
	switch strings.ToLower(suffix) {
	case ".png":
		return gocv.PNGFileExt, nil
	case ".jpg", ".jpeg":
		return gocv.JPEGFileExt, nil
	default:
		return "", fmt.Errorf("unsupported still suffix %q", suffix)
	}
}

// EncodeImage encodes frame as ext bytes.
func EncodeImage(frame gocv.Mat, ext gocv.FileExt) ([]byte, error) {
	if frame.Empty() {
		return nil, ErrEmptyFrame
	}
	buf, err := gocv.IMEncode(ext, frame)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ext, err)
	}
	defer buf.Close()

	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	return data, nil
}

// PublishStill writes data into the drop directory under name.
func (p *Publisher) PublishStill(name string, data []byte) (string, error) {
	final := filepath.Join(p.dropDir, name)
	part := final + PartSuffix
	if err := os.WriteFile(part, data, 0o640); err != nil {
		return "", fmt.Errorf("write still: %w", err)
	}
	if err := os.Rename(part, final); err != nil {
		_ = os.Remove(part)
		return "", fmt.Errorf("publish still: %w", err)
	}
	return final, nil
}

var stampColor = color.RGBA{R: 255, G: 255, B: 255, A: 0}

// Stamp overlays t, in UTC, in the top-left corner of frame.
func Stamp(frame *gocv.Mat, t time.Time) {
	gocv.PutText(frame, t.UTC().Format("2006-01-02 15:04:05 UTC"), image.Pt(25, 30),
		gocv.FontHersheyPlain, 1.2, stampColor, 2)
}

// MediaName builds a UTC timestamped file name.
func MediaName(t time.Time, suffix string) string {
	return t.UTC().Format("2006-01-02T150405.000Z") + suffix
}
