// Package video is the frame accessor consumed by background estimation,
// frame tracking and job orchestration. A Source is owned by exactly one
// goroutine at a time; nothing in this package is safe for concurrent use.
package video

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

var (
	// ErrOpen reports that a video source could not be opened.
	ErrOpen = errors.New("video open failed")
	// ErrFrameRead reports that a frame could not be decoded or seeked to.
	ErrFrameRead = errors.New("frame read failed")
)

// Descriptor is the immutable metadata of a video source.
type Descriptor struct {
	Path       string  `json:"path" msgpack:"path"`
	FrameCount int     `json:"frame_count" msgpack:"frame_count"`
	FPS        float64 `json:"fps" msgpack:"fps"`
	Width      int     `json:"width" msgpack:"width"`
	Height     int     `json:"height" msgpack:"height"`
}

// String summarises the descriptor for logs.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%dx%d, %d frames @ %.2f fps)", d.Path, d.Width, d.Height, d.FrameCount, d.FPS)
}

// Source provides sequential reads with an explicit, resettable cursor.
type Source interface {
	// Descriptor returns the source metadata.
	Descriptor() Descriptor

	// Seek positions the read cursor so the next Read returns frame index.
	Seek(index int) error

	// Read decodes the frame under the cursor into dst and advances the
	// cursor. Frames are BGR (3 channel) or already single channel.
	Read(dst *gocv.Mat) error

	// Close releases the underlying handle.
	Close() error
}

// Opener opens a Source for a path. Job runners receive one so tests can
// substitute in-memory sources.
type Opener func(path string) (Source, error)

// Writer receives annotated frames.
type Writer interface {
	Write(frame gocv.Mat) error
	Close() error
}

// WriterFactory creates a Writer with the geometry and frame rate of a source.
type WriterFactory func(path string, fps float64, width, height int) (Writer, error)

// Capture is a Source backed by an OpenCV VideoCapture.
type Capture struct {
	vc   *gocv.VideoCapture
	desc Descriptor
}

// OpenFile opens a video file through OpenCV. It satisfies Opener.
func OpenFile(path string) (Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s: capture not opened", ErrOpen, path)
	}
	desc := Descriptor{
		Path:       path,
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if desc.FrameCount <= 0 || desc.Width <= 0 || desc.Height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("%w: %s: no decodable frames", ErrOpen, path)
	}
	return &Capture{vc: vc, desc: desc}, nil
}

// Descriptor returns the source metadata.
func (c *Capture) Descriptor() Descriptor { return c.desc }

// Seek moves the decoder to frame index.
func (c *Capture) Seek(index int) error {
	if index < 0 || index >= c.desc.FrameCount {
		return fmt.Errorf("%w: seek to %d outside [0,%d)", ErrFrameRead, index, c.desc.FrameCount)
	}
	c.vc.Set(gocv.VideoCapturePosFrames, float64(index))
	return nil
}

// Read decodes the next frame.
func (c *Capture) Read(dst *gocv.Mat) error {
	if ok := c.vc.Read(dst); !ok || dst.Empty() {
		pos := int(c.vc.Get(gocv.VideoCapturePosFrames))
		return fmt.Errorf("%w: %s at frame %d", ErrFrameRead, c.desc.Path, pos)
	}
	return nil
}

// Close releases the capture.
func (c *Capture) Close() error {
	return c.vc.Close()
}

// FileWriter wraps an OpenCV VideoWriter.
type FileWriter struct {
	vw *gocv.VideoWriter
}

// CreateFile opens an MJPG-encoded annotated output. It satisfies WriterFactory.
func CreateFile(path string, fps float64, width, height int) (Writer, error) {
	vw, err := gocv.VideoWriterFile(path, "MJPG", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("creating video writer %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("creating video writer %s: not opened", path)
	}
	return &FileWriter{vw: vw}, nil
}

// Write appends one frame.
func (w *FileWriter) Write(frame gocv.Mat) error {
	return w.vw.Write(frame)
}

// Close flushes and releases the writer.
func (w *FileWriter) Close() error {
	return w.vw.Close()
}
