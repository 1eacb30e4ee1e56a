package background

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/video"
)

// Save writes bg as an image file; the format follows the extension.
func Save(path string, bg gocv.Mat) error {
	if bg.Empty() {
		return fmt.Errorf("saving background %s: empty image", path)
	}
	if ok := gocv.IMWrite(path, bg); !ok {
		return fmt.Errorf("saving background %s: encoder failed", path)
	}
	logf("saved background %s (%dx%d)", path, bg.Cols(), bg.Rows())
	return nil
}

// Load reads a background image as single channel and checks that it
// matches the video geometry.
func Load(path string, desc video.Descriptor) (gocv.Mat, error) {
	bg := gocv.IMRead(path, gocv.IMReadGrayScale)
	if bg.Empty() {
		bg.Close()
		return gocv.NewMat(), fmt.Errorf("%w: background %s could not be read", ErrInvalidParameter, path)
	}
	if err := CheckSize(bg, desc); err != nil {
		bg.Close()
		return gocv.NewMat(), err
	}
	return bg, nil
}

// CheckSize verifies that bg is single channel and sized like the video.
func CheckSize(bg gocv.Mat, desc video.Descriptor) error {
	if bg.Channels() != 1 {
		return fmt.Errorf("%w: background has %d channels, want 1", ErrInvalidParameter, bg.Channels())
	}
	if bg.Cols() != desc.Width || bg.Rows() != desc.Height {
		return fmt.Errorf("%w: background is %dx%d, video is %dx%d",
			ErrInvalidParameter, bg.Cols(), bg.Rows(), desc.Width, desc.Height)
	}
	return nil
}

// FromBytes rebuilds a background from raw row-major pixels, e.g. from the
// run registry cache.
func FromBytes(width, height int, pix []byte) (gocv.Mat, error) {
	if len(pix) != width*height {
		return gocv.NewMat(), fmt.Errorf("%w: %d bytes for %dx%d background", ErrInvalidParameter, len(pix), width, height)
	}
	return gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, pix)
}
