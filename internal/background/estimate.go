// Package background computes the static reference image subtracted from
// every frame before tracking.
package background

import (
	"context"
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/monitoring"
	"github.com/banshee-data/tailtrack/internal/video"
)

var logf = monitoring.Tagged("background")

// ProgressFunc receives (done, total) ticks. Extremum methods tick once per
// decoded frame; Mode ticks once per (tile, frame) pair.
type ProgressFunc func(done, total int)

// Estimate computes a single-channel 8-bit background for src. The caller
// owns src and the returned Mat. On any read failure no image is returned.
// Cancellation is checked between frames.
func Estimate(ctx context.Context, src video.Source, opts Options, progress ProgressFunc) (gocv.Mat, error) {
	if err := opts.Validate(); err != nil {
		return gocv.NewMat(), err
	}
	if progress == nil {
		progress = func(int, int) {}
	}
	desc := src.Descriptor()
	logf("estimating %s background for %s", opts.Variant(), desc)

	switch opts.Method {
	case Mode:
		return estimateMode(ctx, src, desc, opts, progress)
	default:
		return estimateExtremum(ctx, src, desc, opts, progress)
	}
}

// toGray converts a decoded frame into dst as single-channel 8-bit.
func toGray(frame gocv.Mat, dst *gocv.Mat) {
	if frame.Channels() == 1 {
		frame.CopyTo(dst)
		return
	}
	gocv.CvtColor(frame, dst, gocv.ColorBGRToGray)
}

func estimateExtremum(ctx context.Context, src video.Source, desc video.Descriptor, opts Options, progress ProgressFunc) (gocv.Mat, error) {
	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	if err := src.Seek(0); err != nil {
		return gocv.NewMat(), err
	}
	if err := src.Read(&frame); err != nil {
		return gocv.NewMat(), err
	}
	acc := gocv.NewMat()
	toGray(frame, &acc)
	progress(1, desc.FrameCount)

	stride := opts.FramesToSkip + 1
	for idx := 1; idx < desc.FrameCount; idx++ {
		if err := ctx.Err(); err != nil {
			acc.Close()
			return gocv.NewMat(), err
		}
		if err := src.Read(&frame); err != nil {
			acc.Close()
			return gocv.NewMat(), err
		}
		if idx%stride == 0 {
			toGray(frame, &gray)
			if opts.Method == Brightest {
				gocv.Max(acc, gray, &acc)
			} else {
				gocv.Min(acc, gray, &acc)
			}
		}
		progress(idx+1, desc.FrameCount)
	}
	return acc, nil
}

// estimateMode walks the image tile by tile, re-reading the whole video for
// each tile so that only one tile's statistics are in memory at a time.
func estimateMode(ctx context.Context, src video.Source, desc video.Descriptor, opts Options, progress ProgressFunc) (gocv.Mat, error) {
	w, h := desc.Width, desc.Height
	tiles := tileRects(w, h, opts.Chunk)
	total := len(tiles) * desc.FrameCount
	out := make([]uint8, w*h)

	frame := gocv.NewMat()
	defer frame.Close()
	gray := gocv.NewMat()
	defer gray.Close()

	stride := opts.FramesToSkip + 1
	done := 0
	for ti, tile := range tiles {
		if err := src.Seek(0); err != nil {
			return gocv.NewMat(), err
		}
		hist := newTileHistogram(tile.Dx(), tile.Dy())
		for idx := 0; idx < desc.FrameCount; idx++ {
			if err := ctx.Err(); err != nil {
				return gocv.NewMat(), err
			}
			if err := src.Read(&frame); err != nil {
				return gocv.NewMat(), err
			}
			if idx%stride == 0 {
				toGray(frame, &gray)
				if gray.Cols() != w || gray.Rows() != h {
					return gocv.NewMat(), fmt.Errorf("%w: frame %d is %dx%d, want %dx%d",
						video.ErrFrameRead, idx, gray.Cols(), gray.Rows(), w, h)
				}
				hist.add(gray.ToBytes(), w, tile)
			}
			done++
			progress(done, total)
		}
		hist.writeMode(out, w, tile)
		logf("tile %d/%d %v done", ti+1, len(tiles), tile)
	}

	bg, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, out)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("building background image: %w", err)
	}
	return bg, nil
}

// tileRects partitions a width x height image into chunk-sized rectangles,
// row-major, with the last row/column clipped to the image.
func tileRects(width, height int, chunk Chunk) []image.Rectangle {
	var rects []image.Rectangle
	for y := 0; y < height; y += chunk.Height {
		for x := 0; x < width; x += chunk.Width {
			rects = append(rects, image.Rect(x, y, min(x+chunk.Width, width), min(y+chunk.Height, height)))
		}
	}
	return rects
}

// tileHistogram holds a 256-bin intensity histogram per tile pixel, so
// memory is bounded by tile size rather than video length.
type tileHistogram struct {
	w, h   int
	counts []uint32
}

func newTileHistogram(w, h int) *tileHistogram {
	return &tileHistogram{w: w, h: h, counts: make([]uint32, w*h*256)}
}

func (t *tileHistogram) add(pix []uint8, stride int, tile image.Rectangle) {
	for y := 0; y < t.h; y++ {
		row := pix[(tile.Min.Y+y)*stride+tile.Min.X:]
		base := y * t.w * 256
		for x := 0; x < t.w; x++ {
			t.counts[base+x*256+int(row[x])]++
		}
	}
}

// writeMode stores each pixel's most frequent value; ties go to the lowest
// intensity.
func (t *tileHistogram) writeMode(out []uint8, stride int, tile image.Rectangle) {
	for y := 0; y < t.h; y++ {
		for x := 0; x < t.w; x++ {
			bins := t.counts[(y*t.w+x)*256 : (y*t.w+x+1)*256]
			best := 0
			for v := 1; v < 256; v++ {
				if bins[v] > bins[best] {
					best = v
				}
			}
			out[(tile.Min.Y+y)*stride+tile.Min.X+x] = uint8(best)
		}
	}
}
