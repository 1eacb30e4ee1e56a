package video

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Disk describes a filled circle painted into synthetic frames.
type Disk struct {
	Row, Col int
	Radius   int
	Value    uint8
}

// SyntheticFrame builds a BGR frame of uniform intensity with optional disks.
func SyntheticFrame(width, height int, background uint8, disks ...Disk) gocv.Mat {
	bg := float64(background)
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(bg, bg, bg, 0), height, width, gocv.MatTypeCV8UC3)
	for _, d := range disks {
		c := color.RGBA{R: d.Value, G: d.Value, B: d.Value, A: 0}
		gocv.Circle(&frame, image.Pt(d.Col, d.Row), d.Radius, c, -1)
	}
	return frame
}

// SyntheticSource builds an n-frame MemorySource where every frame is
// produced by frameAt.
func SyntheticSource(path string, n int, fps float64, frameAt func(i int) gocv.Mat) *MemorySource {
	frames := make([]gocv.Mat, n)
	for i := range frames {
		frames[i] = frameAt(i)
	}
	return NewMemorySource(path, fps, frames)
}

// GrayImage builds a single-channel image of uniform intensity.
func GrayImage(width, height int, value uint8) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(value), 0, 0, 0), height, width, gocv.MatTypeCV8U)
}
