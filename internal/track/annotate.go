package track

import (
	"fmt"
	"image/color"
	"math"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/landmark"
)

// Color is an 8-bit RGB triple.
type Color struct {
	R uint8 `json:"r" msgpack:"r"`
	G uint8 `json:"g" msgpack:"g"`
	B uint8 `json:"b" msgpack:"b"`
}

// RGBA converts to the drawing color type.
func (c Color) RGBA() color.RGBA {
	return color.RGBA{R: c.R, G: c.G, B: c.B, A: 255}
}

// Hex renders the color as "#rrggbb".
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// ParseColor accepts "#rrggbb" or "rrggbb".
func ParseColor(s string) (Color, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) != 6 {
		return Color{}, fmt.Errorf("%w: color %q must be #rrggbb", ErrInvalidParameter, s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return Color{}, fmt.Errorf("%w: color %q: %v", ErrInvalidParameter, s, err)
	}
	return Color{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v)}, nil
}

// DrawColors are the overlay colors used for annotated video.
type DrawColors struct {
	FirstEye  Color `json:"first_eye" msgpack:"first_eye"`
	SecondEye Color `json:"second_eye" msgpack:"second_eye"`
	Tail      Color `json:"tail" msgpack:"tail"`
	Heading   Color `json:"heading" msgpack:"heading"`
}

// DefaultColors are used when a job does not configure any.
func DefaultColors() DrawColors {
	return DrawColors{
		FirstEye:  Color{R: 255, G: 64, B: 64},
		SecondEye: Color{R: 64, G: 160, B: 255},
		Tail:      Color{R: 64, G: 255, B: 96},
		Heading:   Color{R: 255, G: 220, B: 0},
	}
}

// Annotator overlays poses on color frames.
type Annotator struct {
	params Params
	colors DrawColors
}

// NewAnnotator uses params only for its line lengths.
func NewAnnotator(params Params, colors DrawColors) *Annotator {
	return &Annotator{params: params, colors: colors}
}

// Draw paints pose onto frame in place. NaN landmarks are skipped, so an
// untracked frame passes through unchanged.
func (a *Annotator) Draw(frame *gocv.Mat, pose Pose) {
	a.eye(frame, pose.FirstEye, pose.FirstEyeAngle, a.colors.FirstEye.RGBA())
	a.eye(frame, pose.SecondEye, pose.SecondEyeAngle, a.colors.SecondEye.RGBA())

	tail := a.colors.Tail.RGBA()
	for _, p := range pose.Tail {
		if !p.IsNaN() {
			gocv.Circle(frame, toPixel(p), 1, tail, -1)
		}
	}

	if !pose.BodyCenter.IsNaN() && !math.IsNaN(pose.HeadingAngle) && a.params.HeadingLineLength > 0 {
		tip := landmark.Offset(pose.BodyCenter, a.params.HeadingLineLength, pose.HeadingAngle)
		gocv.ArrowedLine(frame, toPixel(pose.BodyCenter), toPixel(tip), a.colors.Heading.RGBA(), 1)
	}
}

func (a *Annotator) eye(frame *gocv.Mat, eye landmark.Point, angle float64, c color.RGBA) {
	if eye.IsNaN() {
		return
	}
	center := toPixel(eye)
	gocv.Circle(frame, center, 1, c, -1)
	if math.IsNaN(angle) || a.params.EyeLineLength <= 0 {
		return
	}
	half := a.params.EyeLineLength / 2
	from := landmark.Offset(eye, half, angle+math.Pi)
	to := landmark.Offset(eye, half, angle)
	gocv.Line(frame, toPixel(from), toPixel(to), c, 1)
}
