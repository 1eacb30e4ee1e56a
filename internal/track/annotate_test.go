package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/landmark"
	"github.com/banshee-data/tailtrack/internal/video"
)

func nonZero(t *testing.T, frame gocv.Mat) int {
	t.Helper()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)
	return gocv.CountNonZero(gray)
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#ff8000")
	require.NoError(t, err)
	assert.Equal(t, Color{R: 255, G: 128, B: 0}, c)
	assert.Equal(t, "#ff8000", c.Hex())

	_, err = ParseColor("red")
	assert.ErrorIs(t, err, ErrInvalidParameter)
	_, err = ParseColor("#gggggg")
	assert.ErrorIs(t, err, ErrInvalidParameter)
}

func TestAnnotatorDrawsLandmarks(t *testing.T) {
	p := DefaultParams()
	p.TailPoints = 2
	a := NewAnnotator(p, DefaultColors())

	pose := Pose{
		FirstEye:       landmark.Point{Row: 20, Col: 18},
		SecondEye:      landmark.Point{Row: 20, Col: 22},
		FirstEyeAngle:  0,
		SecondEyeAngle: 0,
		Heading:        landmark.Point{Row: 20, Col: 20},
		HeadingAngle:   -1.5,
		BodyCenter:     landmark.Point{Row: 24, Col: 20},
		Tail:           []landmark.Point{{Row: 32, Col: 20}, {Row: 37, Col: 20}, {Row: 42, Col: 20}},
	}
	frame := video.SyntheticFrame(64, 64, 0)
	defer frame.Close()
	a.Draw(&frame, pose)
	assert.Greater(t, nonZero(t, frame), 10)

	blank := video.SyntheticFrame(64, 64, 0)
	defer blank.Close()
	a.Draw(&blank, NaNPose(2))
	assert.Zero(t, nonZero(t, blank))
}
