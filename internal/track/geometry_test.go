package track

import (
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/tailtrack/internal/landmark"
)

func TestPolygonCentroid(t *testing.T) {
	square := []image.Point{{0, 0}, {4, 0}, {4, 4}, {0, 4}}
	c := polygonCentroid(square)
	assert.InDelta(t, 2, c.Row, 1e-9)
	assert.InDelta(t, 2, c.Col, 1e-9)

	// Orientation does not matter.
	rev := []image.Point{{0, 4}, {4, 4}, {4, 0}, {0, 0}}
	c = polygonCentroid(rev)
	assert.InDelta(t, 2, c.Row, 1e-9)

	line := []image.Point{{0, 3}, {2, 3}, {4, 3}}
	c = polygonCentroid(line)
	assert.InDelta(t, 3, c.Row, 1e-9)
	assert.InDelta(t, 2, c.Col, 1e-9)
}

func TestPointOutward(t *testing.T) {
	bladder := landmark.Point{Row: 60, Col: 50}
	first := landmark.Point{Row: 50, Col: 45}
	second := landmark.Point{Row: 50, Col: 55}

	inward := math.Pi / 4
	outward := -math.Pi / 2
	a1, a2 := pointOutward(bladder, first, second, inward, outward, 10)
	assert.InDelta(t, -3*math.Pi/4, a1, 1e-9)
	assert.InDelta(t, outward, a2, 1e-9)

	a1, a2 = pointOutward(bladder, first, second, math.NaN(), outward, 10)
	assert.True(t, math.IsNaN(a1))
	assert.InDelta(t, outward, a2, 1e-9)
}

func TestToPixel(t *testing.T) {
	assert.Equal(t, image.Pt(3, 7), toPixel(landmark.Point{Row: 6.6, Col: 2.5}))
}
