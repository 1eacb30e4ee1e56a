// Package landmark implements the arc search used to locate the second eye,
// the swim bladder and every tail point: sample an arc around an anchor and
// return the brightest pixel on it.
package landmark

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

var (
	// ErrNoCandidate means every sampled point fell outside the image.
	ErrNoCandidate = errors.New("no arc sample inside the image")
	// ErrInvalidSearch rejects non-finite or non-positive search geometry.
	ErrInvalidSearch = errors.New("invalid arc search")
)

// TieBreak selects among equally bright arc samples.
type TieBreak int

const (
	// Nearest keeps the sample closest to the anchor. Used for the
	// full-circle eye and swim bladder searches.
	Nearest TieBreak = iota
	// AngleClosest keeps the sample whose bearing from the anchor is closest
	// to the search centre. Used for every tail step.
	AngleClosest
)

func (t TieBreak) String() string {
	switch t {
	case Nearest:
		return "nearest"
	case AngleClosest:
		return "angle_closest"
	default:
		return fmt.Sprintf("TieBreak(%d)", int(t))
	}
}

// Point is an image coordinate in (row, col) order. Either component may be
// NaN for an untracked landmark.
type Point struct {
	Row float64 `json:"row" msgpack:"row"`
	Col float64 `json:"col" msgpack:"col"`
}

// NaNPoint is the untracked coordinate.
func NaNPoint() Point {
	return Point{Row: math.NaN(), Col: math.NaN()}
}

// IsNaN reports whether either component is NaN.
func (p Point) IsNaN() bool {
	return math.IsNaN(p.Row) || math.IsNaN(p.Col)
}

// Vec converts to a gonum vector with X=col, Y=row.
func (p Point) Vec() r2.Vec {
	return r2.Vec{X: p.Col, Y: p.Row}
}

// FromVec is the inverse of Point.Vec.
func FromVec(v r2.Vec) Point {
	return Point{Row: v.Y, Col: v.X}
}

// Bearing is the angle of the vector from p to q, atan2(Δrow, Δcol).
func Bearing(p, q Point) float64 {
	return math.Atan2(q.Row-p.Row, q.Col-p.Col)
}

// Offset returns p moved by dist along angle theta.
func Offset(p Point, dist, theta float64) Point {
	return FromVec(r2.Add(p.Vec(), r2.Scale(dist, r2.Vec{X: math.Cos(theta), Y: math.Sin(theta)})))
}

// Image is the read-only pixel access the search needs. *Raster implements
// it; so does *gocv.Mat for single-channel 8-bit images.
type Image interface {
	Rows() int
	Cols() int
	GetUCharAt(row, col int) uint8
}

// Raster is a row-major 8-bit single-channel image.
type Raster struct {
	Height, Width int
	Pix           []uint8
}

// NewRaster allocates a zeroed raster.
func NewRaster(width, height int) *Raster {
	return &Raster{Height: height, Width: width, Pix: make([]uint8, width*height)}
}

// Rows returns the image height.
func (r *Raster) Rows() int { return r.Height }

// Cols returns the image width.
func (r *Raster) Cols() int { return r.Width }

// GetUCharAt returns the intensity at (row, col).
func (r *Raster) GetUCharAt(row, col int) uint8 { return r.Pix[row*r.Width+col] }

// Set writes the intensity at (row, col).
func (r *Raster) Set(row, col int, v uint8) { r.Pix[row*r.Width+col] = v }

// Search describes one arc search.
type Search struct {
	Anchor      Point
	Radius      float64
	CenterAngle float64
	HalfRange   float64
	// Samples is the number of angles taken uniformly over
	// [CenterAngle-HalfRange, CenterAngle+HalfRange], both ends included.
	// Zero selects DefaultSampleCount.
	Samples  int
	TieBreak TieBreak
}

// FullCircle builds the Nearest search used for eyes and swim bladder.
func FullCircle(anchor Point, radius float64) Search {
	return Search{Anchor: anchor, Radius: radius, CenterAngle: 0, HalfRange: math.Pi, TieBreak: Nearest}
}

// DefaultSampleCount takes two samples per pixel of arc length so that no
// pixel on the arc is skipped, with a floor of 16.
func DefaultSampleCount(radius, halfRange float64) int {
	n := int(math.Ceil(4 * halfRange * radius))
	if n < 16 {
		return 16
	}
	return n
}

type candidate struct {
	row, col int
	value    uint8
}

// Find runs the search over img.
//
// Sampled points are rounded to the nearest pixel and consecutive duplicates
// collapsed. Points outside the image are skipped. Among the samples of
// maximal intensity the tie-break picks one; any remaining tie goes to the
// first in sampling order.
func Find(img Image, s Search) (Point, error) {
	if s.Anchor.IsNaN() || !(s.Radius > 0) || math.IsInf(s.Radius, 0) ||
		math.IsNaN(s.CenterAngle) || math.IsNaN(s.HalfRange) || s.HalfRange < 0 {
		return NaNPoint(), fmt.Errorf("%w: anchor=%v radius=%v center=%v half=%v",
			ErrInvalidSearch, s.Anchor, s.Radius, s.CenterAngle, s.HalfRange)
	}
	n := s.Samples
	if n <= 0 {
		n = DefaultSampleCount(s.Radius, s.HalfRange)
	}

	rows, cols := img.Rows(), img.Cols()
	lo := s.CenterAngle - s.HalfRange
	step := 0.0
	if n > 1 {
		step = 2 * s.HalfRange / float64(n-1)
	} else {
		lo = s.CenterAngle
	}

	cands := make([]candidate, 0, n)
	lastRow, lastCol, have := 0, 0, false
	for i := 0; i < n; i++ {
		theta := lo + step*float64(i)
		r := int(math.Round(s.Anchor.Row + s.Radius*math.Sin(theta)))
		c := int(math.Round(s.Anchor.Col + s.Radius*math.Cos(theta)))
		if have && r == lastRow && c == lastCol {
			continue
		}
		lastRow, lastCol, have = r, c, true
		if r < 0 || r >= rows || c < 0 || c >= cols {
			continue
		}
		cands = append(cands, candidate{row: r, col: c, value: img.GetUCharAt(r, c)})
	}
	if len(cands) == 0 {
		return NaNPoint(), ErrNoCandidate
	}

	var peak uint8
	for _, c := range cands {
		if c.value > peak {
			peak = c.value
		}
	}
	best := cands[:0:0]
	for _, c := range cands {
		if c.value == peak {
			best = append(best, c)
		}
	}
	if len(best) == 1 {
		return Point{Row: float64(best[0].row), Col: float64(best[0].col)}, nil
	}

	pick := 0
	bestScore := math.Inf(1)
	for i, c := range best {
		p := Point{Row: float64(c.row), Col: float64(c.col)}
		var score float64
		switch s.TieBreak {
		case AngleClosest:
			score = math.Abs(AngleDiff(Bearing(s.Anchor, p), s.CenterAngle))
		default:
			score = r2.Norm(r2.Sub(p.Vec(), s.Anchor.Vec()))
		}
		if score < bestScore {
			bestScore = score
			pick = i
		}
	}
	return Point{Row: float64(best[pick].row), Col: float64(best[pick].col)}, nil
}

// AngleDiff returns a-b wrapped into (-π, π].
func AngleDiff(a, b float64) float64 {
	return Wrap(a - b)
}

// Wrap maps an angle into (-π, π].
func Wrap(theta float64) float64 {
	w := math.Mod(theta+math.Pi, 2*math.Pi)
	if w <= 0 {
		w += 2 * math.Pi
	}
	return w - math.Pi
}
