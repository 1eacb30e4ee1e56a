package track

import (
	"image"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tailtrack/internal/landmark"
)

// eyeRegions holds the outer contours of a binarized frame.
type eyeRegions struct {
	contours [][]image.Point
}

func findEyeRegions(processed gocv.Mat, threshold float64, invert bool) eyeRegions {
	binary := gocv.NewMat()
	defer binary.Close()
	typ := gocv.ThresholdBinary
	if invert {
		typ = gocv.ThresholdBinaryInv
	}
	gocv.Threshold(processed, &binary, float32(threshold), 255, typ)

	found := gocv.FindContours(binary, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer found.Close()
	regions := eyeRegions{contours: make([][]image.Point, 0, found.Size())}
	for i := 0; i < found.Size(); i++ {
		regions.contours = append(regions.contours, found.At(i).ToPoints())
	}
	return regions
}

// refine replaces eye with the centroid of the region containing it and
// returns the region's major-axis orientation. Eyes outside every region
// are returned unchanged with a NaN angle.
func (r eyeRegions) refine(eye landmark.Point) (landmark.Point, float64) {
	pt := toPixel(eye)
	for _, c := range r.contours {
		if !contains(c, pt) {
			continue
		}
		centroid := polygonCentroid(c)
		if len(c) < 5 {
			return centroid, math.NaN()
		}
		return centroid, ellipseAngle(c)
	}
	return eye, math.NaN()
}

func contains(polygon []image.Point, pt image.Point) bool {
	pv := gocv.NewPointVectorFromPoints(polygon)
	defer pv.Close()
	return gocv.PointPolygonTest(pv, pt, false) >= 0
}

// ellipseAngle fits an ellipse and returns its major axis bearing in
// radians, in the same row/col convention as landmark.Bearing.
func ellipseAngle(points []image.Point) float64 {
	pv := gocv.NewPointVectorFromPoints(points)
	defer pv.Close()
	rect := gocv.FitEllipse(pv)
	deg := rect.Angle
	if rect.Height > rect.Width {
		deg += 90
	}
	return landmark.Wrap(deg * math.Pi / 180)
}

// polygonCentroid is the area centroid of a closed contour. Degenerate
// contours (zero area, e.g. a line of pixels) fall back to the vertex mean.
func polygonCentroid(points []image.Point) landmark.Point {
	var area, cx, cy float64
	for i := range points {
		p, q := points[i], points[(i+1)%len(points)]
		cross := float64(p.X*q.Y - q.X*p.Y)
		area += cross
		cx += float64(p.X+q.X) * cross
		cy += float64(p.Y+q.Y) * cross
	}
	if math.Abs(area) < 1e-9 {
		var sum r2.Vec
		for _, p := range points {
			sum = r2.Add(sum, r2.Vec{X: float64(p.X), Y: float64(p.Y)})
		}
		return landmark.FromVec(r2.Scale(1/float64(len(points)), sum))
	}
	area /= 2
	return landmark.Point{Row: cy / (6 * area), Col: cx / (6 * area)}
}

// pointOutward flips an eye angle by π when a probe half an inter-eye
// distance along it lands inside the bladder/eye triangle, i.e. the angle
// points into the head instead of away from it.
func pointOutward(bladder, first, second landmark.Point, firstAngle, secondAngle, interEye float64) (float64, float64) {
	tri := gocv.NewPointVectorFromPoints([]image.Point{toPixel(bladder), toPixel(first), toPixel(second)})
	defer tri.Close()
	flip := func(eye landmark.Point, angle float64) float64 {
		if math.IsNaN(angle) {
			return angle
		}
		probe := landmark.Offset(eye, interEye/2, angle)
		if gocv.PointPolygonTest(tri, toPixel(probe), false) > 0 {
			return landmark.Wrap(angle + math.Pi)
		}
		return angle
	}
	return flip(first, firstAngle), flip(second, secondAngle)
}

func toPixel(p landmark.Point) image.Point {
	return image.Pt(int(math.Round(p.Col)), int(math.Round(p.Row)))
}
