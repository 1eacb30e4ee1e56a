package track

import (
	"errors"
	"fmt"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/banshee-data/tailtrack/internal/landmark"
	"github.com/banshee-data/tailtrack/internal/monitoring"
)

// ErrGeometry marks a frame whose landmark search could not complete. It is
// recovered inside Process and never returned to callers.
var ErrGeometry = errors.New("geometry computation failed")

var logf = monitoring.Tagged("tracker")

// Tracker runs the per-frame state machine over a sequence of frames from
// one video. It keeps the previous processed frame for the change gate and
// the previous eye-pair angle for eye identity correction. Not safe for
// concurrent use.
type Tracker struct {
	params     Params
	background gocv.Mat

	gray      gocv.Mat
	diff      gocv.Mat
	processed gocv.Mat
	previous  gocv.Mat
	delta     gocv.Mat
	mask      gocv.Mat

	hasPrevious   bool
	previousPose  Pose
	prevPairAngle float64

	stats    Stats
	failures *monitoring.OnceLogger
}

// NewTracker validates params and prepares the working buffers. The
// background must be single channel and is required in FreeSwimming mode.
// The caller keeps ownership of background and must keep it alive until
// Close.
func NewTracker(params Params, background gocv.Mat) (*Tracker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.NeedsBackground() {
		if background.Empty() {
			return nil, fmt.Errorf("%w: %s mode needs a background", ErrInvalidParameter, params.Mode)
		}
		if background.Channels() != 1 {
			return nil, fmt.Errorf("%w: background has %d channels, want 1", ErrInvalidParameter, background.Channels())
		}
	}
	return &Tracker{
		params:        params,
		background:    background,
		gray:          gocv.NewMat(),
		diff:          gocv.NewMat(),
		processed:     gocv.NewMat(),
		previous:      gocv.NewMat(),
		delta:         gocv.NewMat(),
		mask:          gocv.NewMat(),
		prevPairAngle: math.NaN(),
		failures:      monitoring.NewOnceLogger(logf),
	}, nil
}

// Close releases the working buffers. The background is not touched.
func (t *Tracker) Close() error {
	for _, m := range []*gocv.Mat{&t.gray, &t.diff, &t.processed, &t.previous, &t.delta, &t.mask} {
		m.Close()
	}
	return nil
}

// Stats returns the outcome counts so far.
func (t *Tracker) Stats() Stats { return t.stats }

// SuppressedFailures is the number of geometry failures not logged.
func (t *Tracker) SuppressedFailures() int64 { return t.failures.Suppressed() }

// Process runs one frame through the gate, the change check and, when
// needed, the landmark search. Geometry failures yield an all-NaN pose with
// state Failed; the returned error is reserved for frames that cannot be
// processed at all (empty, or sized differently from the background).
func (t *Tracker) Process(frame gocv.Mat) (Pose, FrameState, error) {
	if frame.Empty() {
		return NaNPose(t.params.TailPoints), Failed, fmt.Errorf("empty frame")
	}
	if frame.Channels() == 1 {
		frame.CopyTo(&t.gray)
	} else {
		gocv.CvtColor(frame, &t.gray, gocv.ColorBGRToGray)
	}

	var pass bool
	switch t.params.Mode {
	case HeadFixed:
		minVal, _, _, _ := gocv.MinMaxLoc(t.gray)
		pass = float64(minVal) < t.params.PixelThreshold
		gocv.MedianBlur(t.gray, &t.processed, t.params.MedianBlur)
	default:
		if t.gray.Cols() != t.background.Cols() || t.gray.Rows() != t.background.Rows() {
			return NaNPose(t.params.TailPoints), Failed, fmt.Errorf("frame is %dx%d but background is %dx%d",
				t.gray.Cols(), t.gray.Rows(), t.background.Cols(), t.background.Rows())
		}
		gocv.AbsDiff(t.gray, t.background, &t.diff)
		gocv.MedianBlur(t.diff, &t.processed, t.params.MedianBlur)
		_, maxVal, _, _ := gocv.MinMaxLoc(t.processed)
		pass = float64(maxVal) > t.params.PixelThreshold
	}
	if t.params.InitialPixelSearch == Darkest {
		gocv.BitwiseNot(t.processed, &t.processed)
	}

	state := t.step(pass)
	t.stats.add(state)
	return t.previousOr(state), state, nil
}

func (t *Tracker) step(pass bool) FrameState {
	if !pass {
		t.hasPrevious = false
		t.prevPairAngle = math.NaN()
		return Untracked
	}
	if t.hasPrevious && t.unchanged() {
		return Cached
	}

	pose, pairAngle, err := t.search()
	t.processed.CopyTo(&t.previous)
	t.hasPrevious = true
	if err != nil {
		t.failures.Logf("geometry failed: %v", err)
		t.previousPose = NaNPose(t.params.TailPoints)
		t.prevPairAngle = math.NaN()
		return Failed
	}
	t.previousPose = pose
	t.prevPairAngle = pairAngle
	return Tracked
}

func (t *Tracker) previousOr(state FrameState) Pose {
	if state == Untracked {
		return NaNPose(t.params.TailPoints)
	}
	return t.previousPose.Clone()
}

// unchanged reports whether no pixel moved by FrameChangeThreshold or more
// since the previous processed frame.
func (t *Tracker) unchanged() bool {
	if t.previous.Cols() != t.processed.Cols() || t.previous.Rows() != t.processed.Rows() {
		return false
	}
	limit := math.Ceil(t.params.FrameChangeThreshold)
	if limit <= 0 {
		return false
	}
	gocv.AbsDiff(t.processed, t.previous, &t.delta)
	gocv.Threshold(t.delta, &t.mask, float32(limit-1), 255, gocv.ThresholdBinary)
	return gocv.CountNonZero(t.mask) == 0
}

// search wraps locate so that any failure inside the geometry, including a
// panic from the image layer, is reported as ErrGeometry.
func (t *Tracker) search() (pose Pose, pairAngle float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrGeometry, r)
		}
	}()
	pose, pairAngle, err = t.locate()
	if err != nil && !errors.Is(err, ErrGeometry) {
		err = fmt.Errorf("%w: %w", ErrGeometry, err)
	}
	return pose, pairAngle, err
}

func (t *Tracker) locate() (Pose, float64, error) {
	p := t.params
	img := &t.processed
	pose := NaNPose(p.TailPoints)

	_, _, _, maxLoc := gocv.MinMaxLoc(t.processed)
	first := landmark.Point{Row: float64(maxLoc.Y), Col: float64(maxLoc.X)}
	second, err := landmark.Find(img, landmark.FullCircle(first, p.InterEyeDistance))
	if err != nil {
		return pose, math.NaN(), fmt.Errorf("second eye: %w", err)
	}

	pairAngle := math.NaN()
	firstAngle, secondAngle := math.NaN(), math.NaN()
	if p.ExtendedEyes {
		pairAngle = landmark.Bearing(first, second)
		if flipped(pairAngle, t.prevPairAngle) {
			first, second = second, first
			pairAngle = landmark.Bearing(first, second)
		}
		eyes := findEyeRegions(t.processed, p.EyesThreshold, p.InvertThreshold)
		first, firstAngle = eyes.refine(first)
		second, secondAngle = eyes.refine(second)
	}

	heading := landmark.FromVec(r2.Scale(0.5, r2.Add(first.Vec(), second.Vec())))
	bladder, err := landmark.Find(img, landmark.FullCircle(heading, p.EyeToSwimBladderDistance))
	if err != nil {
		return pose, math.NaN(), fmt.Errorf("swim bladder: %w", err)
	}
	body := landmark.FromVec(r2.Scale(1.0/3, r2.Add(r2.Add(first.Vec(), second.Vec()), bladder.Vec())))
	headingAngle := landmark.Bearing(body, heading)

	if p.ExtendedEyes {
		firstAngle, secondAngle = pointOutward(bladder, first, second, firstAngle, secondAngle, p.InterEyeDistance)
	}

	tail := make([]landmark.Point, p.TailPoints+1)
	tail[0] = bladder
	for i := 1; i <= p.TailPoints; i++ {
		angle := landmark.Wrap(headingAngle + math.Pi)
		if i > 1 {
			angle = landmark.Bearing(tail[i-2], tail[i-1])
		}
		tail[i], err = landmark.Find(img, landmark.Search{
			Anchor:      tail[i-1],
			Radius:      p.TailPointDistance,
			CenterAngle: angle,
			HalfRange:   p.TailSearchHalfRange,
			TieBreak:    landmark.AngleClosest,
		})
		if err != nil {
			return pose, math.NaN(), fmt.Errorf("tail point %d: %w", i, err)
		}
	}

	return Pose{
		FirstEye:       first,
		SecondEye:      second,
		FirstEyeAngle:  firstAngle,
		SecondEyeAngle: secondAngle,
		Heading:        heading,
		HeadingAngle:   headingAngle,
		BodyCenter:     body,
		Tail:           tail,
	}, pairAngle, nil
}

// flipped reports whether the eye pair turned by more than a quarter turn
// but less than three quarters since the previous frame, which means the
// first/second assignment swapped.
func flipped(angle, previous float64) bool {
	if math.IsNaN(previous) {
		return false
	}
	d := math.Abs(angle - previous)
	return d > math.Pi/2 && d < 3*math.Pi/2
}
