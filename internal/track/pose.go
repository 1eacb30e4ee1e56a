package track

import (
	"math"

	"github.com/banshee-data/tailtrack/internal/landmark"
)

// Pose is the landmark set extracted from one frame. Any coordinate or angle
// may be NaN. Tail[0] is the swim bladder; Tail[1:] are the tail points.
type Pose struct {
	FirstEye       landmark.Point   `json:"first_eye" msgpack:"first_eye"`
	SecondEye      landmark.Point   `json:"second_eye" msgpack:"second_eye"`
	FirstEyeAngle  float64          `json:"first_eye_angle" msgpack:"first_eye_angle"`
	SecondEyeAngle float64          `json:"second_eye_angle" msgpack:"second_eye_angle"`
	Heading        landmark.Point   `json:"heading" msgpack:"heading"`
	HeadingAngle   float64          `json:"heading_angle" msgpack:"heading_angle"`
	BodyCenter     landmark.Point   `json:"body_center" msgpack:"body_center"`
	Tail           []landmark.Point `json:"tail" msgpack:"tail"`
}

// NaNPose returns the record emitted for an untracked frame.
func NaNPose(tailPoints int) Pose {
	tail := make([]landmark.Point, tailPoints+1)
	for i := range tail {
		tail[i] = landmark.NaNPoint()
	}
	return Pose{
		FirstEye:       landmark.NaNPoint(),
		SecondEye:      landmark.NaNPoint(),
		FirstEyeAngle:  math.NaN(),
		SecondEyeAngle: math.NaN(),
		Heading:        landmark.NaNPoint(),
		HeadingAngle:   math.NaN(),
		BodyCenter:     landmark.NaNPoint(),
		Tail:           tail,
	}
}

// Clone returns a deep copy.
func (p Pose) Clone() Pose {
	c := p
	c.Tail = append([]landmark.Point(nil), p.Tail...)
	return c
}

// Located reports whether the eyes were found.
func (p Pose) Located() bool {
	return !p.FirstEye.IsNaN() && !p.SecondEye.IsNaN()
}

// FrameState says how a pose was produced.
type FrameState int

const (
	// Tracked poses came from a fresh geometry search.
	Tracked FrameState = iota
	// Cached poses repeat the previous frame because nothing moved.
	Cached
	// Untracked frames failed the intensity gate.
	Untracked
	// Failed frames passed the gate but the geometry search did not complete.
	Failed
)

func (s FrameState) String() string {
	switch s {
	case Tracked:
		return "tracked"
	case Cached:
		return "cached"
	case Untracked:
		return "untracked"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Stats counts frame outcomes for one tracker.
type Stats struct {
	Tracked   int `json:"tracked"`
	Cached    int `json:"cached"`
	Untracked int `json:"untracked"`
	Failed    int `json:"failed"`
}

// Total is the number of frames processed.
func (s Stats) Total() int {
	return s.Tracked + s.Cached + s.Untracked + s.Failed
}

func (s *Stats) add(state FrameState) {
	switch state {
	case Tracked:
		s.Tracked++
	case Cached:
		s.Cached++
	case Untracked:
		s.Untracked++
	case Failed:
		s.Failed++
	}
}
