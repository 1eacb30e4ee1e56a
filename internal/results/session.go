// Package results encodes the per-video pose time series and its run
// metadata into a single MessagePack artifact.
package results

import (
	"time"

	"github.com/banshee-data/tailtrack/internal/landmark"
	"github.com/banshee-data/tailtrack/internal/track"
	"github.com/banshee-data/tailtrack/internal/version"
	"github.com/banshee-data/tailtrack/internal/video"
)

const (
	// Format identifies tailtrack session files.
	Format = "tailtrack-session"
	// Version is bumped on incompatible layout changes.
	Version = 1
)

// Session is everything recorded for one tracked video.
type Session struct {
	Format     string            `msgpack:"format"`
	Version    int               `msgpack:"version"`
	JobID      string            `msgpack:"job_id"`
	Tool       string            `msgpack:"tool"`
	CreatedAt  time.Time         `msgpack:"created_at"`
	Video      video.Descriptor  `msgpack:"video"`
	StartFrame int               `msgpack:"start_frame"`
	Params     track.Params      `msgpack:"params"`
	Colors     *track.DrawColors `msgpack:"colors,omitempty"`
	Series     Series            `msgpack:"series"`
	Summary    Summary           `msgpack:"summary"`
}

// NewSession assembles a session and computes its summary. Colors are only
// recorded when an annotated video was produced.
func NewSession(jobID string, desc video.Descriptor, start int, params track.Params,
	colors *track.DrawColors, series Series, now time.Time) *Session {
	return &Session{
		Format:     Format,
		Version:    Version,
		JobID:      jobID,
		Tool:       version.String(),
		CreatedAt:  now.UTC(),
		Video:      desc,
		StartFrame: start,
		Params:     params,
		Colors:     colors,
		Series:     series,
		Summary:    Summarize(series),
	}
}

// Series stores poses column by column so downstream tools can load one
// signal without walking records. Index i is frame StartFrame+i.
type Series struct {
	States         []track.FrameState `msgpack:"states"`
	FirstEyeRow    []float64          `msgpack:"first_eye_row"`
	FirstEyeCol    []float64          `msgpack:"first_eye_col"`
	SecondEyeRow   []float64          `msgpack:"second_eye_row"`
	SecondEyeCol   []float64          `msgpack:"second_eye_col"`
	FirstEyeAngle  []float64          `msgpack:"first_eye_angle"`
	SecondEyeAngle []float64          `msgpack:"second_eye_angle"`
	HeadingRow     []float64          `msgpack:"heading_row"`
	HeadingCol     []float64          `msgpack:"heading_col"`
	HeadingAngle   []float64          `msgpack:"heading_angle"`
	BodyCenterRow  []float64          `msgpack:"body_center_row"`
	BodyCenterCol  []float64          `msgpack:"body_center_col"`
	TailRows       [][]float64        `msgpack:"tail_rows"`
	TailCols       [][]float64        `msgpack:"tail_cols"`
}

// Len is the number of frames recorded.
func (s *Series) Len() int { return len(s.States) }

// Append adds one frame.
func (s *Series) Append(p track.Pose, state track.FrameState) {
	s.States = append(s.States, state)
	s.FirstEyeRow = append(s.FirstEyeRow, p.FirstEye.Row)
	s.FirstEyeCol = append(s.FirstEyeCol, p.FirstEye.Col)
	s.SecondEyeRow = append(s.SecondEyeRow, p.SecondEye.Row)
	s.SecondEyeCol = append(s.SecondEyeCol, p.SecondEye.Col)
	s.FirstEyeAngle = append(s.FirstEyeAngle, p.FirstEyeAngle)
	s.SecondEyeAngle = append(s.SecondEyeAngle, p.SecondEyeAngle)
	s.HeadingRow = append(s.HeadingRow, p.Heading.Row)
	s.HeadingCol = append(s.HeadingCol, p.Heading.Col)
	s.HeadingAngle = append(s.HeadingAngle, p.HeadingAngle)
	s.BodyCenterRow = append(s.BodyCenterRow, p.BodyCenter.Row)
	s.BodyCenterCol = append(s.BodyCenterCol, p.BodyCenter.Col)
	rows := make([]float64, len(p.Tail))
	cols := make([]float64, len(p.Tail))
	for i, q := range p.Tail {
		rows[i], cols[i] = q.Row, q.Col
	}
	s.TailRows = append(s.TailRows, rows)
	s.TailCols = append(s.TailCols, cols)
}

// FromPoses builds a series from parallel pose and state slices.
func FromPoses(poses []track.Pose, states []track.FrameState) Series {
	var s Series
	for i, p := range poses {
		s.Append(p, states[i])
	}
	return s
}

// Pose rebuilds frame i.
func (s *Series) Pose(i int) track.Pose {
	tail := make([]landmark.Point, len(s.TailRows[i]))
	for j := range tail {
		tail[j] = landmark.Point{Row: s.TailRows[i][j], Col: s.TailCols[i][j]}
	}
	return track.Pose{
		FirstEye:       landmark.Point{Row: s.FirstEyeRow[i], Col: s.FirstEyeCol[i]},
		SecondEye:      landmark.Point{Row: s.SecondEyeRow[i], Col: s.SecondEyeCol[i]},
		FirstEyeAngle:  s.FirstEyeAngle[i],
		SecondEyeAngle: s.SecondEyeAngle[i],
		Heading:        landmark.Point{Row: s.HeadingRow[i], Col: s.HeadingCol[i]},
		HeadingAngle:   s.HeadingAngle[i],
		BodyCenter:     landmark.Point{Row: s.BodyCenterRow[i], Col: s.BodyCenterCol[i]},
		Tail:           tail,
	}
}

// Poses rebuilds every frame.
func (s *Series) Poses() []track.Pose {
	out := make([]track.Pose, s.Len())
	for i := range out {
		out[i] = s.Pose(i)
	}
	return out
}

// consistent reports whether every column has the same length.
func (s *Series) consistent() bool {
	n := len(s.States)
	for _, col := range [][]float64{
		s.FirstEyeRow, s.FirstEyeCol, s.SecondEyeRow, s.SecondEyeCol,
		s.FirstEyeAngle, s.SecondEyeAngle, s.HeadingRow, s.HeadingCol,
		s.HeadingAngle, s.BodyCenterRow, s.BodyCenterCol,
	} {
		if len(col) != n {
			return false
		}
	}
	if len(s.TailRows) != n || len(s.TailCols) != n {
		return false
	}
	for i := range s.TailRows {
		if len(s.TailRows[i]) != len(s.TailCols[i]) {
			return false
		}
	}
	return true
}
