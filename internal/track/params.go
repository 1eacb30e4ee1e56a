// Package track turns decoded video frames into pose records: eye
// positions and angles, heading, body center and an ordered tail chain.
package track

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter rejects tracking parameters before any frame is read.
var ErrInvalidParameter = errors.New("invalid tracking parameter")

// Mode selects how the subject is isolated from the scene.
type Mode string

const (
	// FreeSwimming subtracts the background and expects a bright residue.
	FreeSwimming Mode = "free_swimming"
	// HeadFixed expects a subject darker than the scene and skips subtraction.
	HeadFixed Mode = "head_fixed"
)

// Polarity selects whether the first eye is the brightest or darkest pixel.
type Polarity string

const (
	Brightest Polarity = "brightest"
	Darkest   Polarity = "darkest"
)

const (
	// AllFrames asks for every frame from StartingFrame to the end.
	AllFrames = -1
	// MaxTailPoints bounds the tail chain length.
	MaxTailPoints = 15
)

// Params is the immutable per-video tracking configuration. Distances are in
// pixels, angles in radians, thresholds in 8-bit intensity units.
type Params struct {
	Mode                     Mode     `json:"mode" msgpack:"mode"`
	TailPoints               int      `json:"tail_points" msgpack:"tail_points"`
	TailPointDistance        float64  `json:"tail_point_distance" msgpack:"tail_point_distance"`
	InterEyeDistance         float64  `json:"inter_eye_distance" msgpack:"inter_eye_distance"`
	EyeToSwimBladderDistance float64  `json:"eye_to_swim_bladder_distance" msgpack:"eye_to_swim_bladder_distance"`
	StartingFrame            int      `json:"starting_frame" msgpack:"starting_frame"`
	NFrames                  int      `json:"n_frames" msgpack:"n_frames"`
	PixelThreshold           float64  `json:"pixel_threshold" msgpack:"pixel_threshold"`
	FrameChangeThreshold     float64  `json:"frame_change_threshold" msgpack:"frame_change_threshold"`
	EyesThreshold            float64  `json:"eyes_threshold" msgpack:"eyes_threshold"`
	HeadingLineLength        float64  `json:"heading_line_length" msgpack:"heading_line_length"`
	EyeLineLength            float64  `json:"eye_line_length" msgpack:"eye_line_length"`
	MedianBlur               int      `json:"median_blur" msgpack:"median_blur"`
	InitialPixelSearch       Polarity `json:"initial_pixel_search" msgpack:"initial_pixel_search"`
	InvertThreshold          bool     `json:"invert_threshold" msgpack:"invert_threshold"`
	TailSearchHalfRange      float64  `json:"tail_search_half_range" msgpack:"tail_search_half_range"`
	ExtendedEyes             bool     `json:"extended_eyes" msgpack:"extended_eyes"`
}

// DefaultParams returns settings suited to a larva filmed at roughly
// 4 pixels between the eyes.
func DefaultParams() Params {
	return Params{
		Mode:                     FreeSwimming,
		TailPoints:               7,
		TailPointDistance:        5,
		InterEyeDistance:         4,
		EyeToSwimBladderDistance: 12,
		StartingFrame:            0,
		NFrames:                  AllFrames,
		PixelThreshold:           40,
		FrameChangeThreshold:     10,
		EyesThreshold:            100,
		HeadingLineLength:        30,
		EyeLineLength:            5,
		MedianBlur:               3,
		InitialPixelSearch:       Brightest,
		TailSearchHalfRange:      math.Pi / 3,
	}
}

type namedValue struct {
	name  string
	value float64
}

// Validate checks every field; the first problem found is returned.
func (p Params) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidParameter}, args...)...)
	}
	switch p.Mode {
	case FreeSwimming, HeadFixed:
	default:
		return bad("unknown mode %q", p.Mode)
	}
	switch p.InitialPixelSearch {
	case Brightest, Darkest:
	default:
		return bad("unknown initial pixel search %q", p.InitialPixelSearch)
	}
	if p.TailPoints < 1 || p.TailPoints > MaxTailPoints {
		return bad("tail points %d outside [1,%d]", p.TailPoints, MaxTailPoints)
	}
	for _, f := range []namedValue{
		{"tail point distance", p.TailPointDistance},
		{"inter-eye distance", p.InterEyeDistance},
		{"eye to swim bladder distance", p.EyeToSwimBladderDistance},
	} {
		if !(f.value > 0) || math.IsInf(f.value, 0) {
			return bad("%s must be positive, got %v", f.name, f.value)
		}
	}
	if p.StartingFrame < 0 {
		return bad("starting frame must be >= 0, got %d", p.StartingFrame)
	}
	if p.NFrames != AllFrames && p.NFrames < 1 {
		return bad("frame count must be positive or AllFrames, got %d", p.NFrames)
	}
	for _, f := range []namedValue{
		{"pixel threshold", p.PixelThreshold},
		{"frame change threshold", p.FrameChangeThreshold},
		{"eyes threshold", p.EyesThreshold},
	} {
		if !(f.value >= 0 && f.value <= 255) {
			return bad("%s %v outside [0,255]", f.name, f.value)
		}
	}
	if p.HeadingLineLength < 0 || p.EyeLineLength < 0 {
		return bad("line lengths must be >= 0")
	}
	if p.MedianBlur < 1 || p.MedianBlur%2 == 0 {
		return bad("median blur kernel must be odd and >= 1, got %d", p.MedianBlur)
	}
	if !(p.TailSearchHalfRange > 0 && p.TailSearchHalfRange <= math.Pi) {
		return bad("tail search half range %v outside (0,π]", p.TailSearchHalfRange)
	}
	return nil
}

// NeedsBackground reports whether frames are compared against a background.
func (p Params) NeedsBackground() bool {
	return p.Mode == FreeSwimming
}
