package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/track"
)

// TrackingConfig holds optional overrides. Nil fields fall back to
// track.DefaultParams and background.DefaultOptions through the Get*
// accessors, so partial files are safe.
type TrackingConfig struct {
	Mode                     *string  `json:"mode,omitempty" yaml:"mode,omitempty"`
	TailPoints               *int     `json:"tail_points,omitempty" yaml:"tail_points,omitempty"`
	TailPointDistance        *float64 `json:"tail_point_distance,omitempty" yaml:"tail_point_distance,omitempty"`
	InterEyeDistance         *float64 `json:"inter_eye_distance,omitempty" yaml:"inter_eye_distance,omitempty"`
	EyeToSwimBladderDistance *float64 `json:"eye_to_swim_bladder_distance,omitempty" yaml:"eye_to_swim_bladder_distance,omitempty"`
	StartingFrame            *int     `json:"starting_frame,omitempty" yaml:"starting_frame,omitempty"`
	NFrames                  *int     `json:"n_frames,omitempty" yaml:"n_frames,omitempty"` // -1 tracks every frame
	PixelThreshold           *float64 `json:"pixel_threshold,omitempty" yaml:"pixel_threshold,omitempty"`
	FrameChangeThreshold     *float64 `json:"frame_change_threshold,omitempty" yaml:"frame_change_threshold,omitempty"`
	EyesThreshold            *float64 `json:"eyes_threshold,omitempty" yaml:"eyes_threshold,omitempty"`
	HeadingLineLength        *float64 `json:"heading_line_length,omitempty" yaml:"heading_line_length,omitempty"`
	EyeLineLength            *float64 `json:"eye_line_length,omitempty" yaml:"eye_line_length,omitempty"`
	MedianBlur               *int     `json:"median_blur,omitempty" yaml:"median_blur,omitempty"`
	InitialPixelSearch       *string  `json:"initial_pixel_search,omitempty" yaml:"initial_pixel_search,omitempty"`
	InvertThreshold          *bool    `json:"invert_threshold,omitempty" yaml:"invert_threshold,omitempty"`
	TailSearchHalfRangeDeg   *float64 `json:"tail_search_half_range_deg,omitempty" yaml:"tail_search_half_range_deg,omitempty"`
	ExtendedEyes             *bool    `json:"extended_eyes,omitempty" yaml:"extended_eyes,omitempty"`

	// Background estimation
	BackgroundMethod    *string     `json:"background_method,omitempty" yaml:"background_method,omitempty"`
	BackgroundChunk     *string     `json:"background_chunk,omitempty" yaml:"background_chunk,omitempty"` // "WxH"
	FramesToSkip        *TextNumber `json:"frames_to_skip,omitempty" yaml:"frames_to_skip,omitempty"`
	SaveBackground      *bool       `json:"save_background,omitempty" yaml:"save_background,omitempty"`
	RecomputeBackground *bool       `json:"recompute_background,omitempty" yaml:"recompute_background,omitempty"`

	// Annotated output
	Annotate *bool         `json:"annotate,omitempty" yaml:"annotate,omitempty"`
	Colors   *ColorsConfig `json:"colors,omitempty" yaml:"colors,omitempty"`
}

// ColorsConfig holds "#rrggbb" overlay colors.
type ColorsConfig struct {
	FirstEye  *string `json:"first_eye,omitempty" yaml:"first_eye,omitempty"`
	SecondEye *string `json:"second_eye,omitempty" yaml:"second_eye,omitempty"`
	Tail      *string `json:"tail,omitempty" yaml:"tail,omitempty"`
	Heading   *string `json:"heading,omitempty" yaml:"heading,omitempty"`
}

// TextNumber accepts either a bare number or a quoted string and keeps the
// raw text, so that a value like "3.5" or "ten" is rejected by validation
// with a clear message instead of a decoder type error.
type TextNumber string

// UnmarshalJSON implements json.Unmarshaler.
func (n *TextNumber) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*n = TextNumber(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return fmt.Errorf("expected a number or string, got %s", string(b))
	}
	*n = TextNumber(num.String())
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *TextNumber) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar", node.Line)
	}
	*n = TextNumber(node.Value)
	return nil
}

func pick[T any](over, base *T) *T {
	if over != nil {
		return over
	}
	return base
}

// Merge returns c with every nil field taken from base.
func (c TrackingConfig) Merge(base TrackingConfig) TrackingConfig {
	return TrackingConfig{
		Mode:                     pick(c.Mode, base.Mode),
		TailPoints:               pick(c.TailPoints, base.TailPoints),
		TailPointDistance:        pick(c.TailPointDistance, base.TailPointDistance),
		InterEyeDistance:         pick(c.InterEyeDistance, base.InterEyeDistance),
		EyeToSwimBladderDistance: pick(c.EyeToSwimBladderDistance, base.EyeToSwimBladderDistance),
		StartingFrame:            pick(c.StartingFrame, base.StartingFrame),
		NFrames:                  pick(c.NFrames, base.NFrames),
		PixelThreshold:           pick(c.PixelThreshold, base.PixelThreshold),
		FrameChangeThreshold:     pick(c.FrameChangeThreshold, base.FrameChangeThreshold),
		EyesThreshold:            pick(c.EyesThreshold, base.EyesThreshold),
		HeadingLineLength:        pick(c.HeadingLineLength, base.HeadingLineLength),
		EyeLineLength:            pick(c.EyeLineLength, base.EyeLineLength),
		MedianBlur:               pick(c.MedianBlur, base.MedianBlur),
		InitialPixelSearch:       pick(c.InitialPixelSearch, base.InitialPixelSearch),
		InvertThreshold:          pick(c.InvertThreshold, base.InvertThreshold),
		TailSearchHalfRangeDeg:   pick(c.TailSearchHalfRangeDeg, base.TailSearchHalfRangeDeg),
		ExtendedEyes:             pick(c.ExtendedEyes, base.ExtendedEyes),
		BackgroundMethod:         pick(c.BackgroundMethod, base.BackgroundMethod),
		BackgroundChunk:          pick(c.BackgroundChunk, base.BackgroundChunk),
		FramesToSkip:             pick(c.FramesToSkip, base.FramesToSkip),
		SaveBackground:           pick(c.SaveBackground, base.SaveBackground),
		RecomputeBackground:      pick(c.RecomputeBackground, base.RecomputeBackground),
		Annotate:                 pick(c.Annotate, base.Annotate),
		Colors:                   mergeColors(c.Colors, base.Colors),
	}
}

func mergeColors(over, base *ColorsConfig) *ColorsConfig {
	if over == nil {
		return base
	}
	if base == nil {
		return over
	}
	return &ColorsConfig{
		FirstEye:  pick(over.FirstEye, base.FirstEye),
		SecondEye: pick(over.SecondEye, base.SecondEye),
		Tail:      pick(over.Tail, base.Tail),
		Heading:   pick(over.Heading, base.Heading),
	}
}

// Validate checks that the effective parameters are usable.
func (c TrackingConfig) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if _, err := c.BackgroundOptions(); err != nil {
		return err
	}
	if _, err := c.DrawColors(); err != nil {
		return err
	}
	return nil
}

// Params builds validated tracking parameters.
func (c TrackingConfig) Params() (track.Params, error) {
	p := track.DefaultParams()
	if c.Mode != nil {
		p.Mode = track.Mode(strings.ToLower(strings.TrimSpace(*c.Mode)))
	}
	if c.TailPoints != nil {
		p.TailPoints = *c.TailPoints
	}
	if c.TailPointDistance != nil {
		p.TailPointDistance = *c.TailPointDistance
	}
	if c.InterEyeDistance != nil {
		p.InterEyeDistance = *c.InterEyeDistance
	}
	if c.EyeToSwimBladderDistance != nil {
		p.EyeToSwimBladderDistance = *c.EyeToSwimBladderDistance
	}
	if c.StartingFrame != nil {
		p.StartingFrame = *c.StartingFrame
	}
	if c.NFrames != nil {
		p.NFrames = *c.NFrames
	}
	if c.PixelThreshold != nil {
		p.PixelThreshold = *c.PixelThreshold
	}
	if c.FrameChangeThreshold != nil {
		p.FrameChangeThreshold = *c.FrameChangeThreshold
	}
	if c.EyesThreshold != nil {
		p.EyesThreshold = *c.EyesThreshold
	}
	if c.HeadingLineLength != nil {
		p.HeadingLineLength = *c.HeadingLineLength
	}
	if c.EyeLineLength != nil {
		p.EyeLineLength = *c.EyeLineLength
	}
	if c.MedianBlur != nil {
		p.MedianBlur = *c.MedianBlur
	}
	if c.InitialPixelSearch != nil {
		p.InitialPixelSearch = track.Polarity(strings.ToLower(strings.TrimSpace(*c.InitialPixelSearch)))
	}
	if c.InvertThreshold != nil {
		p.InvertThreshold = *c.InvertThreshold
	}
	if c.TailSearchHalfRangeDeg != nil {
		p.TailSearchHalfRange = radians(*c.TailSearchHalfRangeDeg)
	}
	if c.ExtendedEyes != nil {
		p.ExtendedEyes = *c.ExtendedEyes
	}
	if err := p.Validate(); err != nil {
		return track.Params{}, err
	}
	return p, nil
}

// BackgroundOptions builds validated background options.
func (c TrackingConfig) BackgroundOptions() (background.Options, error) {
	opts := background.DefaultOptions()
	if c.BackgroundMethod != nil {
		m, err := background.ParseMethod(*c.BackgroundMethod)
		if err != nil {
			return background.Options{}, err
		}
		opts.Method = m
	}
	if c.BackgroundChunk != nil {
		chunk, err := background.ParseChunk(*c.BackgroundChunk)
		if err != nil {
			return background.Options{}, err
		}
		opts.Chunk = chunk
	}
	if c.FramesToSkip != nil {
		n, err := background.ParseSkip(string(*c.FramesToSkip))
		if err != nil {
			return background.Options{}, err
		}
		opts.FramesToSkip = n
	}
	if err := opts.Validate(); err != nil {
		return background.Options{}, err
	}
	return opts, nil
}

// DrawColors returns the overlay colors with defaults filled in.
func (c TrackingConfig) DrawColors() (track.DrawColors, error) {
	colors := track.DefaultColors()
	if c.Colors == nil {
		return colors, nil
	}
	for _, f := range []struct {
		src *string
		dst *track.Color
	}{
		{c.Colors.FirstEye, &colors.FirstEye},
		{c.Colors.SecondEye, &colors.SecondEye},
		{c.Colors.Tail, &colors.Tail},
		{c.Colors.Heading, &colors.Heading},
	} {
		if f.src == nil {
			continue
		}
		col, err := track.ParseColor(*f.src)
		if err != nil {
			return track.DrawColors{}, err
		}
		*f.dst = col
	}
	return colors, nil
}

// GetAnnotate returns the annotate value or the default (false).
func (c TrackingConfig) GetAnnotate() bool {
	if c.Annotate == nil {
		return false
	}
	return *c.Annotate
}

// GetSaveBackground returns the save_background value or the default (false).
func (c TrackingConfig) GetSaveBackground() bool {
	if c.SaveBackground == nil {
		return false
	}
	return *c.SaveBackground
}

// GetRecomputeBackground returns the recompute_background value or the
// default (false).
func (c TrackingConfig) GetRecomputeBackground() bool {
	if c.RecomputeBackground == nil {
		return false
	}
	return *c.RecomputeBackground
}

// FromParams renders p and opts as a fully populated config, the inverse
// of Params and BackgroundOptions. Used to write a starter job file.
func FromParams(p track.Params, opts background.Options) TrackingConfig {
	mode := string(p.Mode)
	polarity := string(p.InitialPixelSearch)
	method := string(opts.Method)
	chunk := opts.Chunk.String()
	skip := TextNumber(fmt.Sprint(opts.FramesToSkip))
	half := degrees(p.TailSearchHalfRange)
	return TrackingConfig{
		Mode:                     &mode,
		TailPoints:               &p.TailPoints,
		TailPointDistance:        &p.TailPointDistance,
		InterEyeDistance:         &p.InterEyeDistance,
		EyeToSwimBladderDistance: &p.EyeToSwimBladderDistance,
		StartingFrame:            &p.StartingFrame,
		NFrames:                  &p.NFrames,
		PixelThreshold:           &p.PixelThreshold,
		FrameChangeThreshold:     &p.FrameChangeThreshold,
		EyesThreshold:            &p.EyesThreshold,
		HeadingLineLength:        &p.HeadingLineLength,
		EyeLineLength:            &p.EyeLineLength,
		MedianBlur:               &p.MedianBlur,
		InitialPixelSearch:       &polarity,
		InvertThreshold:          &p.InvertThreshold,
		TailSearchHalfRangeDeg:   &half,
		ExtendedEyes:             &p.ExtendedEyes,
		BackgroundMethod:         &method,
		BackgroundChunk:          &chunk,
		FramesToSkip:             &skip,
	}
}
