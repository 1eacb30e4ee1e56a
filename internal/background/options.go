package background

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidParameter rejects background options before any frame is read.
var ErrInvalidParameter = errors.New("invalid background parameter")

// Method selects how the reference image is computed.
type Method string

const (
	// Brightest keeps the per-pixel maximum over sampled frames.
	Brightest Method = "brightest"
	// Darkest keeps the per-pixel minimum over sampled frames.
	Darkest Method = "darkest"
	// Mode keeps the per-pixel most frequent value, computed tile by tile.
	Mode Method = "mode"
)

// ParseMethod validates a method name.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case Brightest, Darkest, Mode:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown method %q (want brightest, darkest or mode)", ErrInvalidParameter, s)
	}
}

// Chunk is the tile size used by the Mode method.
type Chunk struct {
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// String renders the chunk as "WxH".
func (c Chunk) String() string {
	return fmt.Sprintf("%dx%d", c.Width, c.Height)
}

// ParseChunk accepts "WxH" or "W,H" with positive integers.
func ParseChunk(s string) (Chunk, error) {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return r == 'x' || r == ','
	})
	if len(fields) != 2 {
		return Chunk{}, fmt.Errorf("%w: chunk %q must look like WxH", ErrInvalidParameter, s)
	}
	w, errW := strconv.Atoi(strings.TrimSpace(fields[0]))
	h, errH := strconv.Atoi(strings.TrimSpace(fields[1]))
	if errW != nil || errH != nil || w <= 0 || h <= 0 {
		return Chunk{}, fmt.Errorf("%w: chunk %q must be two positive integers", ErrInvalidParameter, s)
	}
	return Chunk{Width: w, Height: h}, nil
}

// ParseSkip parses a non-negative integer frame skip count.
func ParseSkip(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: frames to skip %q is not an integer", ErrInvalidParameter, s)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: frames to skip must be >= 0, got %d", ErrInvalidParameter, n)
	}
	return n, nil
}

// DefaultChunk is the tile size used when none is configured.
var DefaultChunk = Chunk{Width: 100, Height: 100}

// Options configures one estimate.
type Options struct {
	Method       Method `json:"method" msgpack:"method"`
	Chunk        Chunk  `json:"chunk" msgpack:"chunk"`
	FramesToSkip int    `json:"frames_to_skip" msgpack:"frames_to_skip"`
}

// DefaultOptions returns the mode estimate with the default chunk.
func DefaultOptions() Options {
	return Options{Method: Mode, Chunk: DefaultChunk}
}

// Validate checks the options.
func (o Options) Validate() error {
	if _, err := ParseMethod(string(o.Method)); err != nil {
		return err
	}
	if o.Method == Mode && (o.Chunk.Width <= 0 || o.Chunk.Height <= 0) {
		return fmt.Errorf("%w: chunk %s must be positive", ErrInvalidParameter, o.Chunk)
	}
	if o.FramesToSkip < 0 {
		return fmt.Errorf("%w: frames to skip must be >= 0, got %d", ErrInvalidParameter, o.FramesToSkip)
	}
	return nil
}

// Variant is a stable key describing how a background was computed, used to
// look up cached backgrounds.
func (o Options) Variant() string {
	if o.Method == Mode {
		return fmt.Sprintf("mode:%s:skip=%d", o.Chunk, o.FramesToSkip)
	}
	return fmt.Sprintf("%s:skip=%d", o.Method, o.FramesToSkip)
}

// SampledFrames is the number of frames an estimate visits in one pass.
func (o Options) SampledFrames(frameCount int) int {
	if frameCount <= 0 {
		return 0
	}
	stride := o.FramesToSkip + 1
	return (frameCount + stride - 1) / stride
}

// Tiles returns the tile count for a width x height image.
func (o Options) Tiles(width, height int) int {
	if o.Method != Mode {
		return 1
	}
	cols := (width + o.Chunk.Width - 1) / o.Chunk.Width
	rows := (height + o.Chunk.Height - 1) / o.Chunk.Height
	return cols * rows
}
