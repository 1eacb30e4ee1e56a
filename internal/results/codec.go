package results

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/banshee-data/tailtrack/internal/fsutil"
	"github.com/banshee-data/tailtrack/internal/monitoring"
)

// ErrSerialization wraps every encode, decode and write failure.
var ErrSerialization = errors.New("session serialization failed")

// Extension is appended to video names to form result paths.
const Extension = ".msgpack"

// Encode serializes s. Floats are written as float64 so NaN and every
// coordinate survive bit for bit.
func Encode(s *Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil session", ErrSerialization)
	}
	if !s.Series.consistent() {
		return nil, fmt.Errorf("%w: series columns have different lengths", ErrSerialization)
	}
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode parses data produced by Encode.
func Decode(data []byte) (*Session, error) {
	var s Session
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if s.Format != Format {
		return nil, fmt.Errorf("%w: not a session file (format %q)", ErrSerialization, s.Format)
	}
	if s.Version > Version {
		return nil, fmt.Errorf("%w: session version %d is newer than supported %d", ErrSerialization, s.Version, Version)
	}
	if !s.Series.consistent() {
		return nil, fmt.Errorf("%w: series columns have different lengths", ErrSerialization)
	}
	return &s, nil
}

// Save encodes s and writes it atomically to path.
func Save(fsys fsutil.FileSystem, path string, s *Session) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(fsys, path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	monitoring.Logf("[results] wrote %s (%d frames, %d bytes)", path, s.Series.Len(), len(data))
	return nil
}

// Load reads and decodes a session file.
func Load(fsys fsutil.FileSystem, path string) (*Session, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrSerialization, path, err)
	}
	return Decode(data)
}
