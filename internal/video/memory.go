package video

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// MemorySource serves frames held in memory. It is used by tests and by
// tools that synthesise footage.
type MemorySource struct {
	desc   Descriptor
	frames []gocv.Mat
	cursor int

	// FailAt makes Read return ErrFrameRead when the cursor reaches this
	// index. Negative disables the failure.
	FailAt int

	mu     sync.Mutex
	reads  int
	seeks  int
	closed bool
}

// NewMemorySource takes ownership of frames; they must share one size.
func NewMemorySource(path string, fps float64, frames []gocv.Mat) *MemorySource {
	desc := Descriptor{Path: path, FrameCount: len(frames), FPS: fps}
	if len(frames) > 0 {
		desc.Width = frames[0].Cols()
		desc.Height = frames[0].Rows()
	}
	return &MemorySource{desc: desc, frames: frames, FailAt: -1}
}

// Descriptor returns the source metadata.
func (m *MemorySource) Descriptor() Descriptor { return m.desc }

// Seek moves the cursor.
func (m *MemorySource) Seek(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: source closed", ErrFrameRead)
	}
	if index < 0 || index >= len(m.frames) {
		return fmt.Errorf("%w: seek to %d outside [0,%d)", ErrFrameRead, index, len(m.frames))
	}
	m.cursor = index
	m.seeks++
	return nil
}

// Read copies the frame under the cursor into dst.
func (m *MemorySource) Read(dst *gocv.Mat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: source closed", ErrFrameRead)
	}
	if m.cursor == m.FailAt {
		return fmt.Errorf("%w: injected failure at frame %d", ErrFrameRead, m.cursor)
	}
	if m.cursor >= len(m.frames) {
		return fmt.Errorf("%w: end of stream at frame %d", ErrFrameRead, m.cursor)
	}
	m.frames[m.cursor].CopyTo(dst)
	m.cursor++
	m.reads++
	return nil
}

// Close releases every held frame.
func (m *MemorySource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	for i := range m.frames {
		m.frames[i].Close()
	}
	m.closed = true
	return nil
}

// Reads reports how many frames were decoded so far.
func (m *MemorySource) Reads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

// Seeks reports how many times the cursor was repositioned.
func (m *MemorySource) Seeks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seeks
}

// Closed reports whether Close was called.
func (m *MemorySource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MemoryOpener serves pre-registered sources by path.
type MemoryOpener struct {
	mu      sync.Mutex
	sources map[string]func() *MemorySource
	opened  map[string][]*MemorySource
}

// NewMemoryOpener creates an empty opener.
func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{
		sources: make(map[string]func() *MemorySource),
		opened:  make(map[string][]*MemorySource),
	}
}

// Register makes path openable. build is invoked on every Open so each
// handle owns independent frames.
func (o *MemoryOpener) Register(path string, build func() *MemorySource) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sources[path] = build
}

// Open satisfies Opener.
func (o *MemoryOpener) Open(path string) (Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	build, ok := o.sources[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s: not registered", ErrOpen, path)
	}
	src := build()
	o.opened[path] = append(o.opened[path], src)
	return src, nil
}

// Opened returns every source handed out for path.
func (o *MemoryOpener) Opened(path string) []*MemorySource {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*MemorySource, len(o.opened[path]))
	copy(out, o.opened[path])
	return out
}

// MemoryWriter keeps clones of written frames.
type MemoryWriter struct {
	mu     sync.Mutex
	Path   string
	FPS    float64
	frames []gocv.Mat
	closed bool
}

// Write stores a clone of frame.
func (w *MemoryWriter) Write(frame gocv.Mat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("memory writer %s closed", w.Path)
	}
	w.frames = append(w.frames, frame.Clone())
	return nil
}

// Close marks the writer closed. Stored frames stay readable until Release.
func (w *MemoryWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Count returns the number of frames written.
func (w *MemoryWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

// Closed reports whether Close was called.
func (w *MemoryWriter) Closed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Frame returns the i-th written frame (owned by the writer).
func (w *MemoryWriter) Frame(i int) gocv.Mat {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[i]
}

// Release frees the stored frames.
func (w *MemoryWriter) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.frames {
		w.frames[i].Close()
	}
	w.frames = nil
}

// MemoryWriterFactory records every writer it creates.
type MemoryWriterFactory struct {
	mu      sync.Mutex
	Writers []*MemoryWriter
}

// Create satisfies WriterFactory.
func (f *MemoryWriterFactory) Create(path string, fps float64, width, height int) (Writer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &MemoryWriter{Path: path, FPS: fps}
	f.Writers = append(f.Writers, w)
	return w, nil
}
