package job

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/fsutil"
	"github.com/banshee-data/tailtrack/internal/security"
	"github.com/banshee-data/tailtrack/internal/results"
	"github.com/banshee-data/tailtrack/internal/store"
	"github.com/banshee-data/tailtrack/internal/timeutil"
	"github.com/banshee-data/tailtrack/internal/track"
	"github.com/banshee-data/tailtrack/internal/video"
)

const testFrames = 6

// swimmingFish is a bright disk crossing a dark field, so no pixel is
// covered in every frame and the per-pixel minimum is the empty field.
func swimmingFish(path string) func() *video.MemorySource {
	return func() *video.MemorySource {
		return video.SyntheticSource(path, testFrames, 25, func(i int) gocv.Mat {
			return video.SyntheticFrame(100, 100, 10, video.Disk{Row: 50, Col: 20 + 12*i, Radius: 5, Value: 220})
		})
	}
}

type fakeRegistry struct {
	mu       sync.Mutex
	runs     map[string]store.Run
	order    []string
	onInsert func(store.Run)
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{runs: make(map[string]store.Run)}
}

func (f *fakeRegistry) InsertRun(r store.Run) error {
	f.mu.Lock()
	f.runs[r.JobID] = r
	f.order = append(f.order, r.JobID)
	hook := f.onInsert
	f.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return nil
}

func (f *fakeRegistry) setOnInsert(hook func(store.Run)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onInsert = hook
}

func (f *fakeRegistry) FinishRun(jobID string, fin store.Finish) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.runs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = fin.Status
	r.FramesProcessed = fin.FramesProcessed
	r.Summary = fin.Summary
	r.ResultsPath = fin.ResultsPath
	r.Error = fin.Error
	at := fin.CompletedAt
	r.CompletedAt = &at
	f.runs[jobID] = r
	return nil
}

func (f *fakeRegistry) status(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[jobID].Status
}

type memoryCache struct {
	mu   sync.Mutex
	bgs  map[string]store.Background
	puts int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{bgs: make(map[string]store.Background)}
}

func (c *memoryCache) GetBackground(videoPath, variant string) (*store.Background, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bg, ok := c.bgs[videoPath+"|"+variant]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &bg, nil
}

func (c *memoryCache) PutBackground(bg store.Background) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bgs[bg.VideoPath+"|"+bg.Variant] = bg
	c.puts++
	return nil
}

type harness struct {
	opener   *video.MemoryOpener
	fsys     *fsutil.MemoryFileSystem
	writers  *video.MemoryWriterFactory
	registry *fakeRegistry
	runner   *Runner
}

func newHarness(t *testing.T, paths ...string) *harness {
	t.Helper()
	h := &harness{
		opener:   video.NewMemoryOpener(),
		fsys:     fsutil.NewMemoryFileSystem(),
		writers:  &video.MemoryWriterFactory{},
		registry: newFakeRegistry(),
	}
	for _, p := range paths {
		h.opener.Register(p, swimmingFish(p))
	}
	h.runner = NewRunner(h.opener.Open, h.fsys)
	h.runner.SetPersister(h.registry)
	h.runner.SetWriterFactory(h.writers.Create)
	clock := timeutil.NewMockClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	clock.AutoStep(time.Millisecond)
	h.runner.SetClock(clock)
	t.Cleanup(func() {
		for _, w := range h.writers.Writers {
			w.Release()
		}
	})
	return h
}

func testJob(path string) Job {
	p := track.DefaultParams()
	p.TailPoints = 3
	j := New(path, p, "/out")
	j.Background = background.Options{Method: background.Darkest}
	return j
}

func TestFrameRange(t *testing.T) {
	params := func(start, n int) track.Params {
		p := track.DefaultParams()
		p.StartingFrame, p.NFrames = start, n
		return p
	}
	tests := []struct {
		name       string
		frameCount int
		params     track.Params
		start      int
		count      int
	}{
		{"all frames", 100, params(0, track.AllFrames), 0, 100},
		{"offset to end", 100, params(40, track.AllFrames), 40, 60},
		{"bounded count", 100, params(40, 10), 40, 10},
		{"count clamped", 100, params(90, 50), 90, 10},
		{"start past end restarts", 100, params(150, 10), 0, 100},
		{"start at end restarts", 100, params(100, 5), 0, 100},
		{"zero count", 100, params(5, 0), 5, 0},
		{"empty video", 0, params(0, track.AllFrames), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			start, count := FrameRange(tt.frameCount, tt.params)
			assert.Equal(t, tt.start, start)
			assert.Equal(t, tt.count, count)
		})
	}
}

func TestBackgroundUnits(t *testing.T) {
	assert.Equal(t, 10*100, BackgroundUnits(background.Options{Method: background.Brightest}, 100))
	assert.Equal(t, 10*50, BackgroundUnits(background.Options{Method: background.Darkest, FramesToSkip: 1}, 100))
	assert.Equal(t, 5*34, BackgroundUnits(background.Options{Method: background.Mode, Chunk: background.DefaultChunk, FramesToSkip: 2}, 100))
}

func TestRunJobTracksAndSaves(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	j := testJob("/videos/fish.avi")

	out, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, testFrames, out.FramesProcessed)
	assert.Equal(t, testFrames, out.Stats.Total())
	assert.Equal(t, "estimated", out.BackgroundFrom)
	assert.Equal(t, "/out/fish.msgpack", out.ResultsPath)
	require.NotNil(t, out.Summary)
	assert.Greater(t, out.Summary.Located, 0)

	session, err := results.Load(h.fsys, out.ResultsPath)
	require.NoError(t, err)
	assert.Equal(t, j.ID, session.JobID)
	assert.Equal(t, testFrames, session.Series.Len())
	assert.Nil(t, session.Colors)

	assert.Equal(t, store.StatusCompleted, h.registry.status(j.ID))
	h.registry.mu.Lock()
	run := h.registry.runs[j.ID]
	h.registry.mu.Unlock()
	assert.Equal(t, testFrames, run.FramesProcessed)
	require.NotNil(t, run.Summary)
	assert.Equal(t, out.Stats.Tracked, run.Summary.Tracked)

	st := h.runner.State()
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, st.TotalUnits, st.DoneUnits)
	assert.Equal(t, 10*testFrames+testFrames, st.TotalUnits)
}

func TestStartingFrameBeyondLengthProcessesWholeVideo(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	j := testJob("/videos/fish.avi")
	j.Params.StartingFrame = 500

	out, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out.StartFrame)
	assert.Equal(t, testFrames, out.FramesProcessed)
}

func TestFrameSubset(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	j := testJob("/videos/fish.avi")
	j.Params.StartingFrame = 2
	j.Params.NFrames = 3

	out, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.StartFrame)
	assert.Equal(t, 3, out.FramesProcessed)

	session, err := results.Load(h.fsys, out.ResultsPath)
	require.NoError(t, err)
	assert.Equal(t, 2, session.StartFrame)
	assert.Equal(t, 3, session.Series.Len())
}

func TestProgressIsMonotonic(t *testing.T) {
	h := newHarness(t, "/videos/a.avi", "/videos/b.avi")
	events, err := h.runner.Start(context.Background(), []Job{testJob("/videos/a.avi"), testJob("/videos/b.avi")})
	require.NoError(t, err)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.True(t, last.Final)
	assert.False(t, last.Cancelled)
	assert.Equal(t, last.Total, last.Done)
	assert.InDelta(t, 1.0, last.Fraction(), 1e-12)

	prev := 0
	for i, ev := range got {
		assert.GreaterOrEqual(t, ev.Done, prev, "event %d went backwards", i)
		assert.LessOrEqual(t, ev.Done, ev.Total)
		prev = ev.Done
	}
	for _, ev := range got[:len(got)-1] {
		assert.False(t, ev.Final)
	}
}

func TestFailedJobDoesNotStopSiblings(t *testing.T) {
	h := newHarness(t, "/videos/good.avi")
	missing := testJob("/videos/missing.avi")
	good := testJob("/videos/good.avi")

	events, err := h.runner.Start(context.Background(), []Job{missing, good})
	require.NoError(t, err)
	for range events {
	}

	st := h.runner.State()
	require.Len(t, st.Outcomes, 2)
	assert.Equal(t, StatusFailed, st.Outcomes[0].Status)
	assert.ErrorIs(t, st.Outcomes[0].Err, video.ErrOpen)
	assert.NotEmpty(t, st.Outcomes[0].Error)
	assert.Equal(t, StatusCompleted, st.Outcomes[1].Status)
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, store.StatusFailed, h.registry.status(missing.ID))
	assert.Len(t, h.fsys.FilesWithSuffix(".msgpack"), 1)
}

func TestCancellationKeepsCompletedJobs(t *testing.T) {
	h := newHarness(t, "/videos/a.avi", "/videos/b.avi", "/videos/c.avi")
	jobs := []Job{testJob("/videos/a.avi"), testJob("/videos/b.avi"), testJob("/videos/c.avi")}

	// Cancel as soon as the second job is registered.
	h.registry.setOnInsert(func(r store.Run) {
		if r.JobID == jobs[1].ID {
			h.runner.Stop()
		}
	})
	events, err := h.runner.Start(context.Background(), jobs)
	require.NoError(t, err)
	var last Event
	for ev := range events {
		last = ev
	}
	assert.True(t, last.Final)
	assert.True(t, last.Cancelled)

	st := h.runner.State()
	assert.Equal(t, StatusCancelled, st.Status)
	assert.Equal(t, StatusCompleted, st.Outcomes[0].Status)
	assert.Equal(t, StatusCancelled, st.Outcomes[1].Status)
	assert.Equal(t, StatusCancelled, st.Outcomes[2].Status)
	assert.ErrorIs(t, st.Outcomes[1].Err, context.Canceled)

	assert.Equal(t, []string{"/out/a.msgpack"}, h.fsys.FilesWithSuffix(".msgpack"))
	assert.Equal(t, store.StatusCompleted, h.registry.status(jobs[0].ID))
	assert.Equal(t, store.StatusCancelled, h.registry.status(jobs[1].ID))
	assert.Equal(t, store.StatusCancelled, h.registry.status(jobs[2].ID))
}

func TestCancelledContextBeforeStart(t *testing.T) {
	h := newHarness(t, "/videos/a.avi")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.runner.RunJob(ctx, testJob("/videos/a.avi"), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusCancelled, out.Status)
	assert.Zero(t, out.FramesProcessed)
	assert.Empty(t, h.fsys.Files())
}

func TestBackgroundCacheReused(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	cache := newMemoryCache()
	h.runner.SetBackgroundCache(cache)

	first, err := h.runner.RunJob(context.Background(), testJob("/videos/fish.avi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "estimated", first.BackgroundFrom)
	assert.Equal(t, 1, cache.puts)

	second, err := h.runner.RunJob(context.Background(), testJob("/videos/fish.avi"), nil)
	require.NoError(t, err)
	assert.Equal(t, "cache", second.BackgroundFrom)
	assert.Equal(t, 1, cache.puts)
	assert.Equal(t, first.Stats, second.Stats)

	// planning handle, first run, planning handle, second run
	opened := h.opener.Opened("/videos/fish.avi")
	require.Len(t, opened, 4)
	assert.Equal(t, testFrames, opened[3].Reads(), "cached run only reads the tracked frames")
	assert.Greater(t, opened[1].Reads(), testFrames)

	j := testJob("/videos/fish.avi")
	j.RecomputeBackground = true
	third, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, "estimated", third.BackgroundFrom)
	assert.Equal(t, 2, cache.puts)
}

func TestHeadFixedSkipsBackground(t *testing.T) {
	h := newHarness(t)
	h.opener.Register("/videos/fixed.avi", func() *video.MemorySource {
		return video.SyntheticSource("/videos/fixed.avi", 4, 25, func(int) gocv.Mat {
			return video.SyntheticFrame(60, 60, 200, video.Disk{Row: 30, Col: 30, Radius: 4, Value: 20})
		})
	})
	j := testJob("/videos/fixed.avi")
	j.Params.Mode = track.HeadFixed
	j.Params.InitialPixelSearch = track.Darkest

	out, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Empty(t, out.BackgroundFrom)
	assert.Equal(t, 4, h.runner.State().TotalUnits)
	assert.Equal(t, 4, out.Stats.Total())
}

func TestAnnotatedVideoHasOneFramePerTrackedFrame(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	j := testJob("/videos/fish.avi")
	j.Annotate = true

	out, err := h.runner.RunJob(context.Background(), j, nil)
	require.NoError(t, err)
	assert.Equal(t, "/out/fish_annotated.avi", out.AnnotatedPath)
	require.Len(t, h.writers.Writers, 1)
	w := h.writers.Writers[0]
	assert.Equal(t, testFrames, w.Count())
	assert.True(t, w.Closed())
	assert.Equal(t, 25.0, w.FPS)

	session, err := results.Load(h.fsys, out.ResultsPath)
	require.NoError(t, err)
	require.NotNil(t, session.Colors)
	assert.Equal(t, j.Colors, *session.Colors)
}

func TestResultsWriteFailureFailsJob(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	h.fsys.FailWrites = true

	out, err := h.runner.RunJob(context.Background(), testJob("/videos/fish.avi"), nil)
	assert.ErrorIs(t, err, results.ErrSerialization)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, out.ResultsPath)
	assert.Equal(t, testFrames, out.FramesProcessed)
}

func TestStartWhileRunningIsBusy(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	release := make(chan struct{})
	var once sync.Once
	h.registry.setOnInsert(func(store.Run) { once.Do(func() { <-release }) })

	events, err := h.runner.Start(context.Background(), []Job{testJob("/videos/fish.avi")})
	require.NoError(t, err)
	_, err = h.runner.Start(context.Background(), []Job{testJob("/videos/fish.avi")})
	assert.True(t, errors.Is(err, ErrBusy))

	close(release)
	for range events {
	}
	h.runner.Wait()
	assert.Equal(t, StatusCompleted, h.runner.State().Status)
}

func TestStartRejectsEmptyQueue(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.Start(context.Background(), nil)
	assert.Error(t, err)
	assert.Equal(t, StatusIdle, h.runner.State().Status)
}

// headFixedClip is a dark spot on a bright field; head-fixed jobs need no
// background, so each frame costs one progress unit.
func headFixedClip(path string, n int) func() *video.MemorySource {
	return func() *video.MemorySource {
		return video.SyntheticSource(path, n, 25, func(int) gocv.Mat {
			return video.SyntheticFrame(40, 40, 200, video.Disk{Row: 20, Col: 20, Radius: 3, Value: 20})
		})
	}
}

func headFixedJob(path string) Job {
	j := testJob(path)
	j.Params.Mode = track.HeadFixed
	j.Params.InitialPixelSearch = track.Darkest
	return j
}

func TestBackToBackRunsKeepControl(t *testing.T) {
	h := newHarness(t)
	h.opener.Register("/videos/clip.avi", headFixedClip("/videos/clip.avi", 2))

	for i := 0; i < 200; i++ {
		out, err := h.runner.RunJob(context.Background(), headFixedJob("/videos/clip.avi"), nil)
		require.NoError(t, err, "run %d", i)
		require.Equal(t, StatusCompleted, out.Status, "run %d", i)
	}

	release := make(chan struct{})
	var once sync.Once
	h.registry.setOnInsert(func(store.Run) { once.Do(func() { <-release }) })
	events, err := h.runner.Start(context.Background(), []Job{headFixedJob("/videos/clip.avi")})
	require.NoError(t, err)

	waited := make(chan struct{})
	go func() {
		h.runner.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("Wait returned while the queue was still running")
	case <-time.After(20 * time.Millisecond):
	}

	h.runner.Stop()
	close(release)
	var last Event
	for ev := range events {
		last = ev
	}
	<-waited
	assert.True(t, last.Final)
	assert.True(t, last.Cancelled)
	assert.Equal(t, StatusCancelled, h.runner.State().Status)
}

func TestUnreadEventsDoNotBlockWorker(t *testing.T) {
	const frames = eventBuffer + 50
	h := newHarness(t)
	h.opener.Register("/videos/long.avi", headFixedClip("/videos/long.avi", frames))

	events, err := h.runner.Start(context.Background(), []Job{headFixedJob("/videos/long.avi")})
	require.NoError(t, err)

	waited := make(chan struct{})
	go func() {
		h.runner.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(30 * time.Second):
		t.Fatal("worker blocked on an unread event channel")
	}

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.NotEmpty(t, got)
	assert.LessOrEqual(t, len(got), eventBuffer)
	assert.True(t, got[len(got)-1].Final)
	assert.Equal(t, StatusCompleted, h.runner.State().Status)
	assert.Equal(t, frames, h.runner.State().Outcomes[0].FramesProcessed)
}

func TestMismatchedBackgroundIsNotSaved(t *testing.T) {
	h := newHarness(t, "/videos/fish.avi")
	imageDir, outDir := t.TempDir(), t.TempDir()

	small := video.GrayImage(50, 50, 10)
	defer small.Close()
	bgPath := filepath.Join(imageDir, "fish_bg.png")
	require.NoError(t, background.Save(bgPath, small))

	j := testJob("/videos/fish.avi")
	j.OutputDir = outDir
	j.BackgroundImage = bgPath
	j.SaveBackground = true

	out, err := h.runner.RunJob(context.Background(), j, nil)
	assert.ErrorIs(t, err, background.ErrInvalidParameter)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Empty(t, out.BackgroundPath)

	saved, err := security.ArtifactPath(outDir, j.VideoPath, "_background.png")
	require.NoError(t, err)
	assert.NoFileExists(t, saved)
}
