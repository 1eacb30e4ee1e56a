package job

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gocv.io/x/gocv"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/fsutil"
	"github.com/banshee-data/tailtrack/internal/monitoring"
	"github.com/banshee-data/tailtrack/internal/results"
	"github.com/banshee-data/tailtrack/internal/security"
	"github.com/banshee-data/tailtrack/internal/store"
	"github.com/banshee-data/tailtrack/internal/timeutil"
	"github.com/banshee-data/tailtrack/internal/track"
	"github.com/banshee-data/tailtrack/internal/video"
)

var logf = monitoring.Tagged("job")

// eventBuffer bounds the progress channel. Progress events are dropped when
// the consumer falls behind, and the last slot is held back for the final
// event so the worker never blocks on a consumer that stopped reading.
const eventBuffer = 256

// Runner executes job queues on a single worker goroutine.
type Runner struct {
	open      video.Opener
	fsys      fsutil.FileSystem
	newWriter video.WriterFactory
	clock     timeutil.Clock
	persister Persister
	cache     BackgroundCache

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner reading videos through open and writing
// results through fsys.
func NewRunner(open video.Opener, fsys fsutil.FileSystem) *Runner {
	return &Runner{
		open:      open,
		fsys:      fsys,
		newWriter: video.CreateFile,
		clock:     timeutil.RealClock{},
		state:     State{Status: StatusIdle},
	}
}

// SetPersister records every job in a run registry.
func (r *Runner) SetPersister(p Persister) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persister = p
}

// SetBackgroundCache reuses and stores computed backgrounds.
func (r *Runner) SetBackgroundCache(c BackgroundCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = c
}

// SetClock replaces the clock used for timestamps.
func (r *Runner) SetClock(c timeutil.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

// SetWriterFactory replaces the annotated video writer.
func (r *Runner) SetWriterFactory(f video.WriterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newWriter = f
}

// State returns a copy of the current state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.state
	s.Outcomes = append([]Outcome(nil), r.state.Outcomes...)
	return s
}

// Start plans jobs and runs them sequentially in the background. Events
// arrive on the returned channel, which is closed after the final event.
// Callers may stop reading at any time; the worker still finishes.
// Jobs without an ID get one.
func (r *Runner) Start(ctx context.Context, jobs []Job) (<-chan Event, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs to run")
	}
	r.mu.Lock()
	if r.state.Status == StatusRunning {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	queue := make([]Job, len(jobs))
	copy(queue, jobs)
	for i := range queue {
		if queue[i].ID == "" {
			queue[i].ID = uuid.NewString()
		}
	}

	plans := make([]plan, len(queue))
	total := 0
	outcomes := make([]Outcome, len(queue))
	for i, j := range queue {
		plans[i] = planJob(r.open, j)
		total += plans[i].units()
		outcomes[i] = Outcome{
			JobID:         j.ID,
			VideoPath:     j.VideoPath,
			Status:        StatusPending,
			StartFrame:    plans[i].start,
			FramesPlanned: plans[i].frames,
		}
	}

	now := r.clock.Now()
	r.state = State{
		Status:     StatusRunning,
		BatchID:    uuid.NewString(),
		StartedAt:  &now,
		TotalJobs:  len(queue),
		TotalUnits: total,
		Outcomes:   outcomes,
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	events := make(chan Event, eventBuffer)
	batch := r.state.BatchID
	r.mu.Unlock()

	logf("batch %s: %d job(s), %d progress units", batch, len(queue), total)
	go r.run(runCtx, cancel, done, batch, queue, plans, events)
	return events, nil
}

// Stop requests cancellation; it returns immediately.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// Wait blocks until the current queue finishes.
func (r *Runner) Wait() {
	r.mu.RLock()
	done := r.done
	r.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// RunJob runs a single job synchronously, forwarding every event to
// progress (which may be nil).
func (r *Runner) RunJob(ctx context.Context, j Job, progress func(Event)) (Outcome, error) {
	events, err := r.Start(ctx, []Job{j})
	if err != nil {
		return Outcome{}, err
	}
	for ev := range events {
		if progress != nil {
			progress(ev)
		}
	}
	st := r.State()
	out := st.Outcomes[0]
	return out, out.Err
}

// run owns cancel and done for this queue only; a later Start may already
// have replaced the runner's fields by the time it returns.
func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, done chan struct{},
	batch string, jobs []Job, plans []plan, events chan<- Event) {
	defer func() {
		cancel()
		r.mu.Lock()
		if r.done == done {
			r.cancel = nil
		}
		r.mu.Unlock()
		close(done)
	}()
	defer close(events)

	base := 0
	failed := 0
	for i, j := range jobs {
		r.setCurrent(i)
		var out Outcome
		if ctx.Err() != nil {
			out = r.cancelUnstarted(batch, j, plans[i])
		} else {
			out = r.runOne(ctx, batch, i, j, plans[i], base, events)
		}
		base += plans[i].units()
		r.finishJob(i, out, base)
		if out.Status == StatusFailed {
			failed++
		}
	}

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case failed == len(jobs):
		status = StatusFailed
	}
	now := r.clock.Now()
	r.mu.Lock()
	r.state.Status = status
	r.state.CompletedAt = &now
	final := Event{
		Phase:     PhaseFinished,
		JobIndex:  len(jobs) - 1,
		Label:     string(status),
		Done:      r.state.DoneUnits,
		Total:     r.state.TotalUnits,
		Final:     true,
		Cancelled: status == StatusCancelled,
	}
	r.mu.Unlock()
	logf("batch %s %s (%d of %d job(s) failed)", batch, status, failed, len(jobs))
	// progress leaves a free slot, so this never blocks.
	events <- final
}

func (r *Runner) setCurrent(i int) {
	r.mu.Lock()
	r.state.CurrentJob = i
	r.state.Outcomes[i].Status = StatusRunning
	r.mu.Unlock()
}

func (r *Runner) finishJob(i int, out Outcome, doneUnits int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Outcomes[i] = out
	if doneUnits > r.state.DoneUnits {
		r.state.DoneUnits = doneUnits
	}
}

// progress moves the overall counter forward (never back) and emits a
// best-effort event. The worker is the only sender on events.
func (r *Runner) progress(events chan<- Event, ev Event) {
	r.mu.Lock()
	if ev.Done > r.state.DoneUnits {
		r.state.DoneUnits = ev.Done
	}
	ev.Done = r.state.DoneUnits
	ev.Total = r.state.TotalUnits
	r.mu.Unlock()
	if len(events) >= cap(events)-1 {
		return
	}
	events <- ev
}

func (r *Runner) deps() (Persister, BackgroundCache, timeutil.Clock, video.WriterFactory) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.persister, r.cache, r.clock, r.newWriter
}

func (r *Runner) cancelUnstarted(batch string, j Job, p plan) Outcome {
	persister, _, clock, _ := r.deps()
	out := Outcome{
		JobID: j.ID, VideoPath: j.VideoPath, Status: StatusCancelled,
		StartFrame: p.start, FramesPlanned: p.frames, Err: context.Canceled, Error: "cancelled before start",
	}
	if persister != nil {
		now := clock.Now()
		if err := persister.InsertRun(store.Run{
			JobID: j.ID, BatchID: batch, VideoPath: j.VideoPath, Status: store.StatusCancelled,
			FramesPlanned: p.frames, StartedAt: now,
		}); err != nil {
			logf("recording cancelled job %s: %v", j.ID, err)
		} else if err := persister.FinishRun(j.ID, store.Finish{
			Status: store.StatusCancelled, Error: out.Error, CompletedAt: now,
		}); err != nil {
			logf("recording cancelled job %s: %v", j.ID, err)
		}
	}
	return out
}

// runOne executes one job. Any failure is confined to this job.
func (r *Runner) runOne(ctx context.Context, batch string, idx int, j Job, p plan, base int, events chan<- Event) Outcome {
	persister, cache, clock, newWriter := r.deps()
	out := Outcome{JobID: j.ID, VideoPath: j.VideoPath, Status: StatusRunning, StartFrame: p.start, FramesPlanned: p.frames}

	if persister != nil {
		if err := persister.InsertRun(store.Run{
			JobID: j.ID, BatchID: batch, VideoPath: j.VideoPath, Status: store.StatusRunning,
			FramesPlanned: p.frames, StartedAt: clock.Now(),
		}); err != nil {
			logf("registry insert for %s failed: %v", j.ID, err)
		}
	}
	finish := func(status Status, err error) Outcome {
		out.Status = status
		if err != nil {
			out.Err = err
			out.Error = err.Error()
			logf("job %s (%s) %s: %v", j.ID, j.VideoPath, status, err)
		}
		if persister != nil {
			f := store.Finish{
				Status:          string(status),
				FramesProcessed: out.FramesProcessed,
				ResultsPath:     out.ResultsPath,
				Error:           out.Error,
				CompletedAt:     clock.Now(),
			}
			if out.Summary != nil {
				f.Summary = runSummary(*out.Summary)
			}
			if err := persister.FinishRun(j.ID, f); err != nil {
				logf("registry update for %s failed: %v", j.ID, err)
			}
		}
		return out
	}
	abort := func(err error) Outcome {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return finish(StatusCancelled, err)
		}
		return finish(StatusFailed, err)
	}

	if p.openFailed != nil {
		return finish(StatusFailed, p.openFailed)
	}
	if err := j.Params.Validate(); err != nil {
		return finish(StatusFailed, err)
	}
	src, err := r.open(j.VideoPath)
	if err != nil {
		return finish(StatusFailed, err)
	}
	defer src.Close()
	desc := src.Descriptor()
	if err := r.fsys.MkdirAll(j.OutputDir, 0o755); err != nil {
		return finish(StatusFailed, fmt.Errorf("creating %s: %w", j.OutputDir, err))
	}

	emit := func(ev Event) {
		ev.JobID, ev.JobIndex = j.ID, idx
		r.progress(events, ev)
	}

	bg, from, err := r.background(ctx, src, desc, j, p, base, cache, clock, emit)
	if err != nil {
		return abort(err)
	}
	defer bg.Close()
	out.BackgroundFrom = from
	if !bg.Empty() {
		if err := background.CheckSize(bg, desc); err != nil {
			return finish(StatusFailed, err)
		}
	}
	if j.SaveBackground && !bg.Empty() {
		path, err := security.ArtifactPath(j.OutputDir, j.VideoPath, "_background.png")
		if err == nil {
			err = background.Save(path, bg)
		}
		if err != nil {
			return finish(StatusFailed, fmt.Errorf("saving background: %w", err))
		}
		out.BackgroundPath = path
	}

	tracker, err := track.NewTracker(j.Params, bg)
	if err != nil {
		return finish(StatusFailed, err)
	}
	defer tracker.Close()

	var (
		writer    video.Writer
		annotator *track.Annotator
	)
	if j.Annotate {
		out.AnnotatedPath, err = security.ArtifactPath(j.OutputDir, j.VideoPath, "_annotated.avi")
		if err != nil {
			return finish(StatusFailed, err)
		}
		writer, err = newWriter(out.AnnotatedPath, desc.FPS, desc.Width, desc.Height)
		if err != nil {
			out.AnnotatedPath = ""
			return finish(StatusFailed, err)
		}
		annotator = track.NewAnnotator(j.Params, j.Colors)
	}
	discardAnnotated := func() {
		if writer == nil {
			return
		}
		writer.Close()
		writer = nil
		if err := r.fsys.Remove(out.AnnotatedPath); err != nil {
			logf("removing partial %s: %v", out.AnnotatedPath, err)
		}
		out.AnnotatedPath = ""
	}

	series, err := r.sweep(ctx, src, j, p, tracker, annotator, writer, &out, base+p.bgUnits, emit)
	if err != nil {
		discardAnnotated()
		return abort(err)
	}
	out.Stats = tracker.Stats()
	if n := tracker.SuppressedFailures(); n > 0 {
		logf("job %s: %d further geometry failure(s) not logged", j.ID, n)
	}

	if writer != nil {
		if err := writer.Close(); err != nil {
			writer = nil
			discardAnnotated()
			return finish(StatusFailed, fmt.Errorf("closing annotated video: %w", err))
		}
		writer = nil
	}

	emit(Event{Phase: PhaseSaving, Frame: p.start + p.frames - 1, Label: "saving results", Done: base + p.units()})
	var colors *track.DrawColors
	if j.Annotate {
		c := j.Colors
		colors = &c
	}
	session := results.NewSession(j.ID, desc, p.start, j.Params, colors, series, clock.Now())
	out.Summary = &session.Summary
	path, err := security.ArtifactPath(j.OutputDir, j.VideoPath, results.Extension)
	if err != nil {
		return finish(StatusFailed, err)
	}
	if err := results.Save(r.fsys, path, session); err != nil {
		return finish(StatusFailed, err)
	}
	out.ResultsPath = path
	logf("job %s done: %d frames (%d tracked, %d cached, %d untracked, %d failed)",
		j.ID, out.FramesProcessed, out.Stats.Tracked, out.Stats.Cached, out.Stats.Untracked, out.Stats.Failed)
	return finish(StatusCompleted, nil)
}

// background resolves the job's background: an explicit image, then the
// cache, then estimation. The returned Mat is empty when the mode needs
// none. from names the source for the outcome.
func (r *Runner) background(ctx context.Context, src video.Source, desc video.Descriptor, j Job, p plan,
	base int, cache BackgroundCache, clock timeutil.Clock, emit func(Event)) (gocv.Mat, string, error) {
	if j.BackgroundImage != "" {
		bg, err := background.Load(j.BackgroundImage, desc)
		return bg, "image", err
	}
	if !j.Params.NeedsBackground() {
		return gocv.NewMat(), "", nil
	}

	variant := j.Background.Variant()
	if cache != nil && !j.RecomputeBackground {
		if cached, err := cache.GetBackground(desc.Path, variant); err == nil {
			if cached.Width == desc.Width && cached.Height == desc.Height {
				bg, err := background.FromBytes(cached.Width, cached.Height, cached.Pixels)
				if err == nil {
					logf("job %s: reusing cached %s background", j.ID, variant)
					emit(Event{Phase: PhaseBackground, Label: "background cached", Done: base + p.bgUnits})
					return bg, "cache", nil
				}
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			logf("job %s: background cache lookup failed: %v", j.ID, err)
		}
	}

	weight := p.bgUnits
	bg, err := background.Estimate(ctx, src, j.Background, func(done, total int) {
		if total <= 0 {
			return
		}
		frame := (done - 1) % max(desc.FrameCount, 1)
		emit(Event{
			Phase: PhaseBackground,
			Frame: frame,
			Label: "computing background",
			Done:  base + weight*done/total,
		})
	})
	if err != nil {
		return gocv.NewMat(), "", err
	}
	if cache != nil {
		if err := cache.PutBackground(store.Background{
			VideoPath: desc.Path, Variant: variant, Width: bg.Cols(), Height: bg.Rows(),
			Pixels: bg.ToBytes(), CreatedAt: clock.Now(),
		}); err != nil {
			logf("job %s: caching background: %v", j.ID, err)
		}
	}
	return bg, "estimated", nil
}

// sweep tracks the planned frame range. Cancellation is checked between
// frames; on cancel the partial series is dropped by the caller.
func (r *Runner) sweep(ctx context.Context, src video.Source, j Job, p plan, tracker *track.Tracker,
	annotator *track.Annotator, writer video.Writer, out *Outcome, base int, emit func(Event)) (results.Series, error) {
	var series results.Series
	if p.frames == 0 {
		return series, nil
	}
	if err := src.Seek(p.start); err != nil {
		return series, err
	}
	frame := gocv.NewMat()
	defer frame.Close()

	for k := 0; k < p.frames; k++ {
		if err := ctx.Err(); err != nil {
			return series, err
		}
		if err := src.Read(&frame); err != nil {
			return series, err
		}
		pose, state, err := tracker.Process(frame)
		if err != nil {
			return series, fmt.Errorf("frame %d: %w", p.start+k, err)
		}
		series.Append(pose, state)
		out.FramesProcessed++
		if writer != nil {
			annotator.Draw(&frame, pose)
			if err := writer.Write(frame); err != nil {
				return series, fmt.Errorf("writing annotated frame %d: %w", p.start+k, err)
			}
		}
		emit(Event{Phase: PhaseTracking, Frame: p.start + k, Label: state.String(), Done: base + k + 1})
	}
	return series, nil
}

func runSummary(s results.Summary) *store.RunSummary {
	return &store.RunSummary{
		Tracked:         s.Tracked,
		Cached:          s.Cached,
		Untracked:       s.Untracked,
		Failed:          s.Failed,
		LocatedFraction: s.LocatedFraction,
		MeanHeading:     s.MeanHeading,
		TailLengthMean:  s.TailLengthMean,
		TailLengthStd:   s.TailLengthStd,
	}
}
