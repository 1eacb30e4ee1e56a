package job

import (
	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/track"
	"github.com/banshee-data/tailtrack/internal/video"
)

// Background phase cost relative to one tracked frame, per sampled frame.
const (
	ModeWeight     = 5
	ExtremumWeight = 10
)

// FrameRange resolves the frames a job will track. A starting frame at or
// beyond the end restarts from 0 over the whole video; a count past the end
// or AllFrames is clamped to what remains.
func FrameRange(frameCount int, p track.Params) (start, count int) {
	if frameCount <= 0 {
		return 0, 0
	}
	start = p.StartingFrame
	if start < 0 || start >= frameCount {
		return 0, frameCount
	}
	remaining := frameCount - start
	count = p.NFrames
	if count == track.AllFrames || count > remaining || count < 0 {
		count = remaining
	}
	return start, count
}

// BackgroundUnits is the progress weight of estimating a background for a
// video of frameCount frames.
func BackgroundUnits(opts background.Options, frameCount int) int {
	factor := ExtremumWeight
	if opts.Method == background.Mode {
		factor = ModeWeight
	}
	return factor * opts.SampledFrames(frameCount)
}

// needsEstimate reports whether the job may have to compute a background.
// A cache hit found later simply credits these units at once.
func needsEstimate(j Job) bool {
	return j.BackgroundImage == "" && j.Params.NeedsBackground()
}

// plan is the upfront progress budget of one job.
type plan struct {
	desc       video.Descriptor
	start      int
	frames     int
	bgUnits    int
	openFailed error
}

func (p plan) units() int { return p.frames + p.bgUnits }

func planJob(open video.Opener, j Job) plan {
	src, err := open(j.VideoPath)
	if err != nil {
		return plan{openFailed: err}
	}
	defer src.Close()
	desc := src.Descriptor()
	p := plan{desc: desc}
	p.start, p.frames = FrameRange(desc.FrameCount, j.Params)
	if needsEstimate(j) {
		p.bgUnits = BackgroundUnits(j.Background, desc.FrameCount)
	}
	return p
}
