package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/tailtrack/internal/config"
	"github.com/banshee-data/tailtrack/internal/fsutil"
	"github.com/banshee-data/tailtrack/internal/job"
	"github.com/banshee-data/tailtrack/internal/monitoring"
	"github.com/banshee-data/tailtrack/internal/store"
	"github.com/banshee-data/tailtrack/internal/video"
)

// trackingFlags registers the per-video overrides shared by track and
// background. Only flags set on the command line end up in the config.
type trackingFlags struct {
	fs *flag.FlagSet

	mode, search, method, chunk, skip              string
	tailPoints, start, frames, blur                int
	tailDistance, eyeDistance, bladderDistance     float64
	pixelThreshold, changeThreshold, eyesThreshold float64
	halfRangeDeg                                   float64
	extendedEyes, invert                           bool
}

func newTrackingFlags(fs *flag.FlagSet) *trackingFlags {
	f := &trackingFlags{fs: fs}
	fs.StringVar(&f.mode, "mode", "free_swimming", "free_swimming or head_fixed")
	fs.StringVar(&f.search, "initial-pixel-search", "brightest", "brightest or darkest")
	fs.StringVar(&f.method, "background-method", "mode", "brightest, darkest or mode")
	fs.StringVar(&f.chunk, "background-chunk", "100x100", "mode tile size, WxH")
	fs.StringVar(&f.skip, "frames-to-skip", "0", "frames skipped between background samples")
	fs.IntVar(&f.tailPoints, "tail-points", 7, "tail points after the swim bladder")
	fs.IntVar(&f.start, "start", 0, "first frame to track")
	fs.IntVar(&f.frames, "frames", -1, "number of frames to track (-1 for all)")
	fs.IntVar(&f.blur, "median-blur", 3, "median blur aperture (odd, 1 disables)")
	fs.Float64Var(&f.tailDistance, "tail-point-distance", 5, "pixels between tail points")
	fs.Float64Var(&f.eyeDistance, "inter-eye-distance", 4, "pixels between the eyes")
	fs.Float64Var(&f.bladderDistance, "eye-to-swim-bladder-distance", 12, "pixels from eyes to swim bladder")
	fs.Float64Var(&f.pixelThreshold, "pixel-threshold", 40, "minimum subject intensity")
	fs.Float64Var(&f.changeThreshold, "frame-change-threshold", 10, "per-pixel change that forces re-tracking")
	fs.Float64Var(&f.eyesThreshold, "eyes-threshold", 100, "eye region threshold (extended eyes)")
	fs.Float64Var(&f.halfRangeDeg, "tail-search-half-range", 60, "tail search half range in degrees")
	fs.BoolVar(&f.extendedEyes, "extended-eyes", false, "refine eyes with contour ellipses")
	fs.BoolVar(&f.invert, "invert-threshold", false, "invert the eye threshold")
	return f
}

// config returns a TrackingConfig holding only the flags that were set.
func (f *trackingFlags) config() config.TrackingConfig {
	var c config.TrackingConfig
	f.fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "mode":
			c.Mode = &f.mode
		case "initial-pixel-search":
			c.InitialPixelSearch = &f.search
		case "background-method":
			c.BackgroundMethod = &f.method
		case "background-chunk":
			c.BackgroundChunk = &f.chunk
		case "frames-to-skip":
			n := config.TextNumber(f.skip)
			c.FramesToSkip = &n
		case "tail-points":
			c.TailPoints = &f.tailPoints
		case "start":
			c.StartingFrame = &f.start
		case "frames":
			c.NFrames = &f.frames
		case "median-blur":
			c.MedianBlur = &f.blur
		case "tail-point-distance":
			c.TailPointDistance = &f.tailDistance
		case "inter-eye-distance":
			c.InterEyeDistance = &f.eyeDistance
		case "eye-to-swim-bladder-distance":
			c.EyeToSwimBladderDistance = &f.bladderDistance
		case "pixel-threshold":
			c.PixelThreshold = &f.pixelThreshold
		case "frame-change-threshold":
			c.FrameChangeThreshold = &f.changeThreshold
		case "eyes-threshold":
			c.EyesThreshold = &f.eyesThreshold
		case "tail-search-half-range":
			c.TailSearchHalfRangeDeg = &f.halfRangeDeg
		case "extended-eyes":
			c.ExtendedEyes = &f.extendedEyes
		case "invert-threshold":
			c.InvertThreshold = &f.invert
		}
	})
	return c
}

func handleTrack(args []string) error {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	tf := newTrackingFlags(fs)
	out := fs.String("out", ".", "output directory")
	registry := fs.String("registry", "", "sqlite run registry (optional)")
	bgImage := fs.String("background", "", "precomputed background image")
	annotate := fs.Bool("annotate", false, "write an annotated video")
	saveBg := fs.Bool("save-background", false, "write the background as PNG")
	recompute := fs.Bool("recompute-background", false, "ignore cached backgrounds")
	quiet := fs.Bool("quiet", false, "suppress engine logs")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected exactly one video path")
	}

	cfg := tf.config()
	cfg.Annotate = annotate
	cfg.SaveBackground = saveBg
	cfg.RecomputeBackground = recompute
	file := &config.JobFile{
		OutputDir: *out,
		Registry:  *registry,
		Jobs:      []config.JobEntry{{Video: fs.Arg(0), BackgroundImage: *bgImage, TrackingConfig: cfg}},
	}
	if err := file.Validate(); err != nil {
		return err
	}
	return runJobFile(file, *quiet)
}

func handleBatch(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	quiet := fs.Bool("quiet", false, "suppress engine logs")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("expected a job file")
	}
	file, err := config.LoadJobFile(fs.Arg(0))
	if err != nil {
		return err
	}
	return runJobFile(file, *quiet)
}

func toJobs(resolved []config.ResolvedJob) []job.Job {
	jobs := make([]job.Job, 0, len(resolved))
	for _, r := range resolved {
		j := job.New(r.Video, r.Params, r.OutputDir)
		j.BackgroundImage = r.BackgroundImage
		j.Background = r.Background
		j.Annotate = r.Annotate
		j.Colors = r.Colors
		j.SaveBackground = r.SaveBackground
		j.RecomputeBackground = r.RecomputeBackground
		jobs = append(jobs, j)
	}
	return jobs
}

func runJobFile(file *config.JobFile, quiet bool) error {
	resolved, err := file.Resolve()
	if err != nil {
		return err
	}
	if quiet {
		monitoring.SetLogger(nil)
	}

	runner := job.NewRunner(video.OpenFile, fsutil.OSFileSystem{})
	if path := file.RegistryPath(); path != "" {
		reg, err := store.Open(path)
		if err != nil {
			return err
		}
		defer reg.Close()
		runner.SetPersister(reg)
		runner.SetBackgroundCache(reg)
	}

	ctx, stop := signalContext()
	defer stop()

	jobs := toJobs(resolved)
	events, err := runner.Start(ctx, jobs)
	if err != nil {
		return err
	}
	printProgress(events, len(jobs))

	st := runner.State()
	failed := 0
	for _, o := range st.Outcomes {
		switch o.Status {
		case job.StatusCompleted:
			fmt.Printf("%s: %d frames -> %s\n", o.VideoPath, o.FramesProcessed, o.ResultsPath)
		default:
			fmt.Printf("%s: %s %s\n", o.VideoPath, o.Status, o.Error)
			if o.Status == job.StatusFailed {
				failed++
			}
		}
	}
	switch {
	case st.Status == job.StatusCancelled:
		return context.Canceled
	case failed > 0:
		return fmt.Errorf("%d of %d job(s) failed", failed, len(jobs))
	}
	return nil
}

// printProgress redraws one status line per whole percent.
func printProgress(events <-chan job.Event, total int) {
	last := -1
	for ev := range events {
		pct := int(ev.Fraction() * 100)
		if pct == last && !ev.Final {
			continue
		}
		last = pct
		fmt.Fprintf(os.Stderr, "\r[%d/%d] %-10s %3d%%", ev.JobIndex+1, total, ev.Phase, pct)
		if ev.Final {
			fmt.Fprintln(os.Stderr)
		}
	}
}
