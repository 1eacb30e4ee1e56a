package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/store"
	"github.com/banshee-data/tailtrack/internal/video"
)

func handleBackground(args []string) error {
	fs := flag.NewFlagSet("background", flag.ExitOnError)
	method := fs.String("method", "mode", "brightest, darkest or mode")
	chunk := fs.String("chunk", "100x100", "mode tile size, WxH")
	skip := fs.String("frames-to-skip", "0", "frames skipped between samples")
	out := fs.String("o", "", "output PNG path")
	fs.Parse(args)
	if fs.NArg() != 1 || *out == "" {
		return errors.New("usage: tailtrack background -o <png> [flags] <video>")
	}

	opts := background.DefaultOptions()
	var err error
	if opts.Method, err = background.ParseMethod(*method); err != nil {
		return err
	}
	if opts.Chunk, err = background.ParseChunk(*chunk); err != nil {
		return err
	}
	if opts.FramesToSkip, err = background.ParseSkip(*skip); err != nil {
		return err
	}

	src, err := video.OpenFile(fs.Arg(0))
	if err != nil {
		return err
	}
	defer src.Close()

	ctx, stop := signalContext()
	defer stop()
	last := -1
	bg, err := background.Estimate(ctx, src, opts, func(done, total int) {
		if pct := done * 100 / total; pct != last {
			last = pct
			fmt.Fprintf(os.Stderr, "\rbackground %3d%%", pct)
		}
	})
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}
	defer bg.Close()
	return background.Save(*out, bg)
}

func handleRuns(args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	registry := fs.String("registry", "runs/registry.db", "sqlite run registry")
	batch := fs.String("batch", "", "only runs of this batch")
	limit := fs.Int("limit", 50, "maximum rows")
	asJSON := fs.Bool("json", false, "print JSON")
	fs.Parse(args)

	reg, err := store.Open(*registry)
	if err != nil {
		return err
	}
	defer reg.Close()

	runs, err := reg.ListRuns(*batch, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(jsonRuns(runs))
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tSTATUS\tFRAMES\tLOCATED\tSTARTED\tVIDEO")
	for _, r := range runs {
		located := "-"
		if r.Summary != nil && !math.IsNaN(r.Summary.LocatedFraction) {
			located = fmt.Sprintf("%.1f%%", 100*r.Summary.LocatedFraction)
		}
		fmt.Fprintf(w, "%s\t%s\t%d/%d\t%s\t%s\t%s\n", r.JobID[:min(8, len(r.JobID))], r.Status,
			r.FramesProcessed, r.FramesPlanned, located, r.StartedAt.Local().Format(time.DateTime), r.VideoPath)
	}
	return w.Flush()
}

// jsonRuns replaces NaN summary fields, which encoding/json rejects.
func jsonRuns(runs []store.Run) []store.Run {
	out := make([]store.Run, len(runs))
	for i, r := range runs {
		if r.Summary != nil {
			s := *r.Summary
			for _, f := range []*float64{&s.LocatedFraction, &s.MeanHeading, &s.TailLengthMean, &s.TailLengthStd} {
				if math.IsNaN(*f) {
					*f = 0
				}
			}
			r.Summary = &s
		}
		out[i] = r
	}
	return out
}

func handleMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	registry := fs.String("registry", "runs/registry.db", "sqlite run registry")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("usage: tailtrack migrate [-registry path] up|down|status")
	}

	reg, err := store.OpenWithoutMigrations(*registry)
	if err != nil {
		return err
	}
	defer reg.Close()

	switch action := fs.Arg(0); action {
	case "up":
		err = reg.MigrateUp()
	case "down":
		err = reg.MigrateDown()
	case "status":
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
	if err != nil {
		return err
	}
	v, dirty, err := reg.MigrateVersion()
	if err != nil {
		return err
	}
	fmt.Printf("schema version %d (dirty=%t)\n", v, dirty)
	return nil
}
