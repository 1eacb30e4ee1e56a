package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/track"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadExampleJobFile(t *testing.T) {
	jf, err := LoadJobFile("../../config/jobs.example.yaml")
	require.NoError(t, err)
	jobs, err := jf.Resolve()
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, filepath.Join("../../config", "../videos/fish_01.avi"), jobs[0].Video)
	assert.Equal(t, filepath.Join("../../config", "../runs"), jobs[0].OutputDir)

	assert.Equal(t, track.FreeSwimming, jobs[0].Params.Mode)
	assert.Equal(t, track.AllFrames, jobs[0].Params.NFrames)
	assert.InDelta(t, math.Pi/3, jobs[0].Params.TailSearchHalfRange, 1e-12)
	assert.True(t, jobs[0].Annotate)
	assert.Equal(t, track.Color{R: 0xff, G: 0x40, B: 0x40}, jobs[0].Colors.FirstEye)
	assert.Equal(t, track.DefaultColors().Tail, jobs[0].Colors.Tail)

	assert.Equal(t, 200, jobs[1].Params.StartingFrame)
	assert.Equal(t, 1000, jobs[1].Params.NFrames)
	assert.True(t, jobs[1].Params.ExtendedEyes)
	assert.Equal(t, 7, jobs[1].Params.TailPoints, "inherited from defaults")

	assert.Equal(t, track.HeadFixed, jobs[2].Params.Mode)
	assert.Equal(t, track.Darkest, jobs[2].Params.InitialPixelSearch)
	assert.Equal(t, filepath.Join("../../config", "../videos/headfixed_01_background.png"), jobs[2].BackgroundImage)
	assert.Equal(t, filepath.Join("../../config", "../runs/registry.db"), jf.RegistryPath())
}

func TestLoadJSONJobFile(t *testing.T) {
	path := writeFile(t, "jobs.json", `{
		"output_dir": "/out",
		"defaults": {"tail_points": 3, "frames_to_skip": 2, "background_method": "brightest"},
		"jobs": [
			{"video": "/v/a.avi"},
			{"video": "b.avi", "frames_to_skip": "4", "background_chunk": "32x16", "background_method": "mode"}
		]
	}`)
	jf, err := LoadJobFile(path)
	require.NoError(t, err)
	jobs, err := jf.Resolve()
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, "/v/a.avi", jobs[0].Video)
	assert.Equal(t, "/out", jobs[0].OutputDir)
	assert.Equal(t, 3, jobs[0].Params.TailPoints)
	assert.Equal(t, background.Options{Method: background.Brightest, Chunk: background.DefaultChunk, FramesToSkip: 2}, jobs[0].Background)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "b.avi"), jobs[1].Video)
	assert.Equal(t, background.Options{Method: background.Mode, Chunk: background.Chunk{Width: 32, Height: 16}, FramesToSkip: 4}, jobs[1].Background)
}

func TestDefaultsApplyWhenEmpty(t *testing.T) {
	jf, err := ParseJobFile([]byte("jobs:\n  - video: a.avi\n"), ".yaml")
	require.NoError(t, err)
	jobs, err := jf.Resolve()
	require.NoError(t, err)
	assert.Equal(t, track.DefaultParams(), jobs[0].Params)
	assert.Equal(t, background.DefaultOptions(), jobs[0].Background)
	assert.False(t, jobs[0].Annotate)
	assert.False(t, jobs[0].SaveBackground)
	assert.Equal(t, ".", jobs[0].OutputDir)
}

func TestJobFileRejections(t *testing.T) {
	tests := []struct {
		name, ext, body string
	}{
		{"no jobs", ".yaml", "defaults: {}\n"},
		{"missing video", ".yaml", "jobs:\n  - tail_points: 3\n"},
		{"bad method", ".yaml", "defaults:\n  background_method: median\njobs:\n  - video: a.avi\n"},
		{"bad chunk", ".yaml", "jobs:\n  - video: a.avi\n    background_chunk: big\n"},
		{"non-integer skip", ".yaml", "jobs:\n  - video: a.avi\n    frames_to_skip: 2.5\n"},
		{"negative skip", ".json", `{"jobs":[{"video":"a.avi","frames_to_skip":-1}]}`},
		{"tail too long", ".json", `{"jobs":[{"video":"a.avi","tail_points":16}]}`},
		{"unknown key", ".yaml", "jobs:\n  - video: a.avi\n    tail_pionts: 3\n"},
		{"unknown json key", ".json", `{"jobs":[{"video":"a.avi","bogus":1}]}`},
		{"bad color", ".yaml", "defaults:\n  colors:\n    tail: green\njobs:\n  - video: a.avi\n"},
		{"bad mode", ".json", `{"jobs":[{"video":"a.avi","mode":"swimming"}]}`},
		{"bad format", ".toml", "jobs = []"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJobFile([]byte(tt.body), tt.ext)
			assert.Error(t, err)
		})
	}
}

func TestLoadJobFileChecks(t *testing.T) {
	_, err := LoadJobFile(writeFile(t, "jobs.txt", "jobs: []"))
	assert.Error(t, err)

	_, err = LoadJobFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	big := make([]byte, maxFileSize+1)
	for i := range big {
		big[i] = '#'
	}
	_, err = LoadJobFile(writeFile(t, "big.yaml", string(big)))
	assert.ErrorContains(t, err, "too large")
}

func TestMergeOverridesOnlySetFields(t *testing.T) {
	three, five := 3, 5
	first, tail := "#010203", "#0a0b0c"
	base := TrackingConfig{TailPoints: &three, Colors: &ColorsConfig{FirstEye: &first}}
	over := TrackingConfig{MedianBlur: &five, Colors: &ColorsConfig{Tail: &tail}}
	m := over.Merge(base)
	require.NotNil(t, m.TailPoints)
	assert.Equal(t, 3, *m.TailPoints)
	assert.Equal(t, 5, *m.MedianBlur)
	assert.Equal(t, "#010203", *m.Colors.FirstEye)
	assert.Equal(t, "#0a0b0c", *m.Colors.Tail)
	assert.Nil(t, m.Mode)
}

func TestFromParamsRoundTrip(t *testing.T) {
	p := track.DefaultParams()
	p.Mode = track.HeadFixed
	p.TailPoints = 11
	opts := background.Options{Method: background.Darkest, Chunk: background.Chunk{Width: 8, Height: 8}, FramesToSkip: 3}

	cfg := FromParams(p, opts)
	gotP, err := cfg.Params()
	require.NoError(t, err)
	assert.Equal(t, p.TailPoints, gotP.TailPoints)
	assert.Equal(t, p.Mode, gotP.Mode)
	assert.InDelta(t, p.TailSearchHalfRange, gotP.TailSearchHalfRange, 1e-12)

	gotOpts, err := cfg.BackgroundOptions()
	require.NoError(t, err)
	assert.Equal(t, opts, gotOpts)
}
