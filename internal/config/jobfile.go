// Package config loads batch job files. A job file holds shared defaults
// and a list of videos, each of which may override any default.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/track"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// JobFile is the root of a job file.
type JobFile struct {
	OutputDir string         `json:"output_dir,omitempty" yaml:"output_dir,omitempty"`
	Registry  string         `json:"registry,omitempty" yaml:"registry,omitempty"`
	Defaults  TrackingConfig `json:"defaults" yaml:"defaults"`
	Jobs      []JobEntry     `json:"jobs" yaml:"jobs"`

	// baseDir resolves relative paths; set by LoadJobFile.
	baseDir string
}

// JobEntry is one video plus its overrides.
type JobEntry struct {
	Video           string `json:"video" yaml:"video"`
	BackgroundImage string `json:"background_image,omitempty" yaml:"background_image,omitempty"`
	TrackingConfig  `yaml:",inline"`
}

// LoadJobFile reads a .json, .yaml or .yml job file and validates it.
// Relative paths inside the file are resolved against its directory.
func LoadJobFile(path string) (*JobFile, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("job file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat job file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("job file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}

	jf, err := ParseJobFile(data, ext)
	if err != nil {
		return nil, err
	}
	jf.baseDir = filepath.Dir(cleanPath)
	return jf, nil
}

// ParseJobFile decodes data in the format named by ext and validates it.
// Unknown keys are rejected so typos do not silently fall back to defaults.
func ParseJobFile(data []byte, ext string) (*JobFile, error) {
	jf := &JobFile{}
	switch strings.ToLower(ext) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(jf); err != nil {
			return nil, fmt.Errorf("failed to parse job file JSON: %w", err)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(jf); err != nil {
			return nil, fmt.Errorf("failed to parse job file YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported job file format %q", ext)
	}
	if err := jf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid job file: %w", err)
	}
	return jf, nil
}

// Validate checks the defaults and every job after merging.
func (f *JobFile) Validate() error {
	if len(f.Jobs) == 0 {
		return fmt.Errorf("no jobs listed")
	}
	if err := f.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}
	for i, j := range f.Jobs {
		if strings.TrimSpace(j.Video) == "" {
			return fmt.Errorf("job %d: video is required", i)
		}
		if err := j.TrackingConfig.Merge(f.Defaults).Validate(); err != nil {
			return fmt.Errorf("job %d (%s): %w", i, j.Video, err)
		}
	}
	return nil
}

// ResolvedJob is a fully defaulted and validated job description.
type ResolvedJob struct {
	Video               string
	BackgroundImage     string
	OutputDir           string
	Params              track.Params
	Background          background.Options
	Annotate            bool
	Colors              track.DrawColors
	SaveBackground      bool
	RecomputeBackground bool
}

// Resolve merges every job with the defaults.
func (f *JobFile) Resolve() ([]ResolvedJob, error) {
	out := make([]ResolvedJob, 0, len(f.Jobs))
	outDir := f.path(f.OutputDir)
	if outDir == "" {
		outDir = f.path(".")
	}
	for i, j := range f.Jobs {
		cfg := j.TrackingConfig.Merge(f.Defaults)
		params, err := cfg.Params()
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, j.Video, err)
		}
		opts, err := cfg.BackgroundOptions()
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, j.Video, err)
		}
		colors, err := cfg.DrawColors()
		if err != nil {
			return nil, fmt.Errorf("job %d (%s): %w", i, j.Video, err)
		}
		out = append(out, ResolvedJob{
			Video:               f.path(j.Video),
			BackgroundImage:     f.path(j.BackgroundImage),
			OutputDir:           outDir,
			Params:              params,
			Background:          opts,
			Annotate:            cfg.GetAnnotate(),
			Colors:              colors,
			SaveBackground:      cfg.GetSaveBackground(),
			RecomputeBackground: cfg.GetRecomputeBackground(),
		})
	}
	return out, nil
}

// RegistryPath returns the registry database path, resolved like other
// paths, or "" when none is configured.
func (f *JobFile) RegistryPath() string {
	return f.path(f.Registry)
}

func (f *JobFile) path(p string) string {
	if p == "" || filepath.IsAbs(p) || f.baseDir == "" {
		return p
	}
	return filepath.Join(f.baseDir, p)
}

// degrees converts for the tail half-range, which files express in degrees.
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

func radians(deg float64) float64 { return deg * math.Pi / 180 }
