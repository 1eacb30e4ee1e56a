// Package job runs tracking jobs: background estimation followed by the
// frame sweep, one job at a time, with progress events and cooperative
// cancellation.
package job

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tailtrack/internal/background"
	"github.com/banshee-data/tailtrack/internal/results"
	"github.com/banshee-data/tailtrack/internal/store"
	"github.com/banshee-data/tailtrack/internal/track"
)

// Job binds one video to its parameters. It is a value: the runner copies
// it and never mutates the caller's copy.
type Job struct {
	ID        string
	VideoPath string
	// BackgroundImage is an optional precomputed background; when empty the
	// background is taken from the cache or estimated.
	BackgroundImage     string
	Params              track.Params
	Background          background.Options
	OutputDir           string
	Annotate            bool
	Colors              track.DrawColors
	SaveBackground      bool
	RecomputeBackground bool
}

// New returns a job with a fresh ID and default background options and
// colors.
func New(videoPath string, params track.Params, outputDir string) Job {
	return Job{
		ID:         uuid.NewString(),
		VideoPath:  videoPath,
		Params:     params,
		Background: background.DefaultOptions(),
		OutputDir:  outputDir,
		Colors:     track.DefaultColors(),
	}
}

// Status is the lifecycle state of a job or of the whole queue.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Phase labels progress events.
type Phase string

const (
	PhaseBackground Phase = "background"
	PhaseTracking   Phase = "tracking"
	PhaseSaving     Phase = "saving"
	PhaseFinished   Phase = "finished"
)

// Event is one progress notification. Frame is the absolute frame index
// being worked on; Done/Total are overall progress units across the queue.
// The last event on a channel has Final set.
type Event struct {
	JobID     string
	JobIndex  int
	Phase     Phase
	Frame     int
	Label     string
	Done      int
	Total     int
	Final     bool
	Cancelled bool
}

// Fraction is Done/Total, or 0 before anything is planned.
func (e Event) Fraction() float64 {
	if e.Total <= 0 {
		return 0
	}
	return float64(e.Done) / float64(e.Total)
}

// Outcome is the result of one job.
type Outcome struct {
	JobID           string           `json:"job_id"`
	VideoPath       string           `json:"video_path"`
	Status          Status           `json:"status"`
	StartFrame      int              `json:"start_frame"`
	FramesPlanned   int              `json:"frames_planned"`
	FramesProcessed int              `json:"frames_processed"`
	Stats           track.Stats      `json:"stats"`
	Summary         *results.Summary `json:"-"`
	ResultsPath     string           `json:"results_path,omitempty"`
	AnnotatedPath   string           `json:"annotated_path,omitempty"`
	BackgroundPath  string           `json:"background_path,omitempty"`
	BackgroundFrom  string           `json:"background_from,omitempty"`
	Error           string           `json:"error,omitempty"`
	Err             error            `json:"-"`
}

// State is a snapshot of the runner.
type State struct {
	Status      Status     `json:"status"`
	BatchID     string     `json:"batch_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CurrentJob  int        `json:"current_job"`
	TotalJobs   int        `json:"total_jobs"`
	DoneUnits   int        `json:"done_units"`
	TotalUnits  int        `json:"total_units"`
	Outcomes    []Outcome  `json:"outcomes"`
}

// Fraction is the overall progress in [0,1].
func (s State) Fraction() float64 {
	if s.TotalUnits <= 0 {
		return 0
	}
	return float64(s.DoneUnits) / float64(s.TotalUnits)
}

// Persister records runs; *store.Store satisfies it.
type Persister interface {
	InsertRun(r store.Run) error
	FinishRun(jobID string, f store.Finish) error
}

// BackgroundCache stores computed backgrounds; *store.Store satisfies it.
type BackgroundCache interface {
	GetBackground(videoPath, variant string) (*store.Background, error)
	PutBackground(bg store.Background) error
}

// ErrBusy is returned by Start while a queue is running.
var ErrBusy = errors.New("a job queue is already running")
