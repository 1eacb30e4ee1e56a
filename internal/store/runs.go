package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// RunSummary mirrors the session summary columns. NaN means undefined and
// is stored as NULL.
type RunSummary struct {
	Tracked         int     `json:"tracked"`
	Cached          int     `json:"cached"`
	Untracked       int     `json:"untracked"`
	Failed          int     `json:"failed"`
	LocatedFraction float64 `json:"located_fraction"`
	MeanHeading     float64 `json:"mean_heading"`
	TailLengthMean  float64 `json:"tail_length_mean"`
	TailLengthStd   float64 `json:"tail_length_std"`
}

// Run is one registry row.
type Run struct {
	JobID           string      `json:"job_id"`
	BatchID         string      `json:"batch_id,omitempty"`
	VideoPath       string      `json:"video_path"`
	Status          string      `json:"status"`
	FramesPlanned   int         `json:"frames_planned"`
	FramesProcessed int         `json:"frames_processed"`
	Summary         *RunSummary `json:"summary,omitempty"`
	ResultsPath     string      `json:"results_path,omitempty"`
	Error           string      `json:"error,omitempty"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
}

// Finish carries the terminal fields of a run.
type Finish struct {
	Status          string
	FramesProcessed int
	Summary         *RunSummary
	ResultsPath     string
	Error           string
	CompletedAt     time.Time
}

// InsertRun records a run that has just been planned or started.
func (s *Store) InsertRun(r Run) error {
	query := `
		INSERT INTO runs (job_id, batch_id, video_path, status, frames_planned, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(query,
			r.JobID,
			nullStr(r.BatchID),
			r.VideoPath,
			r.Status,
			r.FramesPlanned,
			formatTime(r.StartedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", r.JobID, err)
	}
	return nil
}

// FinishRun stores the outcome of a run.
func (s *Store) FinishRun(jobID string, f Finish) error {
	query := `
		UPDATE runs
		SET status = ?, frames_processed = ?, results_path = ?, error = ?, completed_at = ?,
		    tracked_frames = ?, cached_frames = ?, untracked_frames = ?, failed_frames = ?,
		    located_fraction = ?, mean_heading = ?, tail_length_mean = ?, tail_length_std = ?
		WHERE job_id = ?
	`
	var tracked, cached, untracked, failed *int
	var located, heading, tailMean, tailStd *float64
	if sum := f.Summary; sum != nil {
		tracked, cached, untracked, failed = &sum.Tracked, &sum.Cached, &sum.Untracked, &sum.Failed
		located = nullFloat(sum.LocatedFraction)
		heading = nullFloat(sum.MeanHeading)
		tailMean = nullFloat(sum.TailLengthMean)
		tailStd = nullFloat(sum.TailLengthStd)
	}
	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(query,
			f.Status,
			f.FramesProcessed,
			nullStr(f.ResultsPath),
			nullStr(f.Error),
			formatTime(f.CompletedAt),
			tracked, cached, untracked, failed,
			located, heading, tailMean, tailStd,
			jobID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finishing run %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finishing run %s: %w", jobID, ErrNotFound)
	}
	return nil
}

const runColumns = `
	job_id, batch_id, video_path, status, frames_planned, frames_processed,
	tracked_frames, cached_frames, untracked_frames, failed_frames,
	located_fraction, mean_heading, tail_length_mean, tail_length_std,
	results_path, error, started_at, completed_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r                                   Run
		batch, results, errMsg, completed   sql.NullString
		tracked, cached, untracked, failed  sql.NullInt64
		located, heading, tailMean, tailStd sql.NullFloat64
		started                             string
	)
	if err := row.Scan(&r.JobID, &batch, &r.VideoPath, &r.Status, &r.FramesPlanned, &r.FramesProcessed,
		&tracked, &cached, &untracked, &failed,
		&located, &heading, &tailMean, &tailStd,
		&results, &errMsg, &started, &completed); err != nil {
		return Run{}, err
	}
	r.BatchID = batch.String
	r.ResultsPath = results.String
	r.Error = errMsg.String
	t, err := parseTime(started)
	if err != nil {
		return Run{}, fmt.Errorf("parsing started_at %q: %w", started, err)
	}
	r.StartedAt = t
	if completed.Valid {
		t, err := parseTime(completed.String)
		if err != nil {
			return Run{}, fmt.Errorf("parsing completed_at %q: %w", completed.String, err)
		}
		r.CompletedAt = &t
	}
	if tracked.Valid {
		r.Summary = &RunSummary{
			Tracked:         int(tracked.Int64),
			Cached:          int(cached.Int64),
			Untracked:       int(untracked.Int64),
			Failed:          int(failed.Int64),
			LocatedFraction: floatOrNaN(located),
			MeanHeading:     floatOrNaN(heading),
			TailLengthMean:  floatOrNaN(tailMean),
			TailLengthStd:   floatOrNaN(tailStd),
		}
	}
	return r, nil
}

// GetRun returns one run by job ID.
func (s *Store) GetRun(jobID string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE job_id = ?`, jobID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", jobID, err)
	}
	return &r, nil
}

// ListRuns returns runs newest first. An empty batchID lists every batch;
// limit <= 0 means no limit.
func (s *Store) ListRuns(batchID string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if batchID != "" {
		query += ` WHERE batch_id = ?`
		args = append(args, batchID)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
