package store

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"
)

// Background is a cached 8-bit single-channel raster in row-major order.
type Background struct {
	VideoPath string
	Variant   string
	Width     int
	Height    int
	Pixels    []byte
	CreatedAt time.Time
}

// PutBackground stores (or replaces) a computed background.
func (s *Store) PutBackground(bg Background) error {
	if len(bg.Pixels) != bg.Width*bg.Height {
		return fmt.Errorf("background %s: %d bytes for %dx%d", bg.VideoPath, len(bg.Pixels), bg.Width, bg.Height)
	}
	blob, err := compress(bg.Pixels)
	if err != nil {
		return fmt.Errorf("compressing background %s: %w", bg.VideoPath, err)
	}
	query := `
		INSERT INTO backgrounds (video_path, variant, width, height, pixels, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (video_path, variant) DO UPDATE SET
			width = excluded.width, height = excluded.height,
			pixels = excluded.pixels, created_at = excluded.created_at
	`
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(query, bg.VideoPath, bg.Variant, bg.Width, bg.Height, blob, formatTime(bg.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("storing background %s (%s): %w", bg.VideoPath, bg.Variant, err)
	}
	logf("cached background %s (%s), %d -> %d bytes", bg.VideoPath, bg.Variant, len(bg.Pixels), len(blob))
	return nil
}

// GetBackground loads a cached background; ErrNotFound if absent.
func (s *Store) GetBackground(videoPath, variant string) (*Background, error) {
	var (
		bg      = Background{VideoPath: videoPath, Variant: variant}
		blob    []byte
		created string
	)
	err := s.db.QueryRow(`
		SELECT width, height, pixels, created_at FROM backgrounds
		WHERE video_path = ? AND variant = ?
	`, videoPath, variant).Scan(&bg.Width, &bg.Height, &blob, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("background %s (%s): %w", videoPath, variant, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading background %s: %w", videoPath, err)
	}
	if bg.Pixels, err = decompress(blob); err != nil {
		return nil, fmt.Errorf("decompressing background %s: %w", videoPath, err)
	}
	if len(bg.Pixels) != bg.Width*bg.Height {
		return nil, fmt.Errorf("background %s: stored %d bytes for %dx%d", videoPath, len(bg.Pixels), bg.Width, bg.Height)
	}
	if bg.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at %q: %w", created, err)
	}
	return &bg, nil
}

// DeleteBackgrounds drops every cached background for a video.
func (s *Store) DeleteBackgrounds(videoPath string) (int64, error) {
	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`DELETE FROM backgrounds WHERE video_path = ?`, videoPath)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deleting backgrounds for %s: %w", videoPath, err)
	}
	return res.RowsAffected()
}

func compress(pix []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(pix); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]byte, error) {
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}
