package driver

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoder
	_ "image/png"  // register decoder
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Frame is one captured image.
type Frame struct {
	Seq   int
	Name  string
	Image image.Image
}

// FrameSource produces frames until it returns io.EOF.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
}

// DirSource replays the PNG and JPEG files of a directory in name order.
type DirSource struct {
	files    []string
	interval time.Duration
	next     int
	last     time.Time
}

// NewDirSource lists dir. interval paces the frames; 0 emits them as fast as
// they decode.
func NewDirSource(dir string, interval time.Duration) (*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("frame source: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("frame source: no png or jpeg files in %s", dir)
	}
	slices.Sort(files)
	return &DirSource{files: files, interval: interval}, nil
}

// Len returns the number of frames in the directory.
func (s *DirSource) Len() int { return len(s.files) }

// Next implements FrameSource.
func (s *DirSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.files) {
		return Frame{}, io.EOF
	}
	if s.interval > 0 && !s.last.IsZero() {
		if wait := s.interval - time.Since(s.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return Frame{}, ctx.Err()
			case <-timer.C:
			}
		}
	}
	s.last = time.Now()

	path := s.files[s.next]
	seq := s.next
	s.next++
	img, err := decodeFile(path)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Seq: seq, Name: filepath.Base(path), Image: img}, nil
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("frame source: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("frame source: decode %s: %w", path, err)
	}
	return img, nil
}
