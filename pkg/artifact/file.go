package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
)

// FileSource reads file:// locations and bare paths from the local disk.
// Relative paths resolve against BaseDir.
type FileSource struct {
	BaseDir string
	MaxSize int64
}

// NewFileSource creates a file source rooted at baseDir.
func NewFileSource(baseDir string) *FileSource {
	return &FileSource{BaseDir: baseDir, MaxSize: DefaultMaxSize}
}

// Path converts a file location to a local path.
func (s *FileSource) Path(location string) (string, error) {
	p := location
	if u, err := url.Parse(location); err == nil && u.Scheme == "file" {
		p = u.Path
		if p == "" {
			p = u.Opaque
		}
	}
	if p == "" {
		return "", fmt.Errorf("empty file location %q", location)
	}
	if !filepath.IsAbs(p) && s.BaseDir != "" {
		p = filepath.Join(s.BaseDir, p)
	}
	return filepath.Clean(p), nil
}

// Fetch reads the file at location.
func (s *FileSource) Fetch(ctx context.Context, location string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p, err := s.Path(location)
	if err != nil {
		return nil, &SourceError{Op: "fetch", Location: location, Err: err}
	}

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &SourceError{Op: "fetch", Location: location, Err: ErrNotFound}
		}
		return nil, &SourceError{Op: "fetch", Location: location, Err: err}
	}
	defer f.Close()

	data, err := readLimited(f, s.MaxSize)
	if err != nil {
		return nil, &SourceError{Op: "read", Location: location, Err: err}
	}
	return data, nil
}
