// Package storage persists generated project files on the local filesystem.
// Layout: <root>/<projectID>/<fileName>. Every path is confined to its project
// directory; names that would escape it are rejected with domain.ErrInvalidPath.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// FS implements domain.FileStorage.
type FS struct {
	root string
}

// New creates the storage root if needed.
func New(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *FS) Root() string { return s.root }

// ProjectDir returns the directory holding a project's files.
func (s *FS) ProjectDir(projectID string) (string, error) {
	if projectID == "" || projectID == "." || projectID == ".." ||
		strings.ContainsAny(projectID, `/\`) {
		return "", fmt.Errorf("%w: project %q", domain.ErrInvalidPath, projectID)
	}
	return filepath.Join(s.root, projectID), nil
}

func (s *FS) path(projectID, fileName string) (string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return "", err
	}
	if fileName == "" || filepath.IsAbs(fileName) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPath, fileName)
	}
	p := filepath.Join(dir, filepath.FromSlash(fileName))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes project %s", domain.ErrInvalidPath, fileName, projectID)
	}
	return p, nil
}

// WriteFile writes content atomically via a temp file and rename.
func (s *FS) WriteFile(ctx context.Context, projectID, fileName string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(projectID, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create dir for %s: %w", fileName, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", fileName, err)
	}
	return nil
}

// ReadFile returns domain.ErrFileNotFound for missing files.
func (s *FS) ReadFile(ctx context.Context, projectID, fileName string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(projectID, fileName)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrFileNotFound, projectID, fileName)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fileName, err)
	}
	return data, nil
}

// ListFiles returns the slash-separated relative names of a project's files.
func (s *FS) ListFiles(ctx context.Context, projectID string) ([]string, error) {
	dir, err := s.ProjectDir(projectID)
	if err != nil {
		return nil, err
	}
	var names []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return fs.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	return names, err
}
