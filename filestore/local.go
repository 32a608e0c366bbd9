package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores files in a directory on disk. References are file paths.
type Local struct {
	dir string
}

func NewLocal(dir string) *Local {
	if dir == "" {
		dir = "./uploads"
	}
	return &Local{dir: dir}
}

func (l *Local) Store(_ context.Context, data []byte, originalName string) (string, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(l.dir, objectName(originalName))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

func (l *Local) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	path, err := l.resolve(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the file. A file that is already gone is not an error.
func (l *Local) Delete(_ context.Context, ref string) error {
	path, err := l.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// resolve rejects references that point outside the upload directory.
func (l *Local) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrNotFound
	}
	dir, err := filepath.Abs(l.dir)
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(ref)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("reference %q is outside the upload dir", ref)
	}
	return path, nil
}
