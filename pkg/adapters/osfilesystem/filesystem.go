// Package osfilesystem provides a filesystem implementation using the os package.
package osfilesystem

import (
	"io"
	"os"
	"path/filepath"

	"github.com/user/h264pipe/pkg/ports"
)

// FileSystem implements ports.FileSystem using the os package.
type FileSystem struct{}

// New creates a new FileSystem.
func New() *FileSystem {
	return &FileSystem{}
}

// ReadFile reads the entire contents of a file.
func (fs *FileSystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile writes data to a file, creating it and its parent directories if necessary.
func (fs *FileSystem) WriteFile(path string, data []byte) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Open opens a file for sequential reading.
func (fs *FileSystem) Open(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Create creates or truncates a file for sequential writing.
// Parent directories are created as needed.
func (fs *FileSystem) Create(path string) (io.WriteCloser, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	return os.Create(path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

// Exists checks if a file or directory exists.
func (fs *FileSystem) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Remove deletes a file or empty directory.
func (fs *FileSystem) Remove(path string) error {
	return os.Remove(path)
}

// Ensure FileSystem implements ports.FileSystem
var _ ports.FileSystem = (*FileSystem)(nil)
