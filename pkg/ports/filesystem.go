package ports

import "io"

// FileSystem abstracts file system operations.
type FileSystem interface {
	// ReadFile reads the entire contents of a small file, such as a config file.
	ReadFile(path string) ([]byte, error)

	// WriteFile writes data to a file, creating it if necessary.
	WriteFile(path string, data []byte) error

	// Open opens a file for sequential reading.
	Open(path string) (io.ReadCloser, error)

	// Create creates or truncates a file for sequential writing.
	Create(path string) (io.WriteCloser, error)

	// Exists checks if a file or directory exists.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory.
	Remove(path string) error
}
