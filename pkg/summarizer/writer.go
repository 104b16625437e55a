package summarizer

import (
	"fmt"
	"io"
	"os"

	"github.com/user/h264pipe/pkg/ports"
)

// Stdout is the path that sends a summary to standard output.
const Stdout = "-"

// Writer renders summaries and stores them through a ports.FileSystem.
type Writer struct {
	formatter Formatter
	fs        ports.FileSystem
	stdout    io.Writer
}

// NewWriter creates a Writer that renders with formatter.
func NewWriter(formatter Formatter, fs ports.FileSystem) *Writer {
	return &Writer{formatter: formatter, fs: fs, stdout: os.Stdout}
}

// Write renders summary to path, or prints it when path is Stdout.
func (w *Writer) Write(path string, summary *Summary) error {
	text := w.formatter.Format(summary)

	if path == Stdout {
		if _, err := io.WriteString(w.stdout, text); err != nil {
			return fmt.Errorf("print summary: %w", err)
		}
		return nil
	}
	if err := w.fs.WriteFile(path, []byte(text)); err != nil {
		return fmt.Errorf("write summary %s: %w", path, err)
	}
	return nil
}
