package summarizer

import (
	"fmt"
	"strings"
	"time"
)

// Formatter renders a Summary as text.
type Formatter interface {
	Format(s *Summary) string
}

// FormatFunc lets a plain function act as a Formatter.
type FormatFunc func(s *Summary) string

func (f FormatFunc) Format(s *Summary) string { return f(s) }

// MarkdownFormatter renders a Summary as a Markdown document.
type MarkdownFormatter struct{}

// NewMarkdownFormatter creates a new MarkdownFormatter.
func NewMarkdownFormatter() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

// Format implements the Formatter interface.
func (f *MarkdownFormatter) Format(s *Summary) string {
	var b strings.Builder

	b.WriteString("# Run Summary\n\n")
	fmt.Fprintf(&b, "Generated: %s\n", s.GeneratedAt.Format(time.RFC3339))
	if s.SessionID != "" {
		fmt.Fprintf(&b, "Session: `%s`\n", s.SessionID)
	}

	b.WriteString("\n## Job\n\n")
	b.WriteString("| Item | Value |\n|------|-------|\n")
	row(&b, "Command", s.Job.Command)
	row(&b, "Input", s.Job.InputPath)
	if s.Job.OutputPath != "" {
		row(&b, "Output", s.Job.OutputPath)
	}
	row(&b, "Elapsed", fmt.Sprintf("%d ms", s.Job.DurationMs))

	b.WriteString("\n## Input\n\n")
	b.WriteString("| Item | Value |\n|------|-------|\n")
	if s.Input.Frames > 0 {
		row(&b, "Frames", fmt.Sprintf("%d", s.Input.Frames))
	} else {
		row(&b, "Units", fmt.Sprintf("%d", s.Input.Units))
		row(&b, "Payload", formatBytes(s.Input.Bytes))
		row(&b, "Refills", fmt.Sprintf("%d", s.Input.Refills))
	}

	if s.Flow.Submitted > 0 {
		b.WriteString("\n## Flow Control\n\n")
		b.WriteString("| Item | Value |\n|------|-------|\n")
		row(&b, "Submitted", fmt.Sprintf("%d", s.Flow.Submitted))
		row(&b, "Backpressure", fmt.Sprintf("%d", s.Flow.Backpressure))
		row(&b, "Try again", fmt.Sprintf("%d", s.Flow.TryAgain))
	}

	b.WriteString("\n## Settings\n\n")
	b.WriteString("| Item | Value |\n|------|-------|\n")
	if s.Settings.Backend != "" {
		row(&b, "Backend", s.Settings.Backend)
	}
	row(&b, "Slots", fmt.Sprintf("%d", s.Settings.Slots))
	row(&b, "Queue depth", fmt.Sprintf("%d", s.Settings.QueueDepth))
	row(&b, "Buffer", formatBytes(int64(s.Settings.BufferSize)))
	if s.Settings.Container != "" {
		row(&b, "Container", s.Settings.Container)
	}

	if s.Output.Units > 0 || s.Output.Bytes > 0 {
		b.WriteString("\n## Output\n\n")
		b.WriteString("| Item | Value |\n|------|-------|\n")
		row(&b, "Units", fmt.Sprintf("%d", s.Output.Units))
		if s.Output.Headers > 0 {
			row(&b, "Headers", fmt.Sprintf("%d", s.Output.Headers))
		}
		row(&b, "Size", formatBytes(s.Output.Bytes))
		if s.Output.Width > 0 {
			row(&b, "Frame size", fmt.Sprintf("%dx%d", s.Output.Width, s.Output.Height))
		}
	}

	return b.String()
}

func row(b *strings.Builder, item, value string) {
	fmt.Fprintf(b, "| %s | %s |\n", item, value)
}

// formatBytes renders n with a binary unit.
func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
