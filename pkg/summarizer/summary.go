// Package summarizer provides summary generation for pipeline runs.
package summarizer

import "time"

// Summary contains all data collected during one run.
type Summary struct {
	// Metadata
	GeneratedAt time.Time
	SessionID   string

	// Job
	Job JobInfo

	// Input side
	Input InputInfo

	// Flow control
	Flow FlowInfo

	// Run settings
	Settings Settings

	// Output details
	Output OutputInfo
}

// JobInfo identifies what was run.
type JobInfo struct {
	Command    string
	InputPath  string
	OutputPath string
	DurationMs int64
}

// InputInfo contains input counters.
type InputInfo struct {
	Units   int
	Frames  int
	Bytes   int64
	Refills int
}

// FlowInfo contains submit and drain counters.
type FlowInfo struct {
	Submitted    int
	Backpressure int
	TryAgain     int
}

// Settings contains the run configuration.
type Settings struct {
	Backend    string
	Slots      int
	QueueDepth int
	BufferSize int
	Container  string
}

// OutputInfo contains information about the output.
type OutputInfo struct {
	Units   int
	Headers int
	Bytes   int64
	Width   int
	Height  int
}

// NewSummary creates a new Summary with the current timestamp.
func NewSummary() *Summary {
	return &Summary{
		GeneratedAt: time.Now(),
	}
}

// Builder provides a fluent interface for building a Summary.
type Builder struct {
	summary *Summary
}

// NewBuilder creates a new Builder.
func NewBuilder() *Builder {
	return &Builder{
		summary: NewSummary(),
	}
}

// WithSession sets the session id.
func (b *Builder) WithSession(id string) *Builder {
	b.summary.SessionID = id
	return b
}

// WithJob sets job information.
func (b *Builder) WithJob(command, input, output string, elapsed time.Duration) *Builder {
	b.summary.Job = JobInfo{
		Command:    command,
		InputPath:  input,
		OutputPath: output,
		DurationMs: elapsed.Milliseconds(),
	}
	return b
}

// WithInput sets input counters.
func (b *Builder) WithInput(input InputInfo) *Builder {
	b.summary.Input = input
	return b
}

// WithFlow sets flow control counters.
func (b *Builder) WithFlow(flow FlowInfo) *Builder {
	b.summary.Flow = flow
	return b
}

// WithSettings sets run settings.
func (b *Builder) WithSettings(settings Settings) *Builder {
	b.summary.Settings = settings
	return b
}

// WithOutput sets output information.
func (b *Builder) WithOutput(output OutputInfo) *Builder {
	b.summary.Output = output
	return b
}

// Build returns the constructed Summary.
func (b *Builder) Build() *Summary {
	return b.summary
}
