package mocks

import (
	"sync"

	"github.com/user/h264pipe/pkg/ports"
)

// CodecChannel is a mock implementation of ports.CodecChannel.
type CodecChannel struct {
	mu sync.Mutex

	EnqueueFunc func(task *ports.Task) error
	DequeueFunc func() (*ports.Completion, error)
	ReleaseFunc func(c *ports.Completion)
	CloseFunc   func() error

	// Recorded calls for verification
	Tasks        []ports.Task
	EnqueueCalls int
	DequeueCalls int
	Released     []*ports.Completion
	Closed       bool
}

// Enqueue records the task with a copy of its input. Only tasks the
// EnqueueFunc accepts are recorded.
func (m *CodecChannel) Enqueue(task *ports.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnqueueCalls++
	if m.EnqueueFunc != nil {
		if err := m.EnqueueFunc(task); err != nil {
			return err
		}
	}
	recorded := *task
	recorded.Input = append([]byte(nil), task.Input...)
	m.Tasks = append(m.Tasks, recorded)
	return nil
}

func (m *CodecChannel) Dequeue() (*ports.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DequeueCalls++
	if m.DequeueFunc != nil {
		return m.DequeueFunc()
	}
	return nil, nil
}

func (m *CodecChannel) Release(c *ports.Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Released = append(m.Released, c)
	if m.ReleaseFunc != nil {
		m.ReleaseFunc(c)
	}
}

func (m *CodecChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

var _ ports.CodecChannel = (*CodecChannel)(nil)

// CompletionQueue returns a DequeueFunc that hands out completions in order
// and then reports nothing available.
func CompletionQueue(completions ...*ports.Completion) func() (*ports.Completion, error) {
	return func() (*ports.Completion, error) {
		if len(completions) == 0 {
			return nil, nil
		}
		c := completions[0]
		completions = completions[1:]
		return c, nil
	}
}
