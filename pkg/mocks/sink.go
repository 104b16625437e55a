package mocks

import (
	"sync"

	"github.com/user/h264pipe/pkg/ports"
)

// UnitSink is a mock implementation of ports.UnitSink.
type UnitSink struct {
	mu sync.RWMutex

	AcceptFunc func(u ports.Unit) error
	CloseFunc  func() error

	// Units holds accepted units with their data copied.
	Units  []ports.Unit
	Closed bool
}

func (m *UnitSink) Accept(u ports.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AcceptFunc != nil {
		if err := m.AcceptFunc(u); err != nil {
			return err
		}
	}
	u.Data = append([]byte(nil), u.Data...)
	m.Units = append(m.Units, u)
	return nil
}

func (m *UnitSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Data returns the data of every accepted unit (for test verification).
func (m *UnitSink) Data() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.Units))
	for i, u := range m.Units {
		out[i] = u.Data
	}
	return out
}

var _ ports.UnitSink = (*UnitSink)(nil)

// NullSink is a no-op implementation of ports.UnitSink.
type NullSink struct{}

func (m *NullSink) Accept(u ports.Unit) error { return nil }
func (m *NullSink) Close() error              { return nil }

var _ ports.UnitSink = (*NullSink)(nil)
