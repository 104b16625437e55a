// Package nullsink provides a sink that discards every unit.
package nullsink

import "github.com/user/h264pipe/pkg/ports"

// Sink is a no-op implementation of ports.UnitSink.
// It only counts what it discards.
type Sink struct {
	units int
	bytes int64
}

// New creates a new NullSink.
func New() *Sink {
	return &Sink{}
}

// Accept discards u.
func (s *Sink) Accept(u ports.Unit) error {
	s.units++
	s.bytes += int64(len(u.Data))
	return nil
}

// Close does nothing.
func (s *Sink) Close() error {
	return nil
}

// Units returns the number of discarded units.
func (s *Sink) Units() int { return s.units }

// Bytes returns the number of discarded bytes.
func (s *Sink) Bytes() int64 { return s.bytes }

// Ensure Sink implements ports.UnitSink
var _ ports.UnitSink = (*Sink)(nil)
