package telemetry

import (
	"context"
	"sync"
)

// RecordingSink captures points in memory. Test helper.
type RecordingSink struct {
	mu     sync.Mutex
	points []Point
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Track appends the point.
func (s *RecordingSink) Track(_ context.Context, p Point) {
	s.mu.Lock()
	s.points = append(s.points, p)
	s.mu.Unlock()
}

// Points returns a copy of all captured points.
func (s *RecordingSink) Points() []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Point, len(s.points))
	copy(cp, s.points)
	return cp
}

// Named returns the captured points with the given event name.
func (s *RecordingSink) Named(name string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Point
	for _, p := range s.points {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}
