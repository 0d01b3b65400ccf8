package sim

import "sync"

// Stats aggregates the outcome of a simulation run.
type Stats struct {
	mu        sync.Mutex
	Succeeded int
	Rejected  int
	Failed    int
	UnitsOK   map[OpKind]int
}

func NewStats() *Stats {
	return &Stats{UnitsOK: make(map[OpKind]int)}
}

func (s *Stats) AddSuccess(op Op) {
	s.mu.Lock()
	s.Succeeded++
	s.UnitsOK[op.Kind] += op.Units
	s.mu.Unlock()
}

func (s *Stats) AddRejection() {
	s.mu.Lock()
	s.Rejected++
	s.mu.Unlock()
}

func (s *Stats) AddFailure() {
	s.mu.Lock()
	s.Failed++
	s.mu.Unlock()
}

func (s *Stats) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Succeeded + s.Rejected + s.Failed
}
