package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. The mutex
// stands in for serializable isolation: each mutation re-reads current
// counts under the lock, so the check-and-mutate is atomic. Used by tests
// and dependency-free runs; production uses the Postgres store.
type InMemory struct {
	mu    sync.RWMutex
	auths map[string]*Authorization
	// history marks authorizations referenced by scheduling records; such
	// rows refuse deletion.
	history map[string]int
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{
		auths:   make(map[string]*Authorization),
		history: make(map[string]int),
	}
}

func (s *InMemory) Create(ctx context.Context, a *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.auths[a.ID] = &cp
	return nil
}

func (s *InMemory) Get(ctx context.Context, id string) (Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.auths[id]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	return *a, nil
}

func (s *InMemory) Update(ctx context.Context, id string, upd UpdateParams, now time.Time) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	if upd.TotalUnits != nil {
		// Re-check under the write lock: a reservation may have landed since
		// the caller read the counts.
		if *upd.TotalUnits < a.UsedUnits+a.ScheduledUnits {
			return Authorization{}, fmt.Errorf("%w: total_units cannot drop below committed units (%d)",
				ErrInvalidInput, a.UsedUnits+a.ScheduledUnits)
		}
		a.TotalUnits = *upd.TotalUnits
	}
	if upd.StartDate != nil {
		a.StartDate = *upd.StartDate
	}
	if upd.EndDate != nil {
		a.EndDate = *upd.EndDate
	}
	if upd.Notes != nil {
		a.Notes = *upd.Notes
	}
	a.UpdatedAt = now
	return *a, nil
}

func (s *InMemory) Revoke(ctx context.Context, id string, now time.Time) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return Authorization{}, ErrNotFound
	}
	a.Status = StatusRevoked
	a.UpdatedAt = now
	return *a, nil
}

func (s *InMemory) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.auths[id]; !ok {
		return ErrNotFound
	}
	if s.history[id] > 0 {
		return ErrHasHistory
	}
	delete(s.auths, id)
	return nil
}

func (s *InMemory) ListByPatient(ctx context.Context, organizationID, patientID string) ([]Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Authorization
	for _, a := range s.auths {
		if a.OrganizationID == organizationID && a.PatientID == patientID {
			res = append(res, *a)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func (s *InMemory) FindUsable(ctx context.Context, organizationID, patientID, serviceCodeID string, now time.Time) (*Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Authorization
	for _, a := range s.auths {
		if a.OrganizationID != organizationID || a.PatientID != patientID || a.ServiceCodeID != serviceCodeID {
			continue
		}
		if !a.Usable(now) {
			continue
		}
		if best == nil || a.EndDate.Before(best.EndDate) ||
			(a.EndDate.Equal(best.EndDate) && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *InMemory) Reserve(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return UnitBalance{}, ErrNotFound
	}
	if a.Status != StatusActive || a.Expired(now) || now.Before(a.StartDate) {
		return UnitBalance{}, ErrInactiveAuthorization
	}
	if available := a.Available(); available < units {
		return UnitBalance{}, &InsufficientUnitsError{Available: available, Requested: units}
	}
	a.ScheduledUnits += units
	a.UpdatedAt = now
	return BalanceOf(*a, now), nil
}

func (s *InMemory) Release(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return UnitBalance{}, ErrNotFound
	}
	if units > a.ScheduledUnits {
		return UnitBalance{}, &ReleaseExceedsScheduledError{Scheduled: a.ScheduledUnits, Requested: units}
	}
	a.ScheduledUnits -= units
	a.UpdatedAt = now
	return BalanceOf(*a, now), nil
}

func (s *InMemory) Consume(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return UnitBalance{}, ErrNotFound
	}
	if units > a.ScheduledUnits {
		return UnitBalance{}, &ConsumeExceedsScheduledError{Scheduled: a.ScheduledUnits, Requested: units}
	}
	a.ScheduledUnits -= units
	a.UsedUnits += units
	s.history[id]++
	if a.UsedUnits == a.TotalUnits && a.ScheduledUnits == 0 {
		a.Status = StatusExhausted
	}
	a.UpdatedAt = now
	return BalanceOf(*a, now), nil
}

// MarkHistory records a dependent scheduling reference; used by tests to
// exercise delete protection.
func (s *InMemory) MarkHistory(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[id]++
}
