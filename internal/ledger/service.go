package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/ids"
)

// Service is the Authorization Operations API: the only mutation surface for
// unit counts. It evaluates role and tenant checks before entering the
// retryable transaction — those checks are deterministic and must never be
// retried — then delegates each unit mutation to the conflict-retry executor.
type Service struct {
	store Store
	exec  *Executor
	now   func() time.Time
}

// NewService wires the operations API over a store and retry executor.
func NewService(store Store, exec *Executor) *Service {
	if exec == nil {
		exec = NewExecutor(DefaultRetryConfig(), nil)
	}
	return &Service{store: store, exec: exec, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the service clock. Only intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Executor exposes the retry executor, mainly for metrics wiring.
func (s *Service) Executor() *Executor { return s.exec }

// Reserve books units for scheduled work. Inside one serializable
// transaction the store re-reads the row, verifies the authorization is
// usable and has enough available units, then increments scheduled units.
func (s *Service) Reserve(ctx context.Context, actor auth.Actor, id string, units int) (UnitBalance, error) {
	if err := s.guardMutation(ctx, actor, id, auth.PermUnitsReserve, units); err != nil {
		return UnitBalance{}, err
	}
	return s.executeUnits(ctx, func(ctx context.Context) (UnitBalance, error) {
		return s.store.Reserve(ctx, id, units, s.now())
	})
}

// Release returns previously reserved units to the pool, e.g. on
// cancellation. Scheduled units never go negative.
func (s *Service) Release(ctx context.Context, actor auth.Actor, id string, units int) (UnitBalance, error) {
	if err := s.guardMutation(ctx, actor, id, auth.PermUnitsRelease, units); err != nil {
		return UnitBalance{}, err
	}
	return s.executeUnits(ctx, func(ctx context.Context) (UnitBalance, error) {
		return s.store.Release(ctx, id, units, s.now())
	})
}

// Consume converts reserved units into delivered ones, atomically moving the
// count from scheduled to used. When the last units are delivered the store
// marks the authorization EXHAUSTED in the same transaction.
func (s *Service) Consume(ctx context.Context, actor auth.Actor, id string, units int) (UnitBalance, error) {
	if err := s.guardMutation(ctx, actor, id, auth.PermUnitsConsume, units); err != nil {
		return UnitBalance{}, err
	}
	return s.executeUnits(ctx, func(ctx context.Context) (UnitBalance, error) {
		return s.store.Consume(ctx, id, units, s.now())
	})
}

// AvailableUnits returns the counts snapshot with the derived status.
// Read-only; the stored status is never touched.
func (s *Service) AvailableUnits(ctx context.Context, actor auth.Actor, id string) (UnitBalance, error) {
	a, err := s.guardRead(ctx, actor, id)
	if err != nil {
		return UnitBalance{}, err
	}
	return BalanceOf(a, s.now()), nil
}

// ActiveAuthorizationFor returns the most relevant authorization for a
// patient/service pair that can still accept reservations, or nil when no
// such authorization exists. A nil result is not an error: callers use it to
// decide whether new scheduling is possible at all.
func (s *Service) ActiveAuthorizationFor(ctx context.Context, actor auth.Actor, patientID, serviceCodeID string) (*Authorization, error) {
	if !actor.Can(auth.PermUnitsRead) {
		return nil, ErrForbidden
	}
	patientID = strings.TrimSpace(patientID)
	serviceCodeID = strings.TrimSpace(serviceCodeID)
	if patientID == "" || serviceCodeID == "" {
		return nil, fmt.Errorf("%w: patient_id and service_code_id are required", ErrInvalidInput)
	}
	return s.store.FindUsable(ctx, actor.OrganizationID, patientID, serviceCodeID, s.now())
}

// Get returns a single authorization after tenant checks.
func (s *Service) Get(ctx context.Context, actor auth.Actor, id string) (Authorization, error) {
	return s.guardRead(ctx, actor, id)
}

// ListByPatient returns all authorizations for a patient within the actor's
// organization.
func (s *Service) ListByPatient(ctx context.Context, actor auth.Actor, patientID string) ([]Authorization, error) {
	if !actor.Can(auth.PermUnitsRead) {
		return nil, ErrForbidden
	}
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, fmt.Errorf("%w: patient_id is required", ErrInvalidInput)
	}
	return s.store.ListByPatient(ctx, actor.OrganizationID, patientID)
}

// Create provisions a new authorization. Administrative only.
func (s *Service) Create(ctx context.Context, actor auth.Actor, params CreateParams) (Authorization, error) {
	if !actor.Can(auth.PermAuthorizationsManage) {
		return Authorization{}, ErrForbidden
	}
	params.OrganizationID = strings.TrimSpace(params.OrganizationID)
	if params.OrganizationID == "" {
		params.OrganizationID = actor.OrganizationID
	}
	if !actor.SameTenant(params.OrganizationID) {
		return Authorization{}, ErrForbidden
	}
	params.PatientID = strings.TrimSpace(params.PatientID)
	params.ServiceCodeID = strings.TrimSpace(params.ServiceCodeID)
	if params.PatientID == "" || params.ServiceCodeID == "" {
		return Authorization{}, fmt.Errorf("%w: patient_id and service_code_id are required", ErrInvalidInput)
	}
	if params.TotalUnits <= 0 {
		return Authorization{}, fmt.Errorf("%w: total_units must be > 0", ErrInvalidInput)
	}
	if !params.EndDate.After(params.StartDate) {
		return Authorization{}, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidInput)
	}

	now := s.now()
	a := Authorization{
		ID:             ids.New(),
		OrganizationID: params.OrganizationID,
		PatientID:      params.PatientID,
		ServiceCodeID:  params.ServiceCodeID,
		TotalUnits:     params.TotalUnits,
		StartDate:      params.StartDate,
		EndDate:        params.EndDate,
		Status:         StatusActive,
		Notes:          params.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, &a); err != nil {
		return Authorization{}, err
	}
	return a, nil
}

// Update applies an administrative correction. Reducing total units below
// the committed count (used + scheduled) is rejected: it would retroactively
// break the no-overbooking invariant.
func (s *Service) Update(ctx context.Context, actor auth.Actor, id string, upd UpdateParams) (Authorization, error) {
	if !actor.Can(auth.PermAuthorizationsManage) {
		return Authorization{}, ErrForbidden
	}
	a, err := s.tenantScoped(ctx, actor, id)
	if err != nil {
		return Authorization{}, err
	}
	if upd.TotalUnits != nil {
		if *upd.TotalUnits <= 0 {
			return Authorization{}, fmt.Errorf("%w: total_units must be > 0", ErrInvalidInput)
		}
		if *upd.TotalUnits < a.UsedUnits+a.ScheduledUnits {
			return Authorization{}, fmt.Errorf("%w: total_units cannot drop below committed units (%d)",
				ErrInvalidInput, a.UsedUnits+a.ScheduledUnits)
		}
	}
	start, end := a.StartDate, a.EndDate
	if upd.StartDate != nil {
		start = *upd.StartDate
	}
	if upd.EndDate != nil {
		end = *upd.EndDate
	}
	if !end.After(start) {
		return Authorization{}, fmt.Errorf("%w: end_date must be after start_date", ErrInvalidInput)
	}
	return s.store.Update(ctx, id, upd, s.now())
}

// Revoke terminates the authorization administratively, independent of unit
// counts. Terminal.
func (s *Service) Revoke(ctx context.Context, actor auth.Actor, id string) (Authorization, error) {
	if !actor.Can(auth.PermAuthorizationsManage) {
		return Authorization{}, ErrForbidden
	}
	if _, err := s.tenantScoped(ctx, actor, id); err != nil {
		return Authorization{}, err
	}
	return s.store.Revoke(ctx, id, s.now())
}

// Delete removes an authorization with no dependent scheduling history.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, id string) error {
	if !actor.Can(auth.PermAuthorizationsManage) {
		return ErrForbidden
	}
	if _, err := s.tenantScoped(ctx, actor, id); err != nil {
		return err
	}
	return s.store.Delete(ctx, id)
}

// guardMutation runs the non-retryable preconditions shared by all three
// unit mutations: positive units, required permission, tenant match. Tenant
// and identity fields are immutable, so reading them outside the
// serializable transaction cannot go stale.
func (s *Service) guardMutation(ctx context.Context, actor auth.Actor, id string, perm string, units int) error {
	if units <= 0 {
		return ErrInvalidUnits
	}
	if !actor.Can(perm) {
		return ErrForbidden
	}
	_, err := s.tenantScoped(ctx, actor, id)
	return err
}

func (s *Service) guardRead(ctx context.Context, actor auth.Actor, id string) (Authorization, error) {
	if !actor.Can(auth.PermUnitsRead) {
		return Authorization{}, ErrForbidden
	}
	return s.tenantScoped(ctx, actor, id)
}

func (s *Service) tenantScoped(ctx context.Context, actor auth.Actor, id string) (Authorization, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Authorization{}, fmt.Errorf("%w: authorization id is required", ErrInvalidInput)
	}
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return Authorization{}, err
	}
	if !actor.SameTenant(a.OrganizationID) {
		return Authorization{}, ErrForbidden
	}
	return a, nil
}

func (s *Service) executeUnits(ctx context.Context, op func(ctx context.Context) (UnitBalance, error)) (UnitBalance, error) {
	var balance UnitBalance
	err := s.exec.Execute(ctx, func(ctx context.Context) error {
		var opErr error
		balance, opErr = op(ctx)
		return opErr
	})
	if err != nil {
		return UnitBalance{}, err
	}
	return balance, nil
}
