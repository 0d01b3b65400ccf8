package ledger

import (
	"context"
	"time"
)

// Store is the durable record of authorizations. Each unit mutation
// (Reserve/Release/Consume) is a single serializable transaction attempt:
// the implementation re-reads current counts inside the transaction,
// applies the check-and-mutate atomically, and returns ErrConflict-wrapped
// errors for serialization failures so the retry executor can reissue the
// attempt. Implementations never cache counts across calls.
type Store interface {
	Create(ctx context.Context, a *Authorization) error
	Get(ctx context.Context, id string) (Authorization, error)
	Update(ctx context.Context, id string, upd UpdateParams, now time.Time) (Authorization, error)
	Revoke(ctx context.Context, id string, now time.Time) (Authorization, error)
	Delete(ctx context.Context, id string) error
	ListByPatient(ctx context.Context, organizationID, patientID string) ([]Authorization, error)

	// FindUsable returns the usable authorization for a patient/service pair
	// with the earliest end date, or nil when none qualifies.
	FindUsable(ctx context.Context, organizationID, patientID, serviceCodeID string, now time.Time) (*Authorization, error)

	Reserve(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error)
	Release(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error)
	Consume(ctx context.Context, id string, units int, now time.Time) (UnitBalance, error)
}
