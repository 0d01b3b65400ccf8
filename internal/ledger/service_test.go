package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"careunits.org/internal/auth"
)

func testNow() time.Time {
	return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
}

func testService(t *testing.T) (*Service, *InMemory) {
	t.Helper()
	store := NewInMemory()
	exec := NewExecutor(RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, nil)
	svc := NewService(store, exec).WithClock(testNow)
	return svc, store
}

func schedulerActor() auth.Actor {
	return auth.NewActor("user-sched", "org-1", []string{auth.RoleScheduler})
}

func adminActor() auth.Actor {
	return auth.NewActor("user-admin", "org-1", []string{auth.RoleAdministrator})
}

func createAuth(t *testing.T, svc *Service, total int) Authorization {
	t.Helper()
	a, err := svc.Create(context.Background(), adminActor(), CreateParams{
		PatientID:     "patient-1",
		ServiceCodeID: "svc-97153",
		TotalUnits:    total,
		StartDate:     testNow().AddDate(0, -1, 0),
		EndDate:       testNow().AddDate(0, 6, 0),
	})
	if err != nil {
		t.Fatalf("create authorization: %v", err)
	}
	return a
}

func TestReserveReleaseRoundTrip(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	bal, err := svc.Reserve(ctx, schedulerActor(), a.ID, 10)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if bal.ScheduledUnits != 10 || bal.AvailableUnits != 30 {
		t.Fatalf("unexpected balance after reserve: %+v", bal)
	}

	bal, err = svc.Release(ctx, schedulerActor(), a.ID, 10)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if bal.ScheduledUnits != 0 || bal.AvailableUnits != 40 {
		t.Fatalf("release did not restore pool: %+v", bal)
	}
}

func TestReserveConsumeAccounting(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	bal, err := svc.Consume(ctx, schedulerActor(), a.ID, 10)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if bal.UsedUnits != 10 || bal.ScheduledUnits != 0 || bal.AvailableUnits != 30 {
		t.Fatalf("unexpected balance after consume: %+v", bal)
	}
	if bal.Status != StatusActive {
		t.Fatalf("expected ACTIVE, got %s", bal.Status)
	}
}

func TestInsufficientUnitsReportsAvailable(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 20)

	// Booking exactly the available count drives the pool to zero.
	bal, err := svc.Reserve(ctx, schedulerActor(), a.ID, 20)
	if err != nil {
		t.Fatalf("reserve all units: %v", err)
	}
	if bal.AvailableUnits != 0 {
		t.Fatalf("expected zero available, got %d", bal.AvailableUnits)
	}
	if bal.Status != StatusActive {
		t.Fatalf("fully reserved authorization must stay ACTIVE, got %s", bal.Status)
	}

	_, err = svc.Reserve(ctx, schedulerActor(), a.ID, 1)
	var insufficient *InsufficientUnitsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientUnitsError, got %v", err)
	}
	if insufficient.Available != 0 || insufficient.Requested != 1 {
		t.Fatalf("unexpected counts in error: %+v", insufficient)
	}
}

func TestExhaustionTransition(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 12)

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 12); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	bal, err := svc.Consume(ctx, schedulerActor(), a.ID, 12)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if bal.Status != StatusExhausted {
		t.Fatalf("expected EXHAUSTED, got %s", bal.Status)
	}
	if bal.AvailableUnits != 0 || bal.UsedUnits != 12 || bal.ScheduledUnits != 0 {
		t.Fatalf("unexpected terminal balance: %+v", bal)
	}

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 1); !errors.Is(err, ErrInactiveAuthorization) {
		t.Fatalf("expected inactive-authorization error, got %v", err)
	}
}

func TestPartialReleaseRejected(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err := svc.Release(ctx, schedulerActor(), a.ID, 20)
	var exceeds *ReleaseExceedsScheduledError
	if !errors.As(err, &exceeds) {
		t.Fatalf("expected ReleaseExceedsScheduledError, got %v", err)
	}
	if exceeds.Scheduled != 10 || exceeds.Requested != 20 {
		t.Fatalf("unexpected counts in error: %+v", exceeds)
	}

	bal, err := svc.AvailableUnits(ctx, schedulerActor(), a.ID)
	if err != nil {
		t.Fatalf("available units: %v", err)
	}
	if bal.ScheduledUnits != 10 {
		t.Fatalf("failed release must not change counts, got %+v", bal)
	}
}

func TestConsumeExceedsScheduled(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 5); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// Consuming beyond the reservation means delivering work that was never
	// booked; rejected even though total units would allow it.
	if _, err := svc.Consume(ctx, schedulerActor(), a.ID, 6); !errors.Is(err, ErrConsumeExceedsScheduled) {
		t.Fatalf("expected consume-exceeds-scheduled error, got %v", err)
	}
}

func TestInvalidUnits(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	for _, units := range []int{0, -3} {
		if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, units); !errors.Is(err, ErrInvalidUnits) {
			t.Fatalf("reserve %d units: expected ErrInvalidUnits, got %v", units, err)
		}
	}
}

func TestConcurrentReserveNoOverbooking(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 50)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 15); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	bal, err := svc.AvailableUnits(ctx, schedulerActor(), a.ID)
	if err != nil {
		t.Fatalf("available units: %v", err)
	}
	if bal.ScheduledUnits != succeeded*15 {
		t.Fatalf("scheduled %d does not match %d successful reservations", bal.ScheduledUnits, succeeded)
	}
	if bal.ScheduledUnits > 45 {
		t.Fatalf("overbooked: scheduled %d of total 50", bal.ScheduledUnits)
	}
	if bal.UsedUnits+bal.ScheduledUnits > bal.TotalUnits {
		t.Fatalf("invariant violated: used=%d scheduled=%d total=%d", bal.UsedUnits, bal.ScheduledUnits, bal.TotalUnits)
	}
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	outsider := auth.NewActor("user-x", "org-2", []string{auth.RoleScheduler})
	if _, err := svc.Reserve(ctx, outsider, a.ID, 5); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-tenant reserve must be forbidden, got %v", err)
	}
	if _, err := svc.AvailableUnits(ctx, outsider, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("cross-tenant read must be forbidden, got %v", err)
	}

	operator := auth.NewActor("user-ops", "org-platform", []string{auth.RolePlatformOps})
	if _, err := svc.Reserve(ctx, operator, a.ID, 5); err != nil {
		t.Fatalf("cross-tenant operator must be allowed: %v", err)
	}
}

func TestRoleChecks(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	patient := auth.NewActor("user-p", "org-1", []string{auth.RolePatient})
	if _, err := svc.Reserve(ctx, patient, a.ID, 5); !errors.Is(err, ErrForbidden) {
		t.Fatalf("patient reserve must be forbidden, got %v", err)
	}
	if _, err := svc.AvailableUnits(ctx, patient, a.ID); err != nil {
		t.Fatalf("patient read should be allowed: %v", err)
	}

	billing := auth.NewActor("user-b", "org-1", []string{auth.RoleBilling})
	if _, err := svc.Consume(ctx, billing, a.ID, 5); !errors.Is(err, ErrForbidden) {
		t.Fatalf("billing consume must be forbidden, got %v", err)
	}

	if _, err := svc.Create(ctx, schedulerActor(), CreateParams{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("scheduler create must be forbidden, got %v", err)
	}
}

func TestExpiredAuthorizationDerivedStatus(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a, err := svc.Create(ctx, adminActor(), CreateParams{
		PatientID:     "patient-1",
		ServiceCodeID: "svc-97153",
		TotalUnits:    10,
		StartDate:     testNow().AddDate(-1, 0, 0),
		EndDate:       testNow().AddDate(0, 0, -1),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	bal, err := svc.AvailableUnits(ctx, schedulerActor(), a.ID)
	if err != nil {
		t.Fatalf("available units: %v", err)
	}
	if bal.EffectiveStatus != EffectiveExpired {
		t.Fatalf("expected derived EXPIRED, got %s", bal.EffectiveStatus)
	}
	// The stored status stays ACTIVE; expiry is never written back.
	if bal.Status != StatusActive {
		t.Fatalf("stored status must remain ACTIVE, got %s", bal.Status)
	}

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 1); !errors.Is(err, ErrInactiveAuthorization) {
		t.Fatalf("reserve on expired authorization must fail inactive, got %v", err)
	}
}

func TestActiveAuthorizationFor(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	found, err := svc.ActiveAuthorizationFor(ctx, schedulerActor(), "patient-1", "svc-97153")
	if err != nil {
		t.Fatalf("lookup with no authorizations: %v", err)
	}
	if found != nil {
		t.Fatalf("expected nil, got %+v", found)
	}

	later, err := svc.Create(ctx, adminActor(), CreateParams{
		PatientID:     "patient-1",
		ServiceCodeID: "svc-97153",
		TotalUnits:    10,
		StartDate:     testNow().AddDate(0, -1, 0),
		EndDate:       testNow().AddDate(1, 0, 0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sooner, err := svc.Create(ctx, adminActor(), CreateParams{
		PatientID:     "patient-1",
		ServiceCodeID: "svc-97153",
		TotalUnits:    10,
		StartDate:     testNow().AddDate(0, -1, 0),
		EndDate:       testNow().AddDate(0, 2, 0),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err = svc.ActiveAuthorizationFor(ctx, schedulerActor(), "patient-1", "svc-97153")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil || found.ID != sooner.ID {
		t.Fatalf("expected the soonest-expiring authorization %s, got %+v", sooner.ID, found)
	}

	// Fully reserved pools stay ACTIVE but stop being offered for new work.
	if _, err := svc.Reserve(ctx, schedulerActor(), sooner.ID, 10); err != nil {
		t.Fatalf("reserve all: %v", err)
	}
	found, err = svc.ActiveAuthorizationFor(ctx, schedulerActor(), "patient-1", "svc-97153")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil || found.ID != later.ID {
		t.Fatalf("expected fallback to %s, got %+v", later.ID, found)
	}

	// Releasing puts the first authorization back in play.
	if _, err := svc.Release(ctx, schedulerActor(), sooner.ID, 10); err != nil {
		t.Fatalf("release: %v", err)
	}
	found, err = svc.ActiveAuthorizationFor(ctx, schedulerActor(), "patient-1", "svc-97153")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found == nil || found.ID != sooner.ID {
		t.Fatalf("expected %s after release, got %+v", sooner.ID, found)
	}
}

func TestUpdateTotalUnitsBelowCommittedRejected(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 10); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := svc.Consume(ctx, schedulerActor(), a.ID, 5); err != nil {
		t.Fatalf("consume: %v", err)
	}

	nine := 9
	if _, err := svc.Update(ctx, adminActor(), a.ID, UpdateParams{TotalUnits: &nine}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected rejection below committed units, got %v", err)
	}

	fifty := 50
	updated, err := svc.Update(ctx, adminActor(), a.ID, UpdateParams{TotalUnits: &fifty})
	if err != nil {
		t.Fatalf("raise total units: %v", err)
	}
	if updated.TotalUnits != 50 {
		t.Fatalf("expected 50 total units, got %d", updated.TotalUnits)
	}
}

// The service guard runs before the store mutex, so a reservation can land
// between the guard's read and the store write. The store must repeat the
// committed-units check atomically.
func TestStoreUpdateRechecksCommittedUnits(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	if _, err := store.Reserve(ctx, a.ID, 30, testNow()); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	ten := 10
	if _, err := store.Update(ctx, a.ID, UpdateParams{TotalUnits: &ten}, testNow()); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected rejection inside the store, got %v", err)
	}

	got, err := store.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalUnits != 40 || got.ScheduledUnits != 30 {
		t.Fatalf("rejected update must leave the row intact: total=%d scheduled=%d", got.TotalUnits, got.ScheduledUnits)
	}
	if got.UsedUnits+got.ScheduledUnits > got.TotalUnits {
		t.Fatalf("committed units exceed total: used=%d scheduled=%d total=%d", got.UsedUnits, got.ScheduledUnits, got.TotalUnits)
	}
}

func TestRevokeBlocksReserve(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	revoked, err := svc.Revoke(ctx, adminActor(), a.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if revoked.Status != StatusRevoked {
		t.Fatalf("expected REVOKED, got %s", revoked.Status)
	}
	if _, err := svc.Reserve(ctx, schedulerActor(), a.ID, 1); !errors.Is(err, ErrInactiveAuthorization) {
		t.Fatalf("reserve on revoked authorization must fail inactive, got %v", err)
	}
}

func TestDeleteWithHistoryRejected(t *testing.T) {
	svc, store := testService(t)
	ctx := context.Background()
	a := createAuth(t, svc, 40)

	store.MarkHistory(a.ID)
	if err := svc.Delete(ctx, adminActor(), a.ID); !errors.Is(err, ErrHasHistory) {
		t.Fatalf("expected history protection, got %v", err)
	}

	b := createAuth(t, svc, 40)
	if err := svc.Delete(ctx, adminActor(), b.ID); err != nil {
		t.Fatalf("delete without history: %v", err)
	}
	if _, err := svc.Get(ctx, adminActor(), b.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
