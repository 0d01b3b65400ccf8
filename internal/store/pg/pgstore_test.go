package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"careunits.org/internal/ledger"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func authorizationRows(total, used, scheduled int, status ledger.Status) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "organization_id", "patient_id", "service_code_id",
		"total_units", "used_units", "scheduled_units",
		"start_date", "end_date", "status", "notes", "created_at", "updated_at",
	}).AddRow(
		"auth-1", "org-1", "pat-1", "97153",
		total, used, scheduled,
		testNow.AddDate(0, -1, 0), testNow.AddDate(0, 5, 0),
		string(status), "", testNow.AddDate(0, -1, 0), testNow.AddDate(0, -1, 0),
	)
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`select .+ from authorizations where id=\$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	if _, err := store.Get(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReserveCommitsSchedule(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(20, 4, 2, ledger.StatusActive))
	mock.ExpectExec(`update authorizations set used_units=\$2, scheduled_units=\$3, status=\$4, updated_at=\$5 where id=\$1`).
		WithArgs("auth-1", 4, 5, string(ledger.StatusActive), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	balance, err := store.Reserve(context.Background(), "auth-1", 3, testNow)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if balance.ScheduledUnits != 5 || balance.AvailableUnits != 11 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReserveInsufficientRollsBack(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(10, 6, 3, ledger.StatusActive))
	mock.ExpectRollback()

	_, err := store.Reserve(context.Background(), "auth-1", 2, testNow)
	var insufficient *ledger.InsufficientUnitsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientUnitsError, got %v", err)
	}
	if insufficient.Available != 1 || insufficient.Requested != 2 {
		t.Fatalf("unexpected detail: %+v", insufficient)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSerializationFailureWrapsConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(20, 4, 2, ledger.StatusActive))
	mock.ExpectExec(`update authorizations set used_units=`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{
		Code:    "40001",
		Message: "could not serialize access due to concurrent update",
	})

	_, err := store.Reserve(context.Background(), "auth-1", 3, testNow)
	if !errors.Is(err, ledger.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestConsumeRecordsDeliveryAndExhausts(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(10, 7, 3, ledger.StatusActive))
	mock.ExpectExec(`insert into unit_deliveries`).
		WithArgs("auth-1", 3, testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`update authorizations set used_units=\$2, scheduled_units=\$3, status=\$4, updated_at=\$5 where id=\$1`).
		WithArgs("auth-1", 10, 0, string(ledger.StatusExhausted), testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	balance, err := store.Consume(context.Background(), "auth-1", 3, testNow)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if balance.UsedUnits != 10 || balance.AvailableUnits != 0 {
		t.Fatalf("unexpected balance: %+v", balance)
	}
	if balance.EffectiveStatus != ledger.EffectiveExhausted {
		t.Fatalf("expected exhausted status, got %s", balance.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestReleaseExceedsScheduled(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(10, 2, 1, ledger.StatusActive))
	mock.ExpectRollback()

	_, err := store.Release(context.Background(), "auth-1", 4, testNow)
	if !errors.Is(err, ledger.ErrReleaseExceedsScheduled) {
		t.Fatalf("expected ErrReleaseExceedsScheduled, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDeleteProtectedByDeliveryHistory(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select count\(\*\) from unit_deliveries where authorization_id=\$1`).
		WithArgs("auth-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	if err := store.Delete(context.Background(), "auth-1"); !errors.Is(err, ledger.ErrHasHistory) {
		t.Fatalf("expected ErrHasHistory, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindUsableNoneReturnsNil(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from authorizations where organization_id=\$1 and patient_id=\$2 and service_code_id=\$3`).
		WithArgs("org-1", "pat-1", "97153", string(ledger.StatusActive), testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	a, err := store.FindUsable(context.Background(), "org-1", "pat-1", "97153", testNow)
	if err != nil {
		t.Fatalf("FindUsable failed: %v", err)
	}
	if a != nil {
		t.Fatalf("expected nil authorization, got %+v", a)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpdateTotalBelowCommittedRejected(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`select .+ from authorizations where id=\$1 for update`).
		WithArgs("auth-1").
		WillReturnRows(authorizationRows(20, 8, 4, ledger.StatusActive))
	mock.ExpectRollback()

	total := 10
	_, err := store.Update(context.Background(), "auth-1", ledger.UpdateParams{TotalUnits: &total}, testNow)
	if !errors.Is(err, ledger.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
