package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"careunits.org/internal/ledger"
)

// Store persists authorizations in PostgreSQL. Unit mutations run under
// serializable isolation: the row is re-read and conditionally updated in
// one transaction, and serialization failures are surfaced wrapped with
// ledger.ErrConflict so the retry executor reissues them.
type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

// Open connects to PostgreSQL with pool defaults tuned for a contended
// ledger workload.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection; used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const authorizationColumns = `id, organization_id, patient_id, service_code_id,
	total_units, used_units, scheduled_units, start_date, end_date, status,
	coalesce(notes,''), created_at, updated_at`

func (s *Store) Create(ctx context.Context, a *ledger.Authorization) error {
	_, err := s.db.ExecContext(ctx, `
		insert into authorizations(
			id, organization_id, patient_id, service_code_id,
			total_units, used_units, scheduled_units,
			start_date, end_date, status, notes, created_at, updated_at)
		values ($1,$2,$3,$4,$5,0,0,$6,$7,$8,nullif($9,''),$10,$10)
	`, a.ID, a.OrganizationID, a.PatientID, a.ServiceCodeID,
		a.TotalUnits, a.StartDate, a.EndDate, string(a.Status), a.Notes, a.CreatedAt)
	return classify(err)
}

func (s *Store) Get(ctx context.Context, id string) (ledger.Authorization, error) {
	row := s.db.QueryRowContext(ctx, `select `+authorizationColumns+` from authorizations where id=$1`, id)
	return scanAuthorization(row)
}

func (s *Store) Update(ctx context.Context, id string, upd ledger.UpdateParams, now time.Time) (ledger.Authorization, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Authorization{}, err
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAuthorization(tx.QueryRowContext(ctx,
		`select `+authorizationColumns+` from authorizations where id=$1 for update`, id))
	if err != nil {
		return ledger.Authorization{}, err
	}

	if upd.TotalUnits != nil {
		if *upd.TotalUnits < a.UsedUnits+a.ScheduledUnits {
			return ledger.Authorization{}, fmt.Errorf("%w: total_units cannot drop below committed units (%d)",
				ledger.ErrInvalidInput, a.UsedUnits+a.ScheduledUnits)
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

	if _, err := tx.ExecContext(ctx, `
		update authorizations
		set total_units=$2, start_date=$3, end_date=$4, notes=nullif($5,''), updated_at=$6
		where id=$1
	`, id, a.TotalUnits, a.StartDate, a.EndDate, a.Notes, now); err != nil {
		return ledger.Authorization{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.Authorization{}, classify(err)
	}
	return a, nil
}

func (s *Store) Revoke(ctx context.Context, id string, now time.Time) (ledger.Authorization, error) {
	row := s.db.QueryRowContext(ctx, `
		update authorizations set status=$2, updated_at=$3
		where id=$1
		returning `+authorizationColumns,
		id, string(ledger.StatusRevoked), now)
	return scanAuthorization(row)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var refs int
	if err := tx.QueryRowContext(ctx,
		`select count(*) from unit_deliveries where authorization_id=$1`, id).Scan(&refs); err != nil {
		return classify(err)
	}
	if refs > 0 {
		return ledger.ErrHasHistory
	}
	res, err := tx.ExecContext(ctx, `delete from authorizations where id=$1`, id)
	if err != nil {
		return classify(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrNotFound
	}
	return classify(tx.Commit())
}

func (s *Store) ListByPatient(ctx context.Context, organizationID, patientID string) ([]ledger.Authorization, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+authorizationColumns+`
		from authorizations
		where organization_id=$1 and patient_id=$2
		order by id asc
	`, organizationID, patientID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var res []ledger.Authorization
	for rows.Next() {
		a, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (s *Store) FindUsable(ctx context.Context, organizationID, patientID, serviceCodeID string, now time.Time) (*ledger.Authorization, error) {
	// Prefer the pool that expires first so units are not stranded.
	row := s.db.QueryRowContext(ctx, `
		select `+authorizationColumns+`
		from authorizations
		where organization_id=$1 and patient_id=$2 and service_code_id=$3
		  and status=$4
		  and start_date <= $5 and end_date >= $5
		  and total_units - used_units - scheduled_units > 0
		order by end_date asc, id asc
		limit 1
	`, organizationID, patientID, serviceCodeID, string(ledger.StatusActive), now)
	a, err := scanAuthorization(row)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) Reserve(ctx context.Context, id string, units int, now time.Time) (ledger.UnitBalance, error) {
	return s.mutate(ctx, id, now, func(tx *sql.Tx, a *ledger.Authorization) error {
		if a.Status != ledger.StatusActive || a.Expired(now) || now.Before(a.StartDate) {
			return ledger.ErrInactiveAuthorization
		}
		if available := a.Available(); available < units {
			return &ledger.InsufficientUnitsError{Available: available, Requested: units}
		}
		a.ScheduledUnits += units
		return nil
	})
}

func (s *Store) Release(ctx context.Context, id string, units int, now time.Time) (ledger.UnitBalance, error) {
	return s.mutate(ctx, id, now, func(tx *sql.Tx, a *ledger.Authorization) error {
		if units > a.ScheduledUnits {
			return &ledger.ReleaseExceedsScheduledError{Scheduled: a.ScheduledUnits, Requested: units}
		}
		a.ScheduledUnits -= units
		return nil
	})
}

func (s *Store) Consume(ctx context.Context, id string, units int, now time.Time) (ledger.UnitBalance, error) {
	return s.mutate(ctx, id, now, func(tx *sql.Tx, a *ledger.Authorization) error {
		if units > a.ScheduledUnits {
			return &ledger.ConsumeExceedsScheduledError{Scheduled: a.ScheduledUnits, Requested: units}
		}
		a.ScheduledUnits -= units
		a.UsedUnits += units
		if a.UsedUnits == a.TotalUnits && a.ScheduledUnits == 0 {
			a.Status = ledger.StatusExhausted
		}
		if _, err := tx.ExecContext(ctx, `
			insert into unit_deliveries(authorization_id, units, delivered_at)
			values ($1,$2,$3)
		`, id, units, now); err != nil {
			return classify(err)
		}
		return nil
	})
}

// mutate is the single serializable check-and-mutate attempt shared by the
// three unit operations: re-read the row, apply the rule, write counts back.
// The check and the write commit or fail together; nothing is decided on
// state read outside this transaction.
func (s *Store) mutate(ctx context.Context, id string, now time.Time, apply func(tx *sql.Tx, a *ledger.Authorization) error) (ledger.UnitBalance, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.UnitBalance{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	a, err := scanAuthorization(tx.QueryRowContext(ctx,
		`select `+authorizationColumns+` from authorizations where id=$1 for update`, id))
	if err != nil {
		return ledger.UnitBalance{}, err
	}

	if err := apply(tx, &a); err != nil {
		return ledger.UnitBalance{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		update authorizations
		set used_units=$2, scheduled_units=$3, status=$4, updated_at=$5
		where id=$1
	`, id, a.UsedUnits, a.ScheduledUnits, string(a.Status), now); err != nil {
		return ledger.UnitBalance{}, classify(err)
	}
	if err := tx.Commit(); err != nil {
		return ledger.UnitBalance{}, classify(err)
	}
	a.UpdatedAt = now
	return ledger.BalanceOf(a, now), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthorization(row rowScanner) (ledger.Authorization, error) {
	var a ledger.Authorization
	var status string
	err := row.Scan(&a.ID, &a.OrganizationID, &a.PatientID, &a.ServiceCodeID,
		&a.TotalUnits, &a.UsedUnits, &a.ScheduledUnits, &a.StartDate, &a.EndDate,
		&status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Authorization{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Authorization{}, classify(err)
	}
	a.Status = ledger.Status(status)
	return a, nil
}

// classify maps PostgreSQL serialization failures (SQLSTATE 40001) and
// deadlocks (40P01) onto ledger.ErrConflict; everything else passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", ledger.ErrConflict, pgErr.Message)
		}
	}
	return err
}
