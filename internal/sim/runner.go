package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
)

// Runner drives concurrent unit operations against the service to exercise
// the conflict-retry path under realistic contention.
type Runner struct {
	service *ledger.Service
	gen     Generator
	workers int
	ops     int
}

func NewRunner(service *ledger.Service, gen Generator, workers, opsPerWorker int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	if opsPerWorker <= 0 {
		opsPerWorker = 50
	}
	return &Runner{service: service, gen: gen, workers: workers, ops: opsPerWorker}
}

// Setup provisions the scenario's authorizations and returns their ids.
func (r *Runner) Setup(ctx context.Context, admin auth.Actor) ([]string, error) {
	scenario := r.gen.Scenario()
	now := time.Now().UTC()
	ids := make([]string, 0, len(scenario.Authorizations))
	for _, spec := range scenario.Authorizations {
		created, err := r.service.Create(ctx, admin, ledger.CreateParams{
			OrganizationID: admin.OrganizationID,
			PatientID:      spec.PatientID,
			ServiceCodeID:  spec.ServiceCodeID,
			TotalUnits:     spec.TotalUnits,
			StartDate:      now.AddDate(0, 0, -1),
			EndDate:        now.AddDate(0, 0, spec.WindowDays),
		})
		if err != nil {
			return nil, fmt.Errorf("provision %s/%s: %w", spec.PatientID, spec.ServiceCodeID, err)
		}
		ids = append(ids, created.ID)
	}
	return ids, nil
}

// Run fires the workers and collects per-outcome counts. Business rejections
// (insufficient units, over-release) are expected under contention and are
// counted separately from hard failures.
func (r *Runner) Run(ctx context.Context, actor auth.Actor, ids []string) *Stats {
	stats := NewStats()
	var wg sync.WaitGroup
	for w := 0; w < r.workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			gen := r.gen.Fork(seed)
			for i := 0; i < r.ops; i++ {
				if ctx.Err() != nil {
					return
				}
				op := gen.NextOp()
				id := gen.PickAuthorization(ids)
				var err error
				switch op.Kind {
				case OpReserve:
					_, err = r.service.Reserve(ctx, actor, id, op.Units)
				case OpRelease:
					_, err = r.service.Release(ctx, actor, id, op.Units)
				case OpConsume:
					_, err = r.service.Consume(ctx, actor, id, op.Units)
				}
				switch {
				case err == nil:
					stats.AddSuccess(op)
				case isExpectedRejection(err):
					stats.AddRejection()
				default:
					stats.AddFailure()
				}
			}
		}(int64(w) + 1)
	}
	wg.Wait()
	return stats
}

// VerifyInvariants re-reads every pool and checks the accounting holds after
// the run: counts non-negative and used+scheduled within the total.
func (r *Runner) VerifyInvariants(ctx context.Context, actor auth.Actor, ids []string) error {
	for _, id := range ids {
		a, err := r.service.Get(ctx, actor, id)
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		if a.UsedUnits < 0 || a.ScheduledUnits < 0 {
			return fmt.Errorf("authorization %s has negative counts: used=%d scheduled=%d", id, a.UsedUnits, a.ScheduledUnits)
		}
		if a.UsedUnits+a.ScheduledUnits > a.TotalUnits {
			return fmt.Errorf("authorization %s overbooked: used=%d scheduled=%d total=%d",
				id, a.UsedUnits, a.ScheduledUnits, a.TotalUnits)
		}
	}
	return nil
}

func isExpectedRejection(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientUnits) ||
		errors.Is(err, ledger.ErrReleaseExceedsScheduled) ||
		errors.Is(err, ledger.ErrConsumeExceedsScheduled) ||
		errors.Is(err, ledger.ErrInactiveAuthorization)
}
