package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
	"careunits.org/internal/sim"
)

// simload runs the clinic contention scenario against the in-memory ledger
// and reports how the executor coped with concurrent unit traffic.
func main() {
	log.SetFlags(0)
	var (
		workers = flag.Int("workers", 8, "concurrent workers")
		ops     = flag.Int("ops", 200, "operations per worker")
		seed    = flag.Int64("seed", 0, "scenario seed (0 = random)")
	)
	flag.Parse()

	metrics := &ledger.RetryMetrics{}
	exec := ledger.NewExecutor(ledger.DefaultRetryConfig(), metrics)
	service := ledger.NewService(ledger.NewInMemory(), exec)
	admin := auth.NewActor("simload", "org-sim", []string{auth.RoleAdministrator})

	gen := sim.NewGenerator(*seed)
	runner := sim.NewRunner(service, gen, *workers, *ops)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ids, err := runner.Setup(ctx, admin)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}

	start := time.Now()
	stats := runner.Run(ctx, admin, ids)
	elapsed := time.Since(start)

	if err := runner.VerifyInvariants(ctx, admin, ids); err != nil {
		log.Fatalf("invariants violated: %v", err)
	}

	fmt.Printf("scenario=%s workers=%d ops=%d elapsed=%s\n",
		gen.Scenario().Name, *workers, stats.Total(), elapsed.Round(time.Millisecond))
	fmt.Printf("succeeded=%d rejected=%d failed=%d\n", stats.Succeeded, stats.Rejected, stats.Failed)
	fmt.Printf("retried=%d retry_exhausted=%d\n", metrics.Retried(), metrics.Exhausted())
	for kind, units := range stats.UnitsOK {
		fmt.Printf("units %s=%d\n", kind, units)
	}
}
