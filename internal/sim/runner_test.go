package sim

import (
	"context"
	"testing"

	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
)

func TestRunnerKeepsInvariantsUnderContention(t *testing.T) {
	service := ledger.NewService(ledger.NewInMemory(), nil)
	admin := auth.NewActor("sim-admin", "org-sim", []string{auth.RoleAdministrator})

	gen := NewGenerator(42)
	runner := NewRunner(service, gen, 8, 40)

	ctx := context.Background()
	ids, err := runner.Setup(ctx, admin)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if len(ids) != len(gen.Scenario().Authorizations) {
		t.Fatalf("expected %d authorizations, got %d", len(gen.Scenario().Authorizations), len(ids))
	}

	stats := runner.Run(ctx, admin, ids)
	if stats.Total() != 8*40 {
		t.Fatalf("expected %d operations, got %d", 8*40, stats.Total())
	}
	if stats.Failed != 0 {
		t.Fatalf("expected no hard failures, got %d", stats.Failed)
	}
	if stats.Succeeded == 0 {
		t.Fatal("expected some operations to succeed")
	}

	if err := runner.VerifyInvariants(ctx, admin, ids); err != nil {
		t.Fatalf("invariants violated: %v", err)
	}
}

func TestGeneratorOpsWithinBounds(t *testing.T) {
	gen := NewGenerator(7)
	maxUnits := gen.Scenario().MaxOpUnits
	for i := 0; i < 200; i++ {
		op := gen.NextOp()
		if op.Units < 1 || op.Units > maxUnits {
			t.Fatalf("op units out of range: %+v", op)
		}
		switch op.Kind {
		case OpReserve, OpRelease, OpConsume:
		default:
			t.Fatalf("unexpected op kind: %q", op.Kind)
		}
	}
}
