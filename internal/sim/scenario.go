package sim

import (
	"math/rand"
	"time"
)

type AuthorizationSpec struct {
	PatientID     string
	ServiceCodeID string
	TotalUnits    int
	WindowDays    int
}

type OpKind string

const (
	OpReserve OpKind = "reserve"
	OpRelease OpKind = "release"
	OpConsume OpKind = "consume"
)

type Op struct {
	Kind  OpKind
	Units int
}

type Scenario struct {
	Name           string
	Authorizations []AuthorizationSpec
	MaxOpUnits     int
}

// ClinicContentionScenario models a practice where several schedulers and
// clinicians hammer a small set of authorization pools at once: the worst
// case for serialization conflicts.
func ClinicContentionScenario() Scenario {
	return Scenario{
		Name: "ClinicContention",
		Authorizations: []AuthorizationSpec{
			{PatientID: "pat-sim-001", ServiceCodeID: "97153", TotalUnits: 480, WindowDays: 180},
			{PatientID: "pat-sim-001", ServiceCodeID: "97155", TotalUnits: 96, WindowDays: 180},
			{PatientID: "pat-sim-002", ServiceCodeID: "97153", TotalUnits: 240, WindowDays: 90},
		},
		MaxOpUnits: 8,
	}
}

type Generator struct {
	scenario Scenario
	rnd      *rand.Rand
}

func NewGenerator(seed int64) Generator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return Generator{scenario: ClinicContentionScenario(), rnd: rand.New(rand.NewSource(seed))}
}

func (g Generator) Scenario() Scenario {
	return g.scenario
}

// Fork derives a generator with its own randomness source so each worker
// goroutine can draw operations without sharing state.
func (g Generator) Fork(seed int64) Generator {
	return Generator{scenario: g.scenario, rnd: rand.New(rand.NewSource(seed))}
}

// NextOp produces the next unit operation, biased towards reservations so
// pools drain and occasionally hit insufficient-unit rejections.
func (g Generator) NextOp() Op {
	units := g.rnd.Intn(g.scenario.MaxOpUnits) + 1
	switch g.rnd.Intn(10) {
	case 0, 1:
		return Op{Kind: OpRelease, Units: units}
	case 2, 3, 4:
		return Op{Kind: OpConsume, Units: units}
	default:
		return Op{Kind: OpReserve, Units: units}
	}
}

// PickAuthorization selects one of the scenario pools by index.
func (g Generator) PickAuthorization(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[g.rnd.Intn(len(ids))]
}
