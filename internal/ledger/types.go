package ledger

import (
	"time"
)

// Status is the persisted lifecycle state of an authorization.
// EXPIRED is intentionally absent: it is derived at read time from EndDate
// and never written back.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusExhausted Status = "EXHAUSTED"
	StatusRevoked   Status = "REVOKED"
)

// EffectiveStatus is the status a reader observes: the persisted status with
// a time-based expiry override layered on top.
type EffectiveStatus string

const (
	EffectiveActive    EffectiveStatus = "ACTIVE"
	EffectiveExhausted EffectiveStatus = "EXHAUSTED"
	EffectiveRevoked   EffectiveStatus = "REVOKED"
	EffectiveExpired   EffectiveStatus = "EXPIRED"
)

// Authorization grants a patient a finite pool of billable treatment units
// for one service code, valid over a date window. Unit counts move only
// through Reserve/Release/Consume; everything else is administrative.
type Authorization struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	PatientID      string    `json:"patient_id"`
	ServiceCodeID  string    `json:"service_code_id"`
	TotalUnits     int       `json:"total_units"`
	UsedUnits      int       `json:"used_units"`
	ScheduledUnits int       `json:"scheduled_units"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Status         Status    `json:"status"`
	Notes          string    `json:"notes,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available returns the units still open for new reservations.
func (a Authorization) Available() int {
	return a.TotalUnits - a.UsedUnits - a.ScheduledUnits
}

// Expired reports whether the validity window has passed at the given time.
func (a Authorization) Expired(now time.Time) bool {
	return a.EndDate.Before(now)
}

// EffectiveStatus layers the read-time expiry view over the stored status.
func (a Authorization) EffectiveStatus(now time.Time) EffectiveStatus {
	if a.Status == StatusActive && a.Expired(now) {
		return EffectiveExpired
	}
	return EffectiveStatus(a.Status)
}

// Usable reports whether the authorization accepts new reservations:
// stored status ACTIVE, inside the validity window, units remaining.
// A fully reserved authorization is not usable even though it stays ACTIVE;
// released units make it usable again.
func (a Authorization) Usable(now time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	if a.Expired(now) || now.Before(a.StartDate) {
		return false
	}
	return a.Available() > 0
}

// UnitBalance is the counts snapshot returned by every unit operation. It
// carries the tenant fields so consumers do not need a second read to learn
// which organization and patient the counts belong to.
type UnitBalance struct {
	AuthorizationID string          `json:"authorization_id"`
	OrganizationID  string          `json:"organization_id"`
	PatientID       string          `json:"patient_id"`
	TotalUnits      int             `json:"total_units"`
	UsedUnits       int             `json:"used_units"`
	ScheduledUnits  int             `json:"scheduled_units"`
	AvailableUnits  int             `json:"available_units"`
	Status          Status          `json:"status"`
	EffectiveStatus EffectiveStatus `json:"effective_status"`
}

// BalanceOf builds the balance snapshot for an authorization.
func BalanceOf(a Authorization, now time.Time) UnitBalance {
	return UnitBalance{
		AuthorizationID: a.ID,
		OrganizationID:  a.OrganizationID,
		PatientID:       a.PatientID,
		TotalUnits:      a.TotalUnits,
		UsedUnits:       a.UsedUnits,
		ScheduledUnits:  a.ScheduledUnits,
		AvailableUnits:  a.Available(),
		Status:          a.Status,
		EffectiveStatus: a.EffectiveStatus(now),
	}
}

// CreateParams carries the administrative inputs for a new authorization.
type CreateParams struct {
	OrganizationID string    `json:"organization_id"`
	PatientID      string    `json:"patient_id"`
	ServiceCodeID  string    `json:"service_code_id"`
	TotalUnits     int       `json:"total_units"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	Notes          string    `json:"notes,omitempty"`
}

// UpdateParams is the administrative update surface. Unit counters are not
// updatable here; only Reserve/Release/Consume move them.
type UpdateParams struct {
	TotalUnits *int       `json:"total_units,omitempty"`
	StartDate  *time.Time `json:"start_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}
