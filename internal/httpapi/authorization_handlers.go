package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"careunits.org/internal/audit"
	"careunits.org/internal/auth"
	"careunits.org/internal/ledger"
	"careunits.org/internal/obs"
	"careunits.org/internal/stream"
)

type unitRequest struct {
	Units int `json:"units"`
}

func (a *API) handleAuthorizationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAuthorization(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAuthorizationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/authorizations/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			a.getAuthorization(w, r, id)
		case http.MethodPatch:
			a.updateAuthorization(w, r, id)
		case http.MethodDelete:
			a.deleteAuthorization(w, r, id)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
		}
	case "units":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getUnits(w, r, id)
	case "reserve", "release", "consume":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.unitOperation(w, r, id, action)
	case "revoke":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.revokeAuthorization(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handlePatientResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/patients/")
	patientID, rest, _ := strings.Cut(path, "/")
	if patientID == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	switch rest {
	case "authorizations":
		a.listAuthorizations(w, r, patientID)
	case "authorizations/active":
		a.activeAuthorization(w, r, patientID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAuthorization(w http.ResponseWriter, r *http.Request) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var params ledger.CreateParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	created, err := a.service.Create(r.Context(), actor, params)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.auditEvent(r, "authorization.create", map[string]any{
		"authorization_id": created.ID,
		"patient_id":       created.PatientID,
		"service_code_id":  created.ServiceCodeID,
		"total_units":      created.TotalUnits,
	})

	w.Header().Set("Location", "/v1/authorizations/"+created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) getAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	found, err := a.service.Get(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (a *API) updateAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var upd ledger.UpdateParams
	if err := decodeJSON(w, r, &upd); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.service.Update(r.Context(), actor, id, upd)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.auditEvent(r, "authorization.update", map[string]any{
		"authorization_id": updated.ID,
	})
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) deleteAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	if err := a.service.Delete(r.Context(), actor, id); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.auditEvent(r, "authorization.delete", map[string]any{
		"authorization_id": id,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) revokeAuthorization(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	revoked, err := a.service.Revoke(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.auditEvent(r, "authorization.revoke", map[string]any{
		"authorization_id": revoked.ID,
	})
	if a.stream != nil {
		a.stream.Publish(stream.UnitEvent{
			Kind:            stream.KindRevoked,
			AuthorizationID: revoked.ID,
			OrganizationID:  revoked.OrganizationID,
			PatientID:       revoked.PatientID,
			AvailableUnits:  revoked.Available(),
			ScheduledUnits:  revoked.ScheduledUnits,
			UsedUnits:       revoked.UsedUnits,
			Timestamp:       time.Now().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, revoked)
}

func (a *API) getUnits(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	balance, err := a.service.AvailableUnits(r.Context(), actor, id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *API) unitOperation(w http.ResponseWriter, r *http.Request, id, op string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	var req unitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		balance ledger.UnitBalance
		err     error
	)
	switch op {
	case "reserve":
		balance, err = a.service.Reserve(r.Context(), actor, id, req.Units)
	case "release":
		balance, err = a.service.Release(r.Context(), actor, id, req.Units)
	case "consume":
		balance, err = a.service.Consume(r.Context(), actor, id, req.Units)
	}
	obs.ObserveUnitOperation(op, resultLabel(err))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	a.auditEvent(r, "units."+op, map[string]any{
		"authorization_id": id,
		"units":            req.Units,
		"available_units":  balance.AvailableUnits,
	})
	a.publishUnitEvent(op, id, req.Units, balance)

	writeJSON(w, http.StatusOK, balance)
}

func (a *API) listAuthorizations(w http.ResponseWriter, r *http.Request, patientID string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	items, err := a.service.ListByPatient(r.Context(), actor, patientID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Authorization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) activeAuthorization(w http.ResponseWriter, r *http.Request, patientID string) {
	actor, ok := actorFrom(w, r)
	if !ok {
		return
	}
	serviceCodeID := strings.TrimSpace(r.URL.Query().Get("service_code_id"))
	if serviceCodeID == "" {
		writeError(w, r, http.StatusBadRequest, "service_code_id query parameter is required")
		return
	}
	found, err := a.service.ActiveAuthorizationFor(r.Context(), actor, patientID, serviceCodeID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	// No usable authorization is an ordinary answer, not an error: the
	// scheduler uses it to block new bookings.
	writeJSON(w, http.StatusOK, map[string]any{
		"authorization": found,
		"schedulable":   found != nil,
	})
}

func (a *API) publishUnitEvent(op, id string, units int, balance ledger.UnitBalance) {
	if a.stream == nil {
		return
	}
	kind := stream.EventKind("")
	switch op {
	case "reserve":
		kind = stream.KindReserved
	case "release":
		kind = stream.KindReleased
	case "consume":
		kind = stream.KindConsumed
		if balance.Status == ledger.StatusExhausted {
			kind = stream.KindExhausted
		}
	default:
		return
	}

	a.stream.Publish(stream.UnitEvent{
		Kind:            kind,
		AuthorizationID: id,
		OrganizationID:  balance.OrganizationID,
		PatientID:       balance.PatientID,
		Units:           units,
		AvailableUnits:  balance.AvailableUnits,
		ScheduledUnits:  balance.ScheduledUnits,
		UsedUnits:       balance.UsedUnits,
		Timestamp:       time.Now().UTC(),
	})
}

func (a *API) auditEvent(r *http.Request, event string, fields map[string]any) {
	_ = audit.LogEvent(r.Context(), event, fields)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrInsufficientUnits),
		errors.Is(err, ledger.ErrReleaseExceedsScheduled),
		errors.Is(err, ledger.ErrConsumeExceedsScheduled),
		errors.Is(err, ledger.ErrInactiveAuthorization):
		return "rejected"
	default:
		return "error"
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var exhausted *ledger.RetryExhaustedError
	switch {
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrInvalidUnits):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, ledger.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "operation not permitted")
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInsufficientUnits),
		errors.Is(err, ledger.ErrReleaseExceedsScheduled),
		errors.Is(err, ledger.ErrConsumeExceedsScheduled),
		errors.Is(err, ledger.ErrInactiveAuthorization),
		errors.Is(err, ledger.ErrHasHistory):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.As(err, &exhausted), errors.Is(err, ledger.ErrConflict):
		writeError(w, r, http.StatusServiceUnavailable, "transaction conflict, retry later")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
