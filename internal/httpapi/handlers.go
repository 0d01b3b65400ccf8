package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"careunits.org/internal/ledger"
	"careunits.org/internal/obs"
	"careunits.org/internal/stream"
)

// ReadyProbe checks backing dependencies before the service reports ready.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization unit ledger.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	service    *ledger.Service
	stream     *stream.Stream

	rateBurst  int
	ratePerSec int
}

func New(rp ReadyProbe, version string, service *ledger.Service, st *stream.Stream) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		service:    service,
		stream:     st,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// token issuance
	a.mux.HandleFunc("/v1/auth/token", a.handleAuthToken)

	// authorization unit ledger
	a.mux.HandleFunc("/v1/authorizations", a.handleAuthorizationsCollection)
	a.mux.HandleFunc("/v1/authorizations/", a.handleAuthorizationResource)
	a.mux.HandleFunc("/v1/patients/", a.handlePatientResource)

	// live unit events
	a.mux.HandleFunc("/v1/stream/units", a.Stream)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the default per-IP rate limit. Call before Handler.
func (a *API) SetRateLimit(burst, perSecond int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSecond > 0 {
		a.ratePerSec = perSecond
	}
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "careunits-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "careunits-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
