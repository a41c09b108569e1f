package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/gateway"
	"clinicdash.org/internal/obs"
)

const serviceName = "clinicdash-api"

// ReadyProbe pings the database when one is configured.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP surface over the gateway.
type API struct {
	router     *mux.Router
	gw         *gateway.Gateway
	resolver   *authz.Resolver
	tokens     *Verifier
	ready      readinessChecker
	version    string
	rateBurst  int
	ratePerSec float64
	origins    []string
}

// Option configures the API.
type Option func(*API)

// WithRateLimit sets the per-client token bucket. A non-positive rate
// disables limiting.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

// WithAllowedOrigins lists dashboard origins accepted by CORS.
func WithAllowedOrigins(origins ...string) Option {
	return func(a *API) { a.origins = append(a.origins, origins...) }
}

// New builds the router. Every /v1 route except /v1/info requires a bearer
// token whose subject resolves to at least one active membership.
func New(gw *gateway.Gateway, resolver *authz.Resolver, tokens *Verifier, ready readinessChecker, version string, opts ...Option) *API {
	if ready == nil {
		ready = ReadyProbe{}
	}
	a := &API{
		router:     mux.NewRouter(),
		gw:         gw,
		resolver:   resolver,
		tokens:     tokens,
		ready:      ready,
		version:    version,
		rateBurst:  100,
		ratePerSec: 50,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)

	r.HandleFunc("/healthz", a.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.Ready).Methods(http.MethodGet)
	r.HandleFunc("/v1/info", a.Info).Methods(http.MethodGet)
	r.Handle("/metrics", obs.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(a.withAuth)

	v1.HandleFunc("/me", a.me).Methods(http.MethodGet)
	v1.HandleFunc("/goals/reevaluate", a.reevaluateGoals).Methods(http.MethodPost)
	v1.HandleFunc("/goals/{id}/progress", a.submitProgress).Methods(http.MethodPost)
	v1.HandleFunc("/goals/{id}/progress", a.listGoalProgress).Methods(http.MethodGet)
	v1.HandleFunc("/progress", a.listProgress).Methods(http.MethodGet)
	v1.HandleFunc("/progress/{id}", a.getProgress).Methods(http.MethodGet)
	v1.HandleFunc("/events/goals", a.Stream).Methods(http.MethodGet)

	mountResource(v1, "/clinics", a.gw.Clinics)
	mountResource(v1, "/users", a.gw.Users)
	mountResource(v1, "/memberships", a.gw.Memberships)
	mountResource(v1, "/metrics", a.gw.Metrics)
	mountResource(v1, "/goals", a.gw.Goals)
	mountResource(v1, "/credentials", a.gw.Credentials)

	v1.HandleFunc("/audit", a.listAudit).Methods(http.MethodGet)
	v1.HandleFunc("/audit/{id}", a.getAudit).Methods(http.MethodGet)
	v1.HandleFunc("/audit/{id}", a.amendAudit).Methods(http.MethodPatch)
	v1.HandleFunc("/audit/{id}", a.removeAudit).Methods(http.MethodDelete)
}

// Handler returns the router wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, maxBodyBytes)
	if a.ratePerSec > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h, a.origins...)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
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
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

type membershipView struct {
	ClinicID string     `json:"clinic_id"`
	Role     authz.Role `json:"role"`
}

// me describes the resolved caller so the dashboard can render its clinic
// switcher.
func (a *API) me(w http.ResponseWriter, r *http.Request) {
	ac := authContext(r)
	clinics := make([]membershipView, 0, len(ac.Scope().Clinics()))
	for _, id := range ac.Scope().Clinics() {
		role, _ := ac.RoleIn(id)
		clinics = append(clinics, membershipView{ClinicID: id, Role: role})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id":       ac.SubjectID(),
		"active_clinic_id": ac.ActiveClinicID(),
		"role":             ac.Role(),
		"clinics":          clinics,
	})
}

func (a *API) reevaluateGoals(w http.ResponseWriter, r *http.Request) {
	changed, err := a.gw.ReevaluateGoals(r.Context(), authContext(r))
	if err != nil {
		writeGatewayError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed})
}
