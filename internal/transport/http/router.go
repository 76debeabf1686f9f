package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"timetable-sync/internal/authz"
	"timetable-sync/internal/domain"
	"timetable-sync/internal/dto"
	obsmw "timetable-sync/internal/observability/middleware"
	"timetable-sync/internal/service"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterConfig struct {
	Devices        service.DeviceService
	Resources      service.ResourceService
	Auth           *authz.Authenticator
	CORSOrigins    []string
	RateLimit      int // requests per minute per IP; 0 disables
	RequestTimeout time.Duration
}

func NewRouter(cfg RouterConfig) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	r.Use(chimw.Timeout(cfg.RequestTimeout))
	if cfg.RateLimit > 0 {
		r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
	}
	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(obsmw.WithMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	h := &handlers{devices: cfg.Devices, resources: cfg.Resources}

	// Pairing endpoints: no auth, registration is rate limited hardest since
	// it creates rows on behalf of strangers.
	r.Group(func(pub chi.Router) {
		if cfg.RateLimit > 0 {
			pub.Use(httprate.LimitByIP(cfg.RateLimit/4+1, time.Minute))
		}
		pub.Post("/v1/devices/register", h.registerDevice)
		pub.Post("/v1/devices/exchange", h.exchangeDevice)
	})

	// Refresh authenticates with the old token itself; it must see the raw
	// bearer value, so it sits outside the resolving middleware.
	r.Post("/v1/devices/refresh", h.refreshDevice)

	r.Group(func(pr chi.Router) {
		pr.Use(cfg.Auth.Middleware)
		pr.Post("/v1/devices/link", h.linkDevice)
		pr.Post("/v1/resources/save", h.saveResource)
		pr.Get("/v1/resources/get", h.getResource)
		pr.Get("/v1/resources/list", h.listResources)
	})

	return r
}

type handlers struct {
	devices   service.DeviceService
	resources service.ResourceService
}

func (h *handlers) registerDevice(w http.ResponseWriter, r *http.Request) {
	var req dto.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	res, err := h.devices.Register(r.Context(), req.Fingerprint)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) exchangeDevice(w http.ResponseWriter, r *http.Request) {
	var req dto.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	deviceID, err := uuid.Parse(strings.TrimSpace(req.DeviceID))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid deviceId")
		return
	}
	res, err := h.devices.Exchange(r.Context(), deviceID, req.PairingCode)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) refreshDevice(w http.ResponseWriter, r *http.Request) {
	raw, ok := bearerToken(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	res, err := h.devices.Refresh(r.Context(), raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) linkDevice(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no principal")
		return
	}
	// Only a first-party session may approve a pairing; a device token
	// approving codes would let one stolen credential mint more.
	if p.Kind != authz.KindSession {
		writeError(w, http.StatusForbidden, "session required")
		return
	}
	var req dto.LinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := h.devices.Link(r.Context(), p.UserID, req.PairingCode); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) saveResource(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no principal")
		return
	}
	var req dto.SaveResourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	res, err := h.resources.Save(r.Context(), p.UserID, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) getResource(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no principal")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}
	res, err := h.resources.GetByKey(r.Context(), p.UserID, key)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) listResources(w http.ResponseWriter, r *http.Request) {
	p, ok := authz.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no principal")
		return
	}
	res, err := h.resources.List(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func bearerToken(r *http.Request) (string, bool) {
	raw := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(raw[len("Bearer "):]), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, domain.ErrNotLinked):
		// Polling clients treat this 404 as "keep waiting".
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRegistrationNotFound),
		errors.Is(err, domain.ErrResourceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrRegistrationExpired):
		status = http.StatusGone
	case errors.Is(err, domain.ErrAlreadyLinked):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTokenInvalid), errors.Is(err, domain.ErrTokenExpired):
		status = http.StatusUnauthorized
	}
	writeError(w, status, err.Error())
}
