package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trialgate/internal/domain"
	"trialgate/internal/dto"
	"trialgate/internal/identity"
	"trialgate/internal/netutil"
	obsmw "trialgate/internal/observability/middleware"
	"trialgate/internal/service"
	impl "trialgate/internal/service/impl"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(validation service.ValidationService, ident *identity.Validator) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(obsmw.WithRequestAndTrace)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/trials", func(r chi.Router) {
		r.Use(ident.Middleware)
		r.Post("/start", handleStartTrial(validation))
		r.Post("/validate", handleValidateTrial(validation))
	})

	return r
}

func handleStartTrial(validation service.ValidationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.StartTrialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		userID, ok := identity.UserIDFrom(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		if req.AttestationToken == "" {
			req.AttestationToken = r.Header.Get("X-Attestation-Token")
		}
		res, err := validation.StartTrial(r.Context(), userID, req, clientIP(r), r.UserAgent())
		if err != nil {
			writeTrialError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleValidateTrial(validation service.ValidationService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req dto.ValidateTrialRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		userID, ok := identity.UserIDFrom(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		if req.AttestationToken == "" {
			req.AttestationToken = r.Header.Get("X-Attestation-Token")
		}
		res, err := validation.ValidateTrial(r.Context(), userID, req, clientIP(r), r.UserAgent())
		if err != nil {
			writeTrialError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func clientIP(r *http.Request) string {
	if normalized, ok := netutil.NormalizeIP(r.RemoteAddr); ok {
		return normalized
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeTrialError maps service errors onto statuses the client's retry policy
// understands: 4xx is terminal, never retried.
func writeTrialError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, domain.ErrTrialNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrAttestationInvalid),
		errors.Is(err, domain.ErrAttestationExpired),
		errors.Is(err, domain.ErrDebugTokenRejected),
		errors.Is(err, domain.ErrDeviceMismatch),
		errors.Is(err, impl.ErrUserMismatch):
		status = http.StatusUnauthorized
	case errors.Is(err, impl.ErrEmptyDeviceID),
		errors.Is(err, impl.ErrInvalidTrialType),
		errors.Is(err, impl.ErrInvalidTrialID):
		status = http.StatusBadRequest
	default:
		status = http.StatusInternalServerError
	}
	errBody := struct {
		Error string `json:"error"`
	}{Error: err.Error()}
	if status == http.StatusInternalServerError {
		errBody.Error = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errBody)
}
