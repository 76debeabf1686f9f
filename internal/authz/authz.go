// Package authz resolves both credential kinds the gateway accepts — a
// first-party session JWT or an opaque device bearer token — to the same
// internal Principal before any handler runs. Handlers read the owner id
// from the Principal only; identity fields in request bodies are ignored.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"timetable-sync/internal/domain"
	"timetable-sync/internal/observability/metrics"
	obsmw "timetable-sync/internal/observability/middleware"
	"timetable-sync/internal/service"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type CredentialKind string

const (
	KindSession CredentialKind = "session"
	KindDevice  CredentialKind = "device"
)

// Principal is the resolved identity behind a request.
type Principal struct {
	UserID   domain.UserID
	DeviceID *domain.DeviceID // set for device-token credentials
	Kind     CredentialKind
}

type Authenticator struct {
	secret  []byte
	issuer  string
	devices service.DeviceService
}

func New(sessionSecret, issuer string, devices service.DeviceService) *Authenticator {
	return &Authenticator{
		secret:  []byte(sessionSecret),
		issuer:  issuer,
		devices: devices,
	}
}

// Middleware authenticates the request or ends it with 401. Session JWTs and
// opaque device tokens share the Authorization header; a JWT always contains
// two dots, an opaque token never contains any.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := obsmw.RequestIDFromContext(r.Context())

		raw := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			metrics.AuthenticationAttemptsTotal.WithLabelValues("none", "failure").Inc()
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			slog.Warn("auth missing bearer", "request_id", reqID)
			return
		}
		tokStr := strings.TrimSpace(raw[len("Bearer "):])

		var (
			p    Principal
			err  error
			kind string
		)
		if strings.Count(tokStr, ".") == 2 {
			kind = string(KindSession)
			p, err = a.resolveSession(tokStr)
		} else {
			kind = string(KindDevice)
			p, err = a.resolveDevice(r.Context(), tokStr)
		}
		if err != nil {
			metrics.AuthenticationAttemptsTotal.WithLabelValues(kind, "failure").Inc()
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			slog.Warn("auth failed", "kind", kind, "error", err, "request_id", reqID)
			return
		}

		metrics.AuthenticationAttemptsTotal.WithLabelValues(kind, "success").Inc()
		next.ServeHTTP(w, r.WithContext(contextWithPrincipal(r.Context(), p)))
	})
}

func (a *Authenticator) resolveSession(tokStr string) (Principal, error) {
	token, err := jwt.Parse(tokStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %T", token.Method)
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Principal{}, errors.New("invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid session claims")
	}
	if iss, _ := claims["iss"].(string); iss != a.issuer {
		return Principal{}, errors.New("issuer mismatch")
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Principal{}, errors.New("invalid subject")
	}
	return Principal{UserID: userID, Kind: KindSession}, nil
}

func (a *Authenticator) resolveDevice(ctx context.Context, tokStr string) (Principal, error) {
	tok, err := a.devices.ResolveToken(ctx, tokStr)
	if err != nil {
		return Principal{}, err
	}
	deviceID := tok.DeviceID
	return Principal{UserID: tok.UserID, DeviceID: &deviceID, Kind: KindDevice}, nil
}

// Local context key so other packages depend on Principal, not on this wiring.
type principalKey struct{}

func contextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFrom(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(principalKey{}).(Principal)
	return v, ok
}
