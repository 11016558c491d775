package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicq/internal/docstore"
	"clinicq/internal/engine"
)

type authContextKey struct{}

// Session is an authenticated browser session resolved from the sessions
// collection. Role admin grants the override paths.
type Session struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

var (
	errMissingSession = errors.New("missing session")
	errInvalidSession = errors.New("invalid session")
	errExpiredSession = errors.New("session expired")
)

// ResolveSession authenticates a request against the sessions collection.
// Both the HTTP middleware and the realtime endpoint use it.
func ResolveSession(ctx context.Context, store docstore.Store, r *http.Request) (Session, error) {
	sessionID := sessionIDFromRequest(r)
	if sessionID == "" {
		return Session{}, errMissingSession
	}
	raw, err := store.Get(ctx, docstore.CollectionSessions, sessionID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Session{}, errInvalidSession
		}
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil || session.UserID == "" {
		return Session{}, errInvalidSession
	}
	if !session.ExpiresAt.IsZero() && session.ExpiresAt.Before(time.Now()) {
		return Session{}, errExpiredSession
	}
	return session, nil
}

func AuthMiddleware(store docstore.Store, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		session, err := ResolveSession(r.Context(), store, r)
		if err != nil {
			switch {
			case errors.Is(err, errMissingSession), errors.Is(err, errInvalidSession), errors.Is(err, errExpiredSession):
				writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			default:
				writeError(w, http.StatusInternalServerError, "internal_error", "session lookup failed")
			}
			return
		}
		caller := engine.Caller{
			ID:    session.UserID,
			Name:  session.DisplayName,
			Admin: session.Role == "admin",
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerFromContext(ctx context.Context) (engine.Caller, bool) {
	value := ctx.Value(authContextKey{})
	if value == nil {
		return engine.Caller{}, false
	}
	caller, ok := value.(engine.Caller)
	return caller, ok
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics":
		return true
	}
	// Patient intake is submitted from the public booking flow.
	return r.URL.Path == "/api/visits" && r.Method == http.MethodPost
}

func sessionIDFromRequest(r *http.Request) string {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}
