package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"clinicq/internal/docstore"
	"clinicq/internal/docstore/memory"
	"clinicq/internal/engine"
)

func seedSession(t *testing.T, store *memory.Store, fields map[string]any) string {
	t.Helper()
	id, err := store.Create(context.Background(), docstore.CollectionSessions, fields)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return id
}

func TestAuthMiddlewareResolvesCaller(t *testing.T) {
	store := memory.New(memory.Options{})
	sessionID := seedSession(t, store, map[string]any{
		"userId":      "p1",
		"displayName": "Dr One",
		"role":        "provider",
	})

	var got engine.Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFromContext(r.Context())
		if !ok {
			t.Fatal("caller missing from context")
		}
		got = caller
	})

	req := httptest.NewRequest(http.MethodGet, "/api/visits", nil)
	req.Header.Set("Authorization", "Bearer "+sessionID)
	rec := httptest.NewRecorder()
	AuthMiddleware(store, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got.ID != "p1" || got.Name != "Dr One" || got.Admin {
		t.Fatalf("caller = %+v", got)
	}
}

func TestAuthMiddlewareAdminRole(t *testing.T) {
	store := memory.New(memory.Options{})
	sessionID := seedSession(t, store, map[string]any{
		"userId":      "a1",
		"displayName": "Admin",
		"role":        "admin",
	})

	var got engine.Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = callerFromContext(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/api/visits?session_id="+sessionID, nil)
	rec := httptest.NewRecorder()
	AuthMiddleware(store, next).ServeHTTP(rec, req)

	if !got.Admin {
		t.Fatalf("caller = %+v", got)
	}
}

func TestAuthMiddlewareRejectsMissingSession(t *testing.T) {
	store := memory.New(memory.Options{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without session")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/visits", nil)
	rec := httptest.NewRecorder()
	AuthMiddleware(store, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddlewareRejectsExpiredSession(t *testing.T) {
	store := memory.New(memory.Options{})
	sessionID := seedSession(t, store, map[string]any{
		"userId":      "p1",
		"displayName": "Dr One",
		"role":        "provider",
		"expiresAt":   time.Now().Add(-time.Hour).Format(time.RFC3339),
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached with expired session")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/visits", nil)
	req.Header.Set("Authorization", "Bearer "+sessionID)
	rec := httptest.NewRecorder()
	AuthMiddleware(store, next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthMiddlewareAllowsPublicIntake(t *testing.T) {
	store := memory.New(memory.Options{})
	reached := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	})

	req := httptest.NewRequest(http.MethodPost, "/api/visits", nil)
	rec := httptest.NewRecorder()
	AuthMiddleware(store, next).ServeHTTP(rec, req)

	if !reached || rec.Code != http.StatusOK {
		t.Fatalf("reached=%v status=%d", reached, rec.Code)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 60, IPBurst: 2, CallerPerMinute: 60, CallerBurst: 2})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/visits", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		limiter.Middleware(next).ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d", last)
	}

	// A different client keeps its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/visits", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	rec := httptest.NewRecorder()
	limiter.Middleware(next).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d", rec.Code)
	}
}
