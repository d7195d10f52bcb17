package auth

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

type contextKey string

// ContextKeyTeamID carries the authenticated request's team id, the
// evaluate handler's primary scoping dimension.
const ContextKeyTeamID contextKey = "team_id"

// APIKey is the plain shape a KeyStore returns. It deliberately carries no
// sqlc-generated or pgx-specific types: internal/auth knows nothing about
// how internal/flagstore persists keys, only what it needs to authenticate
// a request.
type APIKey struct {
	ID        int64
	TeamID    int64
	KeyHash   string
	Enabled   bool
	ExpiresAt *time.Time
}

// KeyStore resolves the full set of enabled keys and records usage. Listing
// every key and bcrypt-comparing each is the teacher's own approach (bcrypt
// hashes are salted, so there is no indexable lookup by hash); it is
// reasonable at the expected key-count scale of a per-team bearer token and
// avoids a second cache layer this module does not otherwise need.
type KeyStore interface {
	ListAPIKeys(ctx context.Context) ([]APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id int64) error
}

type lastUsedUpdate struct {
	id int64
}

// Authenticator authenticates incoming requests against a static admin key
// (config.AdminAPIKey, for operator tooling) and a KeyStore of per-team keys.
type Authenticator struct {
	keyStore       KeyStore
	legacyAdminKey string
	updateChan     chan lastUsedUpdate
	closed         int32
}

// NewAuthenticator starts a background worker that records key usage without
// blocking the request path, mirroring the teacher's lastUsedWorker.
func NewAuthenticator(keyStore KeyStore, legacyAdminKey string) *Authenticator {
	a := &Authenticator{
		keyStore:       keyStore,
		legacyAdminKey: legacyAdminKey,
		updateChan:     make(chan lastUsedUpdate, 100),
	}
	go a.lastUsedWorker()
	return a
}

func (a *Authenticator) lastUsedWorker() {
	for update := range a.updateChan {
		if a.keyStore == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.keyStore.UpdateAPIKeyLastUsed(ctx, update.id)
		cancel()
	}
}

// Close shuts down the background worker. Safe to call multiple times.
func (a *Authenticator) Close() error {
	if !atomic.CompareAndSwapInt32(&a.closed, 0, 1) {
		return nil
	}
	close(a.updateChan)
	return nil
}

// AuthResult is the outcome of an authentication attempt.
type AuthResult struct {
	Authenticated bool
	TeamID        int64
	APIKeyID      int64
	Error         string
}

// Authenticate checks authHeader against the legacy admin key first (which,
// if it matches, authenticates for team id 0 — evaluate requests still name
// their own team id in the request body), then against the KeyStore.
func (a *Authenticator) Authenticate(ctx context.Context, authHeader string) AuthResult {
	token := ExtractBearerToken(authHeader)
	if token == "" {
		return AuthResult{Error: "missing bearer token"}
	}

	if a.legacyAdminKey != "" && VerifyAPIKeyConstantTime(token, a.legacyAdminKey) {
		return AuthResult{Authenticated: true}
	}

	if a.keyStore == nil {
		return AuthResult{Error: "invalid token"}
	}

	keys, err := a.keyStore.ListAPIKeys(ctx)
	if err != nil {
		return AuthResult{Error: "authentication service unavailable"}
	}

	var matched *APIKey
	for i := range keys {
		if keys[i].Enabled && VerifyAPIKey(token, keys[i].KeyHash) {
			matched = &keys[i]
			break
		}
	}
	if matched == nil {
		return AuthResult{Error: "invalid token"}
	}
	if matched.ExpiresAt != nil && time.Now().After(*matched.ExpiresAt) {
		return AuthResult{Error: "api key expired"}
	}

	select {
	case a.updateChan <- lastUsedUpdate{id: matched.ID}:
	default:
		// Channel full: skipping a last-used bump is an acceptable trade-off.
	}

	return AuthResult{Authenticated: true, TeamID: matched.TeamID, APIKeyID: matched.ID}
}

// RequireAuth returns middleware that authenticates every request and stores
// the resolved team id in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := a.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if !result.Authenticated {
			http.Error(w, result.Error, http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ContextKeyTeamID, result.TeamID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TeamIDFromContext extracts the authenticated request's team id.
func TeamIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(ContextKeyTeamID).(int64)
	return id, ok
}
