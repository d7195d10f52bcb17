package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// RequestID assigns every request a UUID, stored under chi's own
// middleware.RequestIDKey so middleware.GetReqID (used by errors.go) keeps
// working unchanged. Grounded on the teacher's internal/webhook/dispatcher.go,
// which generates each webhook delivery's correlation id the same way
// (uuid.New().String()) rather than chi's built-in host-prefix+counter scheme.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
