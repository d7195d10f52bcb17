package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flagmatchio/evaluator/internal/auth"
	"github.com/flagmatchio/evaluator/internal/cohortcache"
	"github.com/flagmatchio/evaluator/internal/flagstore"
	"github.com/flagmatchio/evaluator/internal/matching"
)

func newTestServer(t *testing.T) (*Server, *flagstore.MemoryStore, *flagstore.MemoryReader) {
	t.Helper()

	flagStore := flagstore.NewMemoryStore()
	reader := flagstore.NewMemoryReader()
	groupTypeLoader := flagstore.NewMemoryGroupTypeLoader()
	cohortLoader := flagstore.NewMemoryCohortLoader()

	groupTypeCache := matching.NewGroupTypeCache(groupTypeLoader)
	cache := cohortcache.New(cohortLoader, time.Minute)

	authenticator := auth.NewAuthenticator(nil, "test-admin-key")
	t.Cleanup(func() { authenticator.Close() })

	srv := NewServer(flagStore, reader, reader, cache, groupTypeCache, authenticator, 1000)
	return srv, flagStore, reader
}

func authedRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-admin-key")
	return req
}

func TestHandleEvaluate_BasicFlag(t *testing.T) {
	srv, flagStore, reader := newTestServer(t)
	handler := srv.Router()

	reader.PutPerson(1, "user-123", nil)
	flagStore.Put(matching.Flag{
		TeamID: 1,
		Key:    "test-flag",
		Active: true,
		Filters: matching.FlagFilters{
			Groups: []matching.Condition{{RolloutPercentage: floatPtr(100)}},
		},
	})

	body := `{"distinct_id": "user-123", "team_id": 1}`
	req := authedRequest(http.MethodPost, "/v1/flags/evaluate", body)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp matching.BatchResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	result, ok := resp.Flags["test-flag"]
	if !ok {
		t.Fatal("expected test-flag in response")
	}
	if !result.Enabled {
		t.Errorf("expected test-flag to be enabled, got %+v", result)
	}
}

func TestHandleEvaluate_FilterByKeys(t *testing.T) {
	srv, flagStore, _ := newTestServer(t)
	handler := srv.Router()

	for _, key := range []string{"flag1", "flag2", "flag3"} {
		flagStore.Put(matching.Flag{
			TeamID: 1, Key: key, Active: true,
			Filters: matching.FlagFilters{Groups: []matching.Condition{{RolloutPercentage: floatPtr(100)}}},
		})
	}

	body := `{"distinct_id": "user-123", "team_id": 1, "flag_keys": ["flag1", "flag3"]}`
	req := authedRequest(http.MethodPost, "/v1/flags/evaluate", body)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var resp matching.BatchResponse
	json.NewDecoder(rr.Body).Decode(&resp)

	if len(resp.Flags) != 2 {
		t.Errorf("expected 2 flags, got %d", len(resp.Flags))
	}
	if _, ok := resp.Flags["flag2"]; ok {
		t.Error("did not expect flag2 in a filtered response")
	}
}

func TestHandleEvaluate_MissingDistinctID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	req := authedRequest(http.MethodPost, "/v1/flags/evaluate", `{"team_id": 1}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestHandleEvaluate_InvalidJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	req := authedRequest(http.MethodPost, "/v1/flags/evaluate", "not json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestHandleEvaluate_RequiresAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/v1/flags/evaluate", bytes.NewBufferString(`{"distinct_id":"u","team_id":1}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
}

func TestHandleEvaluate_EmptyFlagSet(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	req := authedRequest(http.MethodPost, "/v1/flags/evaluate", `{"distinct_id":"user-123","team_id":1}`)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp matching.BatchResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Flags) != 0 {
		t.Errorf("expected 0 flags for a team with none defined, got %d", len(resp.Flags))
	}
}

func floatPtr(f float64) *float64 { return &f }
