package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/flagmatchio/evaluator/internal/matching"
	"github.com/flagmatchio/evaluator/internal/telemetry"
)

// evaluateRequest is the body of POST /v1/flags/evaluate.
type evaluateRequest struct {
	DistinctID      string                    `json:"distinct_id"`
	TeamID          int64                     `json:"team_id"`
	ProjectID       int64                     `json:"project_id"`
	FlagKeys        []string                  `json:"flag_keys,omitempty"`
	PersonProps     map[string]any            `json:"person_properties,omitempty"`
	GroupProps      map[string]map[string]any `json:"group_properties,omitempty"`
	Groups          map[string]string         `json:"groups,omitempty"`
	HashKeyOverride string                    `json:"hash_key_override,omitempty"`
}

// handleEvaluate serves POST /v1/flags/evaluate: build a matching.Matcher
// scoped to the request's identity and call EvaluateAll against every active
// flag for the team (or the requested subset).
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequestError(w, r, ErrCodeInvalidJSON, "invalid JSON: "+err.Error())
		return
	}

	fields := make(map[string]string)
	if strings.TrimSpace(req.DistinctID) == "" {
		fields["distinct_id"] = "distinct_id is required"
	}
	if req.TeamID == 0 {
		fields["team_id"] = "team_id is required"
	}
	if len(fields) > 0 {
		ValidationError(w, r, "validation failed for one or more fields", fields)
		return
	}

	flags, err := s.flagStore.GetActiveFlags(r.Context(), req.TeamID)
	if err != nil {
		InternalError(w, r, "failed to load flag definitions")
		return
	}
	if len(req.FlagKeys) > 0 {
		flags = filterFlags(flags, req.FlagKeys)
	}

	groupTypeCache := s.groupTypeCache
	cohortCache := s.cohortCache

	matcher := matching.NewMatcher(
		req.DistinctID, req.TeamID, req.ProjectID,
		s.reader, s.writer, cohortCache, groupTypeCache, req.Groups,
	)

	personProps := mergeGroupOverridesSafe(req.PersonProps)
	groupProps := req.GroupProps
	if groupProps == nil {
		groupProps = map[string]map[string]any{}
	}

	result := matcher.EvaluateAll(r.Context(), flags, personProps, groupProps, req.HashKeyOverride)
	recordEvaluationMetrics(result)

	writeJSON(w, http.StatusOK, result)
}

func filterFlags(flags []matching.Flag, keys []string) []matching.Flag {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	out := make([]matching.Flag, 0, len(flags))
	for _, f := range flags {
		if wanted[f.Key] {
			out = append(out, f)
		}
	}
	return out
}

func mergeGroupOverridesSafe(props map[string]any) map[string]any {
	if props == nil {
		return map[string]any{}
	}
	return props
}

// recordEvaluationMetrics bumps the evaluator's per-flag outcome and error
// counters, per spec.md's error-handling design: every evaluation error
// (FlagResult.Error non-empty) is labelled by its kind string, and every
// evaluated flag is labelled by its outcome reason.
func recordEvaluationMetrics(resp *matching.BatchResponse) {
	for _, result := range resp.Flags {
		telemetry.FlagsEvaluatedTotal.WithLabelValues(string(result.Reason)).Inc()
		if result.Error != "" {
			telemetry.EvaluationErrorsTotal.WithLabelValues(result.Error).Inc()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
