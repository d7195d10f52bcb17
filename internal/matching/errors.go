package matching

import "fmt"

// ErrorKind tags every error the matcher can surface, per spec.md §7. The
// string value is what gets attached to a FlagResult.Error and what labels
// the Prometheus error counter in the caller's telemetry package.
type ErrorKind string

const (
	ErrKindDatabaseUnavailable  ErrorKind = "database_unavailable"
	ErrKindDatabaseError        ErrorKind = "database_error"
	ErrKindTimeout              ErrorKind = "timeout_error"
	ErrKindPersonNotFound       ErrorKind = "person_not_found"
	ErrKindNoGroupTypeMappings  ErrorKind = "no_group_type_mappings"
	ErrKindCohortNotFound       ErrorKind = "cohort_not_found"
	ErrKindCohortDependencyCycle ErrorKind = "cohort_dependency_cycle"
	ErrKindCohortFiltersParsing ErrorKind = "cohort_filters_parsing_error"
)

// MatchError is the tagged error type propagated by every matching component.
type MatchError struct {
	Kind ErrorKind
	Msg  string
}

func (e *MatchError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func newError(kind ErrorKind, msg string) *MatchError {
	return &MatchError{Kind: kind, Msg: msg}
}

func errDatabaseUnavailable(msg string) *MatchError { return newError(ErrKindDatabaseUnavailable, msg) }
func errDatabase(msg string) *MatchError             { return newError(ErrKindDatabaseError, msg) }
func errTimeout(msg string) *MatchError              { return newError(ErrKindTimeout, msg) }
func errPersonNotFound() *MatchError                 { return newError(ErrKindPersonNotFound, "") }
func errNoGroupTypeMappings() *MatchError            { return newError(ErrKindNoGroupTypeMappings, "") }
func errCohortNotFound(id int64) *MatchError {
	return newError(ErrKindCohortNotFound, fmt.Sprintf("cohort %d not found", id))
}
func errCohortDependencyCycle(root int64) *MatchError {
	return newError(ErrKindCohortDependencyCycle, fmt.Sprintf("cycle detected starting at cohort %d", root))
}
func errCohortFiltersParsing(msg string) *MatchError { return newError(ErrKindCohortFiltersParsing, msg) }

// kindOf extracts the ErrorKind from any error for telemetry labelling,
// defaulting to ErrKindDatabaseError for untagged errors (e.g. raw pgx
// failures bubbling up from a collaborator).
func kindOf(err error) ErrorKind {
	if me, ok := err.(*MatchError); ok {
		return me.Kind
	}
	return ErrKindDatabaseError
}
