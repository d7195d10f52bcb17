package flagstore

import (
	"context"
	"sync"

	"github.com/flagmatchio/evaluator/internal/matching"
)

// MemoryReader is an in-memory implementation of matching.PropertyStore,
// matching.StaticCohortFetcher, matching.HashKeyOverrideReader, and
// matching.HashKeyOverrideWriter, grounded on the teacher's
// internal/store.MemoryStore mutex-guarded-map pattern. It exists for tests
// and single-instance local development where standing up Postgres is not
// worth it.
type MemoryReader struct {
	mu sync.RWMutex

	// persons maps (teamID, distinctID) -> personID.
	persons map[int64]map[string]int64
	// personProps maps personID -> properties.
	personProps map[int64]map[string]any
	// groupProps maps (teamID, groupTypeIndex, groupKey) -> properties.
	groupProps map[int64]map[int]map[string]map[string]any
	// staticMembers maps (personID, cohortID) -> member.
	staticMembers map[int64]map[int64]bool
	// overrides maps (teamID, personID) -> flagKey -> hashKey.
	overrides map[int64]map[int64]map[string]string
	nextPersonID int64
}

// NewMemoryReader builds an empty in-memory reader.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{
		persons:       make(map[int64]map[string]int64),
		personProps:   make(map[int64]map[string]any),
		groupProps:    make(map[int64]map[int]map[string]map[string]any),
		staticMembers: make(map[int64]map[int64]bool),
		overrides:     make(map[int64]map[int64]map[string]string),
	}
}

// PutPerson registers distinctID under teamID with the given properties,
// returning the assigned person id.
func (m *MemoryReader) PutPerson(teamID int64, distinctID string, properties map[string]any) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPersonID++
	id := m.nextPersonID
	if m.persons[teamID] == nil {
		m.persons[teamID] = make(map[string]int64)
	}
	m.persons[teamID][distinctID] = id
	m.personProps[id] = properties
	return id
}

// PutGroup registers a group's properties.
func (m *MemoryReader) PutGroup(teamID int64, groupTypeIndex int, groupKey string, properties map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groupProps[teamID] == nil {
		m.groupProps[teamID] = make(map[int]map[string]map[string]any)
	}
	if m.groupProps[teamID][groupTypeIndex] == nil {
		m.groupProps[teamID][groupTypeIndex] = make(map[string]map[string]any)
	}
	m.groupProps[teamID][groupTypeIndex][groupKey] = properties
}

// PutStaticMembership marks personID as a member of cohortID.
func (m *MemoryReader) PutStaticMembership(personID, cohortID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.staticMembers[personID] == nil {
		m.staticMembers[personID] = make(map[int64]bool)
	}
	m.staticMembers[personID][cohortID] = true
}

// FetchProperties implements matching.PropertyStore.
func (m *MemoryReader) FetchProperties(ctx context.Context, distinctID string, teamID int64, groups []matching.GroupKeyRequest) (*matching.FetchedProperties, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &matching.FetchedProperties{GroupProperties: make(map[int]map[string]any, len(groups))}
	if id, ok := m.persons[teamID][distinctID]; ok {
		out.PersonID = &id
		out.PersonProperties = cloneProps(m.personProps[id])
	}
	for _, g := range groups {
		out.GroupProperties[g.GroupTypeIndex] = cloneProps(m.groupProps[teamID][g.GroupTypeIndex][g.GroupKey])
	}
	return out, nil
}

// FetchGroupPropertiesByType implements matching.PropertyStore.
func (m *MemoryReader) FetchGroupPropertiesByType(ctx context.Context, teamID int64, groupTypeIndex int, groupKey string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneProps(m.groupProps[teamID][groupTypeIndex][groupKey]), nil
}

// FetchStaticCohortMemberships implements matching.StaticCohortFetcher.
func (m *MemoryReader) FetchStaticCohortMemberships(ctx context.Context, personID int64, cohortIDs []int64) (map[int64]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int64]bool, len(cohortIDs))
	for _, id := range cohortIDs {
		if m.staticMembers[personID][id] {
			out[id] = true
		}
	}
	return out, nil
}

// ShouldWriteHashKeyOverride implements matching.HashKeyOverrideReader.
func (m *MemoryReader) ShouldWriteHashKeyOverride(ctx context.Context, teamID int64, distinctID string, flagKeys []string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	personID, ok := m.persons[teamID][distinctID]
	if !ok {
		return true, nil
	}
	existing := m.overrides[teamID][personID]
	for _, key := range flagKeys {
		if _, ok := existing[key]; !ok {
			return true, nil
		}
	}
	return false, nil
}

// ReadHashKeyOverrides implements matching.HashKeyOverrideReader.
func (m *MemoryReader) ReadHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string) (map[string]map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]map[string]string, len(distinctIDs))
	for _, distinctID := range distinctIDs {
		personID, ok := m.persons[teamID][distinctID]
		if !ok {
			continue
		}
		if overrides, ok := m.overrides[teamID][personID]; ok {
			copied := make(map[string]string, len(overrides))
			for k, v := range overrides {
				copied[k] = v
			}
			out[distinctID] = copied
		}
	}
	return out, nil
}

// WriteHashKeyOverrides implements matching.HashKeyOverrideWriter.
func (m *MemoryReader) WriteHashKeyOverrides(ctx context.Context, teamID int64, distinctIDs []string, flagKeys []string, hashKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, distinctID := range distinctIDs {
		personID, ok := m.persons[teamID][distinctID]
		if !ok {
			continue
		}
		if m.overrides[teamID] == nil {
			m.overrides[teamID] = make(map[int64]map[string]string)
		}
		if m.overrides[teamID][personID] == nil {
			m.overrides[teamID][personID] = make(map[string]string)
		}
		for _, flagKey := range flagKeys {
			if _, exists := m.overrides[teamID][personID][flagKey]; !exists {
				m.overrides[teamID][personID][flagKey] = hashKey
			}
		}
	}
	return nil
}

func cloneProps(src map[string]any) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// MemoryGroupTypeLoader implements matching.GroupTypeLoader over a static
// in-process map, for tests.
type MemoryGroupTypeLoader struct {
	mu       sync.RWMutex
	mappings map[int64]map[string]int
}

// NewMemoryGroupTypeLoader builds an empty loader.
func NewMemoryGroupTypeLoader() *MemoryGroupTypeLoader {
	return &MemoryGroupTypeLoader{mappings: make(map[int64]map[string]int)}
}

// Put registers projectID's group-type mapping.
func (l *MemoryGroupTypeLoader) Put(projectID int64, mapping map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mappings[projectID] = mapping
}

// LoadGroupTypeMapping implements matching.GroupTypeLoader.
func (l *MemoryGroupTypeLoader) LoadGroupTypeMapping(ctx context.Context, projectID int64) (map[string]int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.mappings[projectID], nil
}

// MemoryCohortLoader implements CohortLoader over an in-process slice, for
// tests and for seeding internal/cohortcache in local development.
type MemoryCohortLoader struct {
	mu      sync.RWMutex
	cohorts map[int64][]matching.Cohort
}

// NewMemoryCohortLoader builds an empty loader.
func NewMemoryCohortLoader() *MemoryCohortLoader {
	return &MemoryCohortLoader{cohorts: make(map[int64][]matching.Cohort)}
}

// Put registers a cohort definition under its team.
func (l *MemoryCohortLoader) Put(cohort matching.Cohort) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cohorts[cohort.TeamID] = append(l.cohorts[cohort.TeamID], cohort)
}

// LoadCohorts implements CohortLoader.
func (l *MemoryCohortLoader) LoadCohorts(ctx context.Context, teamID int64) ([]matching.Cohort, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]matching.Cohort, len(l.cohorts[teamID]))
	copy(out, l.cohorts[teamID])
	return out, nil
}
