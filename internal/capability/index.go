// Package capability holds the in-memory scoring index used for Stage-1
// routing. The index keeps an immutable snapshot of dispatchable agent
// records; registry mutations swap in a whole new snapshot, so readers are
// never exposed to a torn state.
package capability

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/agentmesh/agentmesh/internal/registry/model"
)

// Category weights. Each category contributes at most once per record.
const (
	domainWeight    = 0.4
	entityWeight    = 0.3
	keywordWeight   = 0.2
	operationWeight = 0.1

	// DefaultThreshold is the minimum score for a Stage-1 candidate.
	DefaultThreshold = 0.1
	// DefaultTopK is the Stage-1 shortlist size.
	DefaultTopK = 10
)

// Score is one scored candidate.
type Score struct {
	Name     string  `json:"name"`
	Value    float64 `json:"score"`
	Priority int     `json:"priority"`
}

// Index scores queries against a copy-on-write snapshot of agent records.
type Index struct {
	snap atomic.Pointer[snapshot]
}

type snapshot struct {
	records []*model.AgentRecord
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	idx := &Index{}
	idx.snap.Store(&snapshot{})
	return idx
}

// Replace installs a new snapshot built from the given records. Only
// dispatchable records are indexed; the caller passes cloned records so the
// snapshot cannot be mutated behind readers' backs.
func (idx *Index) Replace(records []*model.AgentRecord) {
	s := &snapshot{records: make([]*model.AgentRecord, 0, len(records))}
	for _, r := range records {
		if r.Dispatchable() {
			s.records = append(s.records, r)
		}
	}
	idx.snap.Store(s)
}

// Len returns the number of indexed (dispatchable) records.
func (idx *Index) Len() int {
	return len(idx.snap.Load().records)
}

// Snapshot returns the records in the current snapshot. The slice and the
// records it holds must be treated as read-only.
func (idx *Index) Snapshot() []*model.AgentRecord {
	return idx.snap.Load().records
}

// Get returns the indexed record with the given name, or nil.
func (idx *Index) Get(name string) *model.AgentRecord {
	for _, r := range idx.snap.Load().records {
		if r.Name == name {
			return r
		}
	}
	return nil
}

// Rank scores the query against every indexed record and returns candidates
// with score ≥ threshold, ordered by (−score, −priority, name) and truncated
// to k. threshold ≤ 0 and k ≤ 0 fall back to the defaults.
func (idx *Index) Rank(query string, threshold float64, k int) []Score {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if k <= 0 {
		k = DefaultTopK
	}

	q := strings.ToLower(query)
	var out []Score
	for _, r := range idx.snap.Load().records {
		v := scoreRecord(q, r)
		if v >= threshold {
			out = append(out, Score{Name: r.Name, Value: v, Priority: effectivePriority(r)})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Value != out[j].Value {
			return out[i].Value > out[j].Value
		}
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})

	if len(out) > k {
		out = out[:k]
	}
	return out
}

// effectivePriority prefers the capability-level priority and falls back to
// the record-level one.
func effectivePriority(r *model.AgentRecord) int {
	if r.Capabilities.Priority != 0 {
		return r.Capabilities.Priority
	}
	return r.Priority
}

// scoreRecord computes the weighted category sum for one record. Each
// category contributes its weight at most once regardless of how many of
// its terms match.
func scoreRecord(normalizedQuery string, r *model.AgentRecord) float64 {
	var v float64
	if anyTermMatches(normalizedQuery, r.Capabilities.Domains) {
		v += domainWeight
	}
	if anyTermMatches(normalizedQuery, r.Capabilities.Entities) {
		v += entityWeight
	}
	if anyTermMatches(normalizedQuery, r.Capabilities.Keywords) {
		v += keywordWeight
	}
	if anyTermMatches(normalizedQuery, r.Capabilities.Operations) {
		v += operationWeight
	}
	return v
}

func anyTermMatches(query string, terms []string) bool {
	for _, t := range terms {
		if containsBounded(query, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

// containsBounded reports whether term occurs in q bounded by word breaks
// on both sides, so "it" does not match inside "title". A multi-word term
// matches as a phrase.
func containsBounded(q, term string) bool {
	if term == "" {
		return false
	}
	for from := 0; ; {
		i := strings.Index(q[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryBefore(q, start) && boundaryAfter(q, end) {
			return true
		}
		from = start + 1
		if from >= len(q) {
			return false
		}
	}
}

func boundaryBefore(q string, i int) bool {
	return i == 0 || isBreak(q[i-1])
}

func boundaryAfter(q string, i int) bool {
	return i == len(q) || isBreak(q[i])
}

func isBreak(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return false
	}
	return true
}
