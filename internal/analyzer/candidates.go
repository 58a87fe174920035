package analyzer

import (
	"strings"
	"sync"

	"github.com/orsinium-labs/stopwords"
)

// candidateRegistry tracks per-topic term occurrence counts and gates a
// term's eligibility for Subject membership behind a promotion
// threshold, the way the teacher's discovery.CandidateRegistry gates
// entity promotion behind an observation count and a stopword filter.
// This is additive scaffolding (spec §SUPPLEMENTED FEATURES); with the
// default threshold of 1 every term is promoted on first sight, leaving
// the spec's literal single-message Subject-creation scenario unchanged.
type candidateRegistry struct {
	mu        sync.Mutex
	threshold int
	stop      *stopwords.Stopwords
	custom    map[string]bool
	counts    map[string]map[string]int // topicID -> term -> count
}

func newCandidateRegistry(threshold int) *candidateRegistry {
	if threshold < 1 {
		threshold = 1
	}
	return &candidateRegistry{
		threshold: threshold,
		stop:      stopwords.MustGet("en"),
		custom:    map[string]bool{},
		counts:    map[string]map[string]int{},
	}
}

// Observe records one occurrence of term in topicID and reports whether
// the term has now reached the promotion threshold and is not a
// stopword.
func (r *candidateRegistry) Observe(topicID, term string) bool {
	lower := strings.ToLower(term)
	if r.custom[lower] {
		return false
	}
	if r.stop != nil && r.stop.Contains(lower) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byTerm, ok := r.counts[topicID]
	if !ok {
		byTerm = map[string]int{}
		r.counts[topicID] = byTerm
	}
	byTerm[lower]++
	return byTerm[lower] >= r.threshold
}
