package analyzer

import (
	"strings"
	"sync"

	"github.com/coregx/ahocorasick"
)

// knownVocabulary compiles a topic's already-known keyword terms into a
// single Aho-Corasick automaton, rebuilt after each analysis pass, the
// way the teacher's implicit-matcher dictionary serves as both a lookup
// and a text scanner off one compiled automaton (pkg/implicit-matcher).
// Scanning new message text against it ahead of the LLM call lets the
// candidate registry (candidates.go) credit a recurring known term a
// sighting without waiting on a round trip, per SPEC_FULL's domain-stack
// entry for ahocorasick.
type knownVocabulary struct {
	mu    sync.RWMutex
	ac    *ahocorasick.Automaton
	terms []string
}

func newKnownVocabulary() *knownVocabulary {
	return &knownVocabulary{}
}

// Rebuild recompiles the automaton from terms (already normalized
// lowercase keyword terms). A nil or empty terms list clears the
// automaton rather than building one over zero patterns.
func (v *knownVocabulary) Rebuild(terms []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(terms) == 0 {
		v.ac = nil
		v.terms = nil
		return nil
	}
	automaton, err := ahocorasick.NewBuilder().
		AddStrings(terms).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return err
	}
	v.ac = automaton
	v.terms = append([]string(nil), terms...)
	return nil
}

// ScanKnownTerms returns every known term found in text, canonicalized
// the same way normalizeTerm canonicalizes extractor output so the
// result feeds directly into the candidate registry.
func (v *knownVocabulary) ScanKnownTerms(text string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.ac == nil {
		return nil
	}
	haystack := []byte(strings.ToLower(text))
	matches := v.ac.FindAllOverlapping(haystack)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		term := string(haystack[m.Start:m.End])
		if seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}
