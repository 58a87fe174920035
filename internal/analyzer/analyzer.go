// Package analyzer implements C6, the Topic Analyzer: it extracts
// Keywords and Subjects from a topic's recent messages via an LLM call,
// normalizes and fuzzy-merges the result, and writes it through C4 in
// the spec's mandated order (spec §4.6).
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/llmclient"
)

// MessageHistory is the narrow capability the analyzer needs to fetch a
// topic's recent messages — passed in rather than a whole Room, per the
// spec's guidance on breaking circular dependencies with narrow
// callback-valued capabilities (spec §9).
type MessageHistory func(topicID string, limit int) ([]domain.Message, error)

// Clock lets callers control "now" deterministically in tests.
type Clock func() int64

// Analyzer is the C6 Topic Analyzer.
type Analyzer struct {
	llm        llmclient.Client
	keywords   *keywordstore.Store
	history    MessageHistory
	bus        *events.Bus
	log        *zap.SugaredLogger
	candidates *candidateRegistry
	vocab      *knownVocabulary
	clock      Clock

	mu                 sync.Mutex
	lastAnalyzedTailID map[string]string

	modelID              string
	avgTokensPerMessage  int
	maxKeywordLen        int
	maxSubjectMembers    int
	fuzzyMergeMaxDistance int
}

// Config bundles an Analyzer's tunables.
type Config struct {
	ModelID               string
	AvgTokensPerMessage   int // used to derive N = min(contextWindow/avg, 200)
	MaxKeywordLen         int
	MaxSubjectMembers     int
	PromotionThreshold    int
	FuzzyMergeMaxDistance int
}

// New creates an Analyzer.
func New(llm llmclient.Client, keywords *keywordstore.Store, history MessageHistory, bus *events.Bus, clock Clock, cfg Config, log *zap.SugaredLogger) *Analyzer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.AvgTokensPerMessage <= 0 {
		cfg.AvgTokensPerMessage = 30
	}
	if cfg.MaxKeywordLen <= 0 {
		cfg.MaxKeywordLen = 50
	}
	if cfg.MaxSubjectMembers <= 0 {
		cfg.MaxSubjectMembers = 12
	}
	if cfg.FuzzyMergeMaxDistance <= 0 {
		cfg.FuzzyMergeMaxDistance = 1
	}
	return &Analyzer{
		llm:                   llm,
		keywords:              keywords,
		history:               history,
		bus:                   bus,
		log:                   log,
		candidates:            newCandidateRegistry(cfg.PromotionThreshold),
		vocab:                 newKnownVocabulary(),
		clock:                 clock,
		lastAnalyzedTailID:    make(map[string]string),
		modelID:               cfg.ModelID,
		avgTokensPerMessage:   cfg.AvgTokensPerMessage,
		maxKeywordLen:         cfg.MaxKeywordLen,
		maxSubjectMembers:     cfg.MaxSubjectMembers,
		fuzzyMergeMaxDistance: cfg.FuzzyMergeMaxDistance,
	}
}

// extractedKeyword is the LLM's raw structured output for one keyword.
type extractedKeyword struct {
	Term       string  `json:"term"`
	Confidence float64 `json:"confidence"`
}

// extractedSubject is the LLM's raw structured output for one subject.
type extractedSubject struct {
	SubjectID   string   `json:"subjectId"`
	MemberTerms []string `json:"memberTerms"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
}

type extractionResult struct {
	Keywords []extractedKeyword `json:"keywords"`
	Subjects []extractedSubject `json:"subjects"`
}

// Analyze runs one full analysis pass over topicID's recent messages
// (spec §4.6 steps 1-8).
func (a *Analyzer) Analyze(ctx context.Context, topicID string) error {
	contextWindow := a.llm.GetContextWindow(a.modelID)
	n := contextWindow / a.avgTokensPerMessage
	if n > 200 || n <= 0 {
		n = 200
	}

	messages, err := a.history(topicID, n)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	tailID := messages[len(messages)-1].ID
	a.mu.Lock()
	unchanged := a.lastAnalyzedTailID[topicID] == tailID
	a.mu.Unlock()
	if unchanged {
		// spec §8: running C6 twice on the same unchanged message tail
		// produces no new object versions.
		return nil
	}

	activeSubjects, err := a.keywords.ListSubjects(topicID, false)
	if err != nil {
		return err
	}

	// Pre-seed the candidate registry with terms from the vocabulary
	// already known for this topic, found by a fast Aho-Corasick scan of
	// the newest message ahead of the LLM round trip (vocab.go).
	for _, term := range a.vocab.ScanKnownTerms(messages[len(messages)-1].Text) {
		a.candidates.Observe(topicID, term)
	}

	prompt := buildExtractionPrompt(messages, activeSubjects)
	raw, err := a.llm.Chat(ctx, []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: extractionSystemPrompt},
		{Role: llmclient.RoleUser, Content: prompt},
	}, a.modelID, llmclient.ChatOptions{})
	if err != nil {
		return err
	}

	result, err := parseExtractionResponse(raw)
	if err != nil {
		return err
	}

	normalizedKeywords := a.normalizeKeywords(result.Keywords, a.maxKeywordLen)
	canonicalTerm := a.fuzzyMergeTerms(normalizedKeywords)

	now := a.now()

	anyKeywordWritten := false
	anySubjectWritten := false
	folded := make(map[string]bool)

	for _, subj := range result.Subjects {
		members := make([]string, 0, len(subj.MemberTerms))
		for _, term := range subj.MemberTerms {
			norm, ok := normalizeTerm(term, a.maxKeywordLen)
			if !ok {
				continue
			}
			canon := canonicalTerm[norm]
			if canon == "" {
				canon = norm
			}
			if !a.candidates.Observe(topicID, canon) {
				continue
			}
			members = append(members, canon)
		}
		if len(members) == 0 {
			continue
		}
		if len(members) > a.maxSubjectMembers {
			members = members[:a.maxSubjectMembers]
		}
		sort.Strings(members)

		combinationID := keywordstore.CombinationID(members)
		existing, err := a.findExistingSubject(topicID, combinationID)
		if err != nil {
			return err
		}

		var confidence *float64
		if subj.Confidence > 0 {
			c := subj.Confidence
			confidence = &c
		}

		if existing == nil {
			if _, _, err := a.keywords.CreateSubject(topicID, members, combinationID, subj.Description, confidence, now); err != nil {
				return err
			}
			for _, m := range members {
				folded[m] = true
			}
			anySubjectWritten = true
			anyKeywordWritten = true
			continue
		}

		updated := *existing
		updated.MessageCount++
		updated.LastSeenAt = now
		updated.TimeRanges = keywordstore.ExtendOrAppendTimeRange(updated.TimeRanges, now)
		if subj.Description != "" {
			updated.Description = subj.Description
		}
		if err := a.rewriteSubject(topicID, updated, now); err != nil {
			return err
		}
		anySubjectWritten = true
	}

	// Keywords that weren't already folded in via a Subject still get
	// their frequency/lastSeen refreshed so standalone mentions aren't
	// lost.
	for _, kw := range normalizedKeywords {
		canon := canonicalTerm[kw.Term]
		if canon == "" {
			canon = kw.Term
		}
		if folded[canon] {
			continue
		}
		if !a.candidates.Observe(topicID, canon) {
			continue
		}
		existing, found, err := a.keywords.GetKeywordByTerm(topicID, canon)
		if err != nil {
			return err
		}
		if found {
			mean := runningMean(existing.Confidence, kw.Confidence)
			if err := a.keywords.RefreshKeyword(topicID, canon, mean, now); err != nil {
				return err
			}
			anyKeywordWritten = true
		}
	}

	if anyKeywordWritten {
		if allKeywords, err := a.keywords.ListKeywords(topicID); err == nil {
			terms := make([]string, len(allKeywords))
			for i, kw := range allKeywords {
				terms[i] = kw.Term
			}
			if err := a.vocab.Rebuild(terms); err != nil {
				a.log.Warnw("vocabulary rebuild failed", "topic", topicID, "error", err)
			}
		}
		a.bus.Emit(events.Event{Name: events.KeywordsUpdated, TopicID: topicID})
	}
	if anySubjectWritten {
		a.bus.Emit(events.Event{Name: events.SubjectsUpdated, TopicID: topicID})
	}

	a.mu.Lock()
	a.lastAnalyzedTailID[topicID] = tailID
	a.mu.Unlock()

	return nil
}

// ExtractRealtime implements the RPC surface's
// topicAnalysis:extractRealtimeKeywords: a synchronous, no-LLM pass over
// text that reports only terms already in the topic's known vocabulary
// (vocab.go's Aho-Corasick scan), for instant as-you-type feedback
// instead of the full async analysis pipeline.
func (a *Analyzer) ExtractRealtime(text string) []string {
	return a.vocab.ScanKnownTerms(text)
}

func (a *Analyzer) now() int64 {
	if a.clock != nil {
		return a.clock()
	}
	return 0
}

func (a *Analyzer) findExistingSubject(topicID, combinationID string) (*domain.Subject, error) {
	subjects, err := a.keywords.ListSubjects(topicID, true)
	if err != nil {
		return nil, err
	}
	for i := range subjects {
		if subjects[i].ID == combinationID {
			return &subjects[i], nil
		}
	}
	return nil, nil
}

func (a *Analyzer) rewriteSubject(topicID string, subj domain.Subject, now int64) error {
	return a.keywords.UpdateSubjectRecurrence(topicID, subj, now)
}

// normalizeKeywords applies spec §4.6 step 4 to each extracted keyword.
func (a *Analyzer) normalizeKeywords(raw []extractedKeyword, maxLen int) []extractedKeyword {
	out := make([]extractedKeyword, 0, len(raw))
	for _, k := range raw {
		term, ok := normalizeTerm(k.Term, maxLen)
		if !ok {
			continue
		}
		out = append(out, extractedKeyword{Term: term, Confidence: k.Confidence})
	}
	return out
}

var nonAlnumHyphen = regexp.MustCompile(`[^a-z0-9-]+`)
var whitespaceRun = regexp.MustCompile(`\s+`)

// normalizeTerm lowercases, trims, collapses whitespace to hyphens,
// strips punctuation other than hyphens, and enforces the length bound.
func normalizeTerm(term string, maxLen int) (string, bool) {
	t := strings.ToLower(strings.TrimSpace(term))
	t = whitespaceRun.ReplaceAllString(t, "-")
	t = nonAlnumHyphen.ReplaceAllString(t, "")
	t = strings.Trim(t, "-")
	if len(t) < 2 || len(t) > maxLen {
		return "", false
	}
	return t, true
}

// fuzzyMergeTerms implements spec §4.6 step 5: terms within Levenshtein
// distance <=1 or in a containment relationship collapse onto the
// more-frequent canonical form. Returns a map from every seen term to
// its canonical representative.
func (a *Analyzer) fuzzyMergeTerms(keywords []extractedKeyword) map[string]string {
	freq := make(map[string]int, len(keywords))
	for _, k := range keywords {
		freq[k.Term]++
	}

	terms := make([]string, 0, len(freq))
	for t := range freq {
		terms = append(terms, t)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	canonical := make(map[string]string, len(terms))
	representatives := make([]string, 0, len(terms))
	for _, t := range terms {
		if _, done := canonical[t]; done {
			continue
		}
		merged := false
		for _, rep := range representatives {
			if strings.Contains(rep, t) || strings.Contains(t, rep) ||
				levenshtein.ComputeDistance(rep, t) <= a.fuzzyMergeMaxDistance {
				canonical[t] = rep
				merged = true
				break
			}
		}
		if !merged {
			representatives = append(representatives, t)
			canonical[t] = t
		}
	}
	return canonical
}

func runningMean(prev *float64, observed float64) *float64 {
	if prev == nil {
		v := observed
		return &v
	}
	v := (*prev + observed) / 2
	return &v
}

const extractionSystemPrompt = `You extract recurring keywords and subjects from a chat conversation.
Return strict JSON: {"keywords":[{"term":string,"confidence":number}],"subjects":[{"subjectId":string,"memberTerms":[string],"description":string,"confidence":number}]}.
A keyword is a normalized single-term concept. A subject groups 2 or more related keywords discussed together.
Use the provided list of currently active subjects only for disambiguation; do not repeat them verbatim unless they recur.`

func buildExtractionPrompt(messages []domain.Message, activeSubjects []domain.Subject) string {
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.SenderID, formatRole(m), m.Text)
	}
	if len(activeSubjects) > 0 {
		b.WriteString("\nCurrently active subjects:\n")
		for _, s := range activeSubjects {
			fmt.Fprintf(&b, "- %s: %s\n", s.ID, s.Description)
		}
	}
	return b.String()
}

func formatRole(m domain.Message) string {
	if m.IsAI {
		return "assistant"
	}
	return "user"
}

// parseExtractionResponse parses raw LLM output, tolerating markdown
// code fences the way the teacher's extraction.ParseResponse does.
func parseExtractionResponse(raw string) (extractionResult, error) {
	cleaned := stripCodeFence(raw)

	var result extractionResult
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	return extractionResult{}, errs.New("analyzer", errs.ProviderUnavailable, "could not parse extraction response as JSON")
}

var codeFence = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFence.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}
