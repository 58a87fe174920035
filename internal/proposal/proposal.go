// Package proposal implements C9, the Proposal Engine: it ranks past
// subjects from other topics against the current topic's recently
// active subjects and offers them back to the user as reconnection
// suggestions (spec §4.9).
package proposal

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
)

const (
	dayMs        = 24 * 60 * 60 * 1000
	thirtyDaysMs = 30 * dayMs
)

// AllSubjects lets the engine enumerate every non-archived Subject
// across every known topic, the candidate pool for cross-topic ranking.
type AllSubjects func() ([]domain.Subject, error)

// Journal persists dismiss/share lifecycle events and reports whether a
// given pair was already dismissed.
type Journal interface {
	Record(entry domain.ProposalJournalEntry) error
	IsDismissed(topicID, pastSubjectIDHash string) (bool, error)
}

// Engine is the C9 Proposal Engine.
type Engine struct {
	keywords *keywordstore.Store
	all      AllSubjects
	journal  Journal
	bus      *events.Bus
	log      *zap.SugaredLogger

	topK     int
	minScore float64
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	proposals []domain.Proposal
	expiresAt time.Time
}

// Config bundles an Engine's tunables.
type Config struct {
	TopK     int
	MinScore float64
	TTL      time.Duration
}

// New creates an Engine and subscribes it to subjects:updated so the
// per-topic cache is invalidated the moment the candidate pool changes.
func New(keywords *keywordstore.Store, all AllSubjects, journal Journal, bus *events.Bus, cfg Config, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = 0.2
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	e := &Engine{
		keywords: keywords, all: all, journal: journal, bus: bus, log: log,
		topK: cfg.TopK, minScore: cfg.MinScore, ttl: cfg.TTL,
		cache: make(map[string]cacheEntry),
	}
	bus.Subscribe(func(ev events.Event) {
		if ev.Name == events.SubjectsUpdated {
			e.invalidate(ev.TopicID)
		}
	})
	return e
}

func (e *Engine) invalidate(topicID string) {
	e.mu.Lock()
	delete(e.cache, topicID)
	e.mu.Unlock()
}

// GetForTopic returns topicID's top-K proposals, scored against its
// currently active subjects, using the 30s TTL cache when fresh.
func (e *Engine) GetForTopic(topicID string, now int64) ([]domain.Proposal, error) {
	e.mu.Lock()
	if entry, ok := e.cache[topicID]; ok && time.Now().Before(entry.expiresAt) {
		e.mu.Unlock()
		return entry.proposals, nil
	}
	e.mu.Unlock()

	current, err := e.activeSubjects(topicID, now)
	if err != nil {
		return nil, err
	}
	currentKeywords := keywordSet(current)

	candidates, err := e.candidatesFor(topicID, current)
	if err != nil {
		return nil, err
	}

	type scored struct {
		subj  domain.Subject
		score float64
	}
	results := make([]scored, len(candidates))

	var g errgroup.Group
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			results[i] = scored{subj: c, score: score(c, currentKeywords, now)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	proposals := make([]domain.Proposal, 0, len(results))
	for _, r := range results {
		if r.score < e.minScore {
			continue
		}
		proposals = append(proposals, domain.Proposal{
			ID:                topicID + ":" + r.subj.ID,
			TopicID:           topicID,
			PastSubjectIDHash: r.subj.ID,
			Score:             r.score,
			Rationale:         rationale(r.subj),
			CreatedAt:         now,
		})
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].Score > proposals[j].Score })
	if len(proposals) > e.topK {
		proposals = proposals[:e.topK]
	}

	e.mu.Lock()
	e.cache[topicID] = cacheEntry{proposals: proposals, expiresAt: time.Now().Add(e.ttl)}
	e.mu.Unlock()

	return proposals, nil
}

// activeSubjects implements S_current: subjects recently active in
// topicID, last 24h or last 20 messages' worth (approximated here by
// lastSeenAt within 24h, since message-window scoping is owned by C8's
// history rather than this engine).
func (e *Engine) activeSubjects(topicID string, now int64) ([]domain.Subject, error) {
	all, err := e.keywords.ListSubjects(topicID, false)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Subject, 0, len(all))
	for _, s := range all {
		if now-s.LastSeenAt <= dayMs {
			out = append(out, s)
		}
	}
	return out, nil
}

func (e *Engine) candidatesFor(topicID string, current []domain.Subject) ([]domain.Subject, error) {
	all, err := e.all()
	if err != nil {
		return nil, err
	}
	currentIDs := make(map[string]bool, len(current))
	for _, s := range current {
		currentIDs[s.ID] = true
	}

	out := make([]domain.Subject, 0, len(all))
	for _, s := range all {
		if s.Topic == topicID || s.Archived || currentIDs[s.ID] {
			continue
		}
		if e.journal != nil {
			dismissed, err := e.journal.IsDismissed(topicID, s.ID)
			if err != nil {
				return nil, err
			}
			if dismissed {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

func keywordSet(subjects []domain.Subject) map[string]bool {
	set := make(map[string]bool)
	for _, s := range subjects {
		for _, k := range s.Keywords {
			set[k] = true
		}
	}
	return set
}

// score implements the spec's weighted formula: 0.5*jaccard +
// 0.3*resonance + 0.2*recency_decay.
func score(p domain.Subject, currentKeywords map[string]bool, now int64) float64 {
	pKeywords := make(map[string]bool, len(p.Keywords))
	for _, k := range p.Keywords {
		pKeywords[k] = true
	}
	j := jaccard(pKeywords, currentKeywords)
	r := resonance(p, now)
	decay := recencyDecay(p.LastSeenAt, now)
	return 0.5*j + 0.3*r + 0.2*decay
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := map[string]bool{}
	for k := range a {
		union[k] = true
		if b[k] {
			intersection++
		}
	}
	for k := range b {
		union[k] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// resonance implements resonance(p) = 0.5*normalized_usage +
// 0.3*exp(-days_since_use/30) + 0.2*min(|associations|/10, 1).
// normalized_usage is the subject's messageCount scaled against a
// saturating cap of 50 messages (a subject's usage signal plateaus
// rather than growing unbounded).
func resonance(p domain.Subject, now int64) float64 {
	normalizedUsage := math.Min(float64(p.MessageCount)/50.0, 1.0)
	daysSinceUse := float64(now-p.LastSeenAt) / dayMs
	if daysSinceUse < 0 {
		daysSinceUse = 0
	}
	recencyTerm := math.Exp(-daysSinceUse / 30)
	associations := math.Min(float64(len(p.Keywords))/10.0, 1.0)
	return 0.5*normalizedUsage + 0.3*recencyTerm + 0.2*associations
}

func recencyDecay(lastSeenAt, now int64) float64 {
	age := float64(now - lastSeenAt)
	if age < 0 {
		age = 0
	}
	return math.Exp(-age / thirtyDaysMs)
}

func rationale(p domain.Subject) string {
	if p.Description != "" {
		return p.Description
	}
	return "related to " + strings.Join(p.Keywords, ", ")
}

// SharePayload is the response to share(): enough material for the
// caller to insert the past subject's context into the current topic.
type SharePayload struct {
	SubjectName string   `json:"subjectName"`
	Keywords    []string `json:"keywords"`
	Excerpts    []string `json:"excerpts,omitempty"`
}

// Dismiss implements dismiss(topicId, pastSubjectIdHash): records a
// dismissal journal entry so the proposal never resurfaces for this
// topic-pair, and invalidates the topic's cache.
func (e *Engine) Dismiss(topicID, pastSubjectIDHash string, now int64) error {
	if e.journal == nil {
		return errs.New("proposal", errs.ConfigError, "no journal configured")
	}
	if err := e.journal.Record(domain.ProposalJournalEntry{
		Kind: domain.JournalDismiss, TopicID: topicID, PastSubjectIDHash: pastSubjectIDHash, Timestamp: now,
	}); err != nil {
		return err
	}
	e.invalidate(topicID)
	e.bus.Emit(events.Event{Name: events.ProposalsUpdated, TopicID: topicID})
	return nil
}

// Share implements share(topicId, pastSubjectIdHash, includeMessages?):
// builds the insertion payload and auto-dismisses the proposal.
func (e *Engine) Share(topicID, pastSubjectIDHash string, findSubject func(idHash string) (domain.Subject, bool, error), now int64) (SharePayload, error) {
	subj, found, err := findSubject(pastSubjectIDHash)
	if err != nil {
		return SharePayload{}, err
	}
	if !found {
		return SharePayload{}, errs.New("proposal", errs.NotFound, "past subject "+pastSubjectIDHash)
	}

	payload := SharePayload{SubjectName: subj.ID, Keywords: subj.Keywords}

	if e.journal != nil {
		if err := e.journal.Record(domain.ProposalJournalEntry{
			Kind: domain.JournalShare, TopicID: topicID, PastSubjectIDHash: pastSubjectIDHash, Timestamp: now,
		}); err != nil {
			return SharePayload{}, err
		}
		// share auto-dismisses (spec §4.9): record the dismiss too so the
		// proposal never resurfaces for this topic-pair.
		if err := e.journal.Record(domain.ProposalJournalEntry{
			Kind: domain.JournalDismiss, TopicID: topicID, PastSubjectIDHash: pastSubjectIDHash, Timestamp: now,
		}); err != nil {
			return SharePayload{}, err
		}
	}
	e.invalidate(topicID)
	e.bus.Emit(events.Event{Name: events.ProposalsUpdated, TopicID: topicID})
	return payload, nil
}
