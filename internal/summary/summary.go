// Package summary implements C7: a versioned rolling summary per topic
// and the restart-context builder used when the LLM's context window is
// exceeded (spec §4.7).
package summary

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/canonical"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/llmclient"
	"github.com/kittclouds/topicengine/internal/objectstore"
)

// MessageHistory mirrors analyzer.MessageHistory — a narrow read
// capability rather than a whole Room (spec §9).
type MessageHistory func(topicID string, limit int) ([]domain.Message, error)

// InlineAnalyzer lets the Manager synthesize a first Summary by
// invoking C6 when none exists yet.
type InlineAnalyzer func(ctx context.Context, topicID string) error

// Manager is the C7 Summary Manager.
type Manager struct {
	objects  *objectstore.Store
	keywords *keywordstore.Store
	llm      llmclient.Client
	history  MessageHistory
	analyze  InlineAnalyzer
	bus      *events.Bus
	log      *zap.SugaredLogger

	modelID             string
	verbatimTailTurns   int
	contextReserveTokens int
	topKActiveSubjects  int
}

// Config bundles a Manager's tunables.
type Config struct {
	ModelID              string
	VerbatimTailTurns    int
	ContextReserveTokens int
	TopKActiveSubjects   int
}

// New creates a Manager.
func New(objects *objectstore.Store, keywords *keywordstore.Store, llm llmclient.Client, history MessageHistory, analyze InlineAnalyzer, bus *events.Bus, cfg Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.VerbatimTailTurns <= 0 {
		cfg.VerbatimTailTurns = 6
	}
	if cfg.ContextReserveTokens <= 0 {
		cfg.ContextReserveTokens = 1024
	}
	if cfg.TopKActiveSubjects <= 0 {
		cfg.TopKActiveSubjects = 5
	}
	return &Manager{
		objects: objects, keywords: keywords, llm: llm, history: history, analyze: analyze, bus: bus, log: log,
		modelID: cfg.ModelID, verbatimTailTurns: cfg.VerbatimTailTurns,
		contextReserveTokens: cfg.ContextReserveTokens, topKActiveSubjects: cfg.TopKActiveSubjects,
	}
}

// GetCurrent returns topicID's latest Summary and its content hash, if
// any version exists yet. Summary versions are walked forward from v1
// since each version's ID hash is derived from {topicId, version}
// rather than from a single stable per-topic ID.
func (m *Manager) GetCurrent(topicID string) (domain.Summary, bool, error) {
	s, _, found, err := m.getCurrentWithHash(topicID)
	return s, found, err
}

func (m *Manager) getCurrentWithHash(topicID string) (domain.Summary, string, bool, error) {
	var latest domain.Summary
	var latestHash string
	found := false
	for v := 1; ; v++ {
		idHash, err := summaryIDHash(topicID, v)
		if err != nil {
			return domain.Summary{}, "", false, err
		}
		s, contentHash, err := objectstore.GetByIDHash[domain.Summary](m.objects, idHash)
		if err != nil {
			break
		}
		latest, latestHash, found = s, contentHash, true
	}
	return latest, latestHash, found, nil
}

// Versions returns every version of topicID's Summary, newest first, for
// the RPC surface's topicAnalysis:getSummaries method.
func (m *Manager) Versions(topicID string) ([]domain.Summary, error) {
	current, found, err := m.GetCurrent(topicID)
	if err != nil || !found {
		return nil, err
	}
	out := make([]domain.Summary, 0, current.Version)
	for v := current.Version; v >= 1; v-- {
		idHash, err := summaryIDHash(topicID, v)
		if err != nil {
			return nil, err
		}
		s, _, err := objectstore.GetByIDHash[domain.Summary](m.objects, idHash)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func summaryIDHash(topicID string, version int) (string, error) {
	tmp := domain.Summary{Topic: topicID, Version: version}
	idHash, _, err := canonical.IDHash(tmp)
	return idHash, err
}

// UpdateSummary implements updateSummary: creates v1 if absent,
// otherwise tests significance and creates v(n+1) only if significant.
func (m *Manager) UpdateSummary(topicID, newContent string, newSubjects []string, now int64) (domain.Summary, bool, error) {
	current, currentHash, found, err := m.getCurrentWithHash(topicID)
	if err != nil {
		return domain.Summary{}, false, err
	}

	if !found {
		v1 := domain.Summary{
			Topic: topicID, Content: newContent, Subjects: newSubjects,
			Version: 1, PreviousVersion: nil, CreatedAt: now, UpdatedAt: now,
			ChangeReason: "initial summary",
		}
		if _, _, err := m.objects.StoreVersioned(v1); err != nil {
			return domain.Summary{}, false, err
		}
		return v1, true, nil
	}

	added, removed := diffSubjects(current.Subjects, newSubjects)
	similarity := jaccardSimilarity(tokenize(current.Content), tokenize(newContent))
	significant := similarity < 0.8 || added > 0 || removed > 1
	if !significant {
		return current, false, nil
	}

	next := domain.Summary{
		Topic: topicID, Content: newContent, Subjects: newSubjects,
		Version: current.Version + 1, PreviousVersion: &currentHash,
		CreatedAt: current.CreatedAt, UpdatedAt: now,
		ChangeReason: significanceReason(similarity, added, removed),
	}
	if _, _, err := m.objects.StoreVersioned(next); err != nil {
		return domain.Summary{}, false, err
	}
	return next, true, nil
}

func significanceReason(similarity float64, added, removed int) string {
	switch {
	case added > 0:
		return "new subjects introduced"
	case removed > 1:
		return "multiple subjects dropped"
	default:
		return "content diverged"
	}
}

// RestartContext is the prompt material produced when the full
// conversation no longer fits the model's context window.
type RestartContext struct {
	SystemMessage string
	UserContext   string
}

// BuildRestartContext implements buildRestartContext: Summary + top-K
// active subjects (with top member keywords) + verbatim tail turns.
func (m *Manager) BuildRestartContext(ctx context.Context, topicID string) (RestartContext, error) {
	current, found, err := m.GetCurrent(topicID)
	if err != nil {
		return RestartContext{}, err
	}
	if !found {
		if m.analyze != nil {
			if err := m.analyze(ctx, topicID); err != nil {
				return RestartContext{}, err
			}
		}
		msgs, err := m.history(topicID, 50)
		if err != nil {
			return RestartContext{}, err
		}
		synthesized := synthesizeInlineSummary(msgs)
		current, _, err = m.UpdateSummary(topicID, synthesized, nil, nowOrZero(msgs))
		if err != nil {
			return RestartContext{}, err
		}
	}

	activeSubjects, err := m.keywords.ListSubjects(topicID, false)
	if err != nil {
		return RestartContext{}, err
	}
	sort.Slice(activeSubjects, func(i, j int) bool { return activeSubjects[i].LastSeenAt > activeSubjects[j].LastSeenAt })
	if len(activeSubjects) > m.topKActiveSubjects {
		activeSubjects = activeSubjects[:m.topKActiveSubjects]
	}

	var b strings.Builder
	b.WriteString(current.Content)
	b.WriteString("\n\nActive subjects:\n")
	for _, s := range activeSubjects {
		b.WriteString("- ")
		b.WriteString(s.ID)
		if s.Description != "" {
			b.WriteString(": ")
			b.WriteString(s.Description)
		}
		b.WriteString("\n")
	}

	tail, err := m.history(topicID, m.verbatimTailTurns)
	if err != nil {
		return RestartContext{}, err
	}
	var userCtx strings.Builder
	userCtx.WriteString("Recent verbatim turns:\n")
	for _, msg := range tail {
		userCtx.WriteString(msg.SenderID)
		userCtx.WriteString(": ")
		userCtx.WriteString(msg.Text)
		userCtx.WriteString("\n")
	}

	return RestartContext{SystemMessage: b.String(), UserContext: userCtx.String()}, nil
}

// NeedsRestart reports whether the estimated prompt token count for the
// full message history exceeds the usable context window, per the
// context-window check C8 performs before each generation (spec §4.7).
func (m *Manager) NeedsRestart(messages []domain.Message, modelID string, reservedForResponse int) bool {
	usable := llmclient.UsableContextWindow(m.llm.GetContextWindow(modelID), reservedForResponse)
	total := 0
	for _, msg := range messages {
		total += m.llm.EstimateTokens(msg.Text, modelID)
	}
	return total > usable
}

func nowOrZero(msgs []domain.Message) int64 {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[len(msgs)-1].Timestamp
}

func synthesizeInlineSummary(msgs []domain.Message) string {
	var b strings.Builder
	b.WriteString("Conversation so far: ")
	limit := len(msgs)
	if limit > 20 {
		limit = 20
	}
	for _, m := range msgs[len(msgs)-limit:] {
		b.WriteString(m.Text)
		b.WriteString(" ")
	}
	return strings.TrimSpace(b.String())
}

func tokenize(s string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		out[w] = true
	}
	return out
}

func jaccardSimilarity(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	intersection := 0
	union := map[string]bool{}
	for w := range a {
		union[w] = true
		if b[w] {
			intersection++
		}
	}
	for w := range b {
		union[w] = true
	}
	if len(union) == 0 {
		return 1.0
	}
	return float64(intersection) / float64(len(union))
}

func diffSubjects(prev, next []string) (added, removed int) {
	prevSet := map[string]bool{}
	for _, s := range prev {
		prevSet[s] = true
	}
	nextSet := map[string]bool{}
	for _, s := range next {
		nextSet[s] = true
	}
	for s := range nextSet {
		if !prevSet[s] {
			added++
		}
	}
	for s := range prevSet {
		if !nextSet[s] {
			removed++
		}
	}
	return added, removed
}
