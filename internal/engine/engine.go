// Package engine wires C1 through C10 into one running instance: the
// object store, channel log, event bus, keyword/subject store,
// analyzer, summary manager, processor, proposal engine and its
// journal, and the RPC surface, plus the small topic registry those
// components need to resolve a topic's Room and AI participant without
// a circular import (spec §9).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/config"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/llmclient"
	"github.com/kittclouds/topicengine/internal/objectstore"
	"github.com/kittclouds/topicengine/internal/processor"
	"github.com/kittclouds/topicengine/internal/proposal"
	"github.com/kittclouds/topicengine/internal/rpc"
	"github.com/kittclouds/topicengine/internal/summary"
	"github.com/kittclouds/topicengine/internal/topicroom"
)

// topicEntry is the registry's per-topic bookkeeping: its lazily built
// Room and the AI participant it was registered with, if any.
type topicEntry struct {
	mu           sync.Mutex
	room         *topicroom.Room
	participants []string
	aiModelID    string
	hasAI        bool
}

// Engine owns every component and the topic registry gluing them
// together. Construct one per process with New.
type Engine struct {
	cfg *config.Config
	log *zap.SugaredLogger

	Objects   *objectstore.Store
	Channels  *channel.Manager
	Bus       *events.Bus
	Keywords  *keywordstore.Store
	Analyzer  *analyzer.Analyzer
	Summaries *summary.Manager
	Processor *processor.Processor
	Proposals *proposal.Engine
	RPC       *rpc.Server

	mu     sync.Mutex
	topics map[string]*topicEntry
}

// New builds every component against cfg and llm, wiring each
// component's narrow callback dependencies to methods on the Engine
// itself so no component package imports another's sibling.
func New(cfg *config.Config, llm llmclient.Client, log *zap.SugaredLogger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	fs := afero.NewOsFs()

	objects, err := objectstore.New(fs, cfg.StoreRoot, log)
	if err != nil {
		return nil, fmt.Errorf("objectstore: %w", err)
	}
	channels, err := channel.New(fs, cfg.StoreRoot, objects, log)
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}
	bus := events.NewBus()
	keywords := keywordstore.New(objects, channels, cfg.KeywordCacheTTL, log)

	e := &Engine{
		cfg:      cfg,
		log:      log,
		Objects:  objects,
		Channels: channels,
		Bus:      bus,
		Keywords: keywords,
		topics:   make(map[string]*topicEntry),
	}

	e.Analyzer = analyzer.New(llm, keywords, e.history, bus, e.clockMillis, analyzer.Config{
		ModelID:           cfg.ModelID,
		MaxKeywordLen:     cfg.MaxKeywordLen,
		MaxSubjectMembers: cfg.MaxSubjectMembers,
	}, log)

	e.Summaries = summary.New(objects, keywords, llm, e.history, e.analyzeInline, bus, summary.Config{
		ModelID:              cfg.ModelID,
		VerbatimTailTurns:    cfg.VerbatimTailTurns,
		ContextReserveTokens: cfg.ContextReserveTokens,
	}, log)

	proc, err := processor.New(e.roomFor, e.aiParticipant, e.Analyzer, e.Summaries, llm, bus, processor.Config{
		Retry: processor.RetryPolicy{
			MaxRetries: cfg.LLMRetryMax,
			Backoff:    []time.Duration{time.Duration(cfg.LLMRetryBackoffMs) * time.Millisecond, 4 * time.Duration(cfg.LLMRetryBackoffMs) * time.Millisecond},
			// RateLimited failures use their own longer schedule (spec §7),
			// independent of the general LLM retry backoff above.
			RateLimitBackoff: []time.Duration{5 * time.Second, 20 * time.Second},
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("processor: %w", err)
	}
	e.Processor = proc

	journal, err := proposal.NewFileJournal(fs, cfg.StoreRoot)
	if err != nil {
		return nil, fmt.Errorf("proposal journal: %w", err)
	}
	e.Proposals = proposal.New(keywords, e.allSubjects, journal, bus, proposal.Config{
		TopK:     cfg.ProposalTopK,
		MinScore: cfg.ProposalMinScore,
		TTL:      cfg.ProposalCacheTTL,
	}, log)

	e.RPC = rpc.New(rpc.Dependencies{
		Keywords:    keywords,
		Summaries:   e.Summaries,
		Proposals:   e.Proposals,
		Analyzer:    e.Analyzer,
		Processor:   e.Processor,
		Bus:         bus,
		FindSubject: e.findSubjectByIDHash,
		Clock:       e.clockMillis,
	}, log)

	return e, nil
}

func (e *Engine) clockMillis() int64 {
	return time.Now().UnixMilli()
}

// entryFor returns topicID's registry entry, registering it as a
// participant-less, AI-less topic if this is the first time it is seen
// (e.g. a message posted before RegisterTopic ran).
func (e *Engine) entryFor(topicID string) *topicEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.topics[topicID]
	if !ok {
		t = &topicEntry{}
		e.topics[topicID] = t
	}
	return t
}

// RegisterTopic declares a topic's participants and, optionally, its AI
// model, before any message is posted to it. If an AI model is
// configured this also enqueues the welcome generation (spec §4.8's
// "new topic creation enqueues a welcome message").
func (e *Engine) RegisterTopic(topicID string, participants []string, aiModelID string) {
	t := e.entryFor(topicID)
	t.mu.Lock()
	t.participants = participants
	if aiModelID != "" {
		t.aiModelID = aiModelID
		t.hasAI = true
	}
	t.mu.Unlock()

	if t.hasAI {
		e.Processor.EnqueueWelcome(topicID, e.clockMillis())
	}
}

// roomFor implements processor.RoomProvider: it lazily constructs the
// topicroom.Room backing topicID the first time it is needed.
func (e *Engine) roomFor(topicID string) (*topicroom.Room, error) {
	t := e.entryFor(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.room == nil {
		t.room = topicroom.New(topicID, t.participants, e.Channels)
	}
	return t.room, nil
}

// aiParticipant implements processor.AIParticipant.
func (e *Engine) aiParticipant(topicID string) (string, bool) {
	t := e.entryFor(topicID)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aiModelID, t.hasAI
}

// history implements analyzer.MessageHistory and summary.MessageHistory:
// the narrow read-only capability those components need without
// depending on topicroom directly.
func (e *Engine) history(topicID string, limit int) ([]domain.Message, error) {
	room, err := e.roomFor(topicID)
	if err != nil {
		return nil, err
	}
	return room.IterateMessages(limit)
}

// analyzeInline implements summary.InlineAnalyzer: it runs C6 on demand
// when BuildRestartContext finds no Summary yet.
func (e *Engine) analyzeInline(ctx context.Context, topicID string) error {
	return e.Analyzer.Analyze(ctx, topicID)
}

// allSubjects implements proposal.AllSubjects: every non-archived
// Subject across every topic the registry knows about.
func (e *Engine) allSubjects() ([]domain.Subject, error) {
	e.mu.Lock()
	topicIDs := make([]string, 0, len(e.topics))
	for id := range e.topics {
		topicIDs = append(topicIDs, id)
	}
	e.mu.Unlock()

	var out []domain.Subject
	for _, id := range topicIDs {
		subs, err := e.Keywords.ListSubjects(id, false)
		if err != nil {
			continue
		}
		out = append(out, subs...)
	}
	return out, nil
}

// findSubjectByIDHash implements rpc.FindSubjectByIDHash: a linear scan
// over every topic's Subjects, used only by proposals:share which is
// neither hot-path nor high-volume.
func (e *Engine) findSubjectByIDHash(idHash string) (domain.Subject, bool, error) {
	subs, err := e.allSubjects()
	if err != nil {
		return domain.Subject{}, false, err
	}
	for _, s := range subs {
		if s.ID == idHash {
			return s, true, nil
		}
	}
	return domain.Subject{}, false, nil
}

// Close releases every component holding background resources.
func (e *Engine) Close() {
	e.Processor.Release()
}
