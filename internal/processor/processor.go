// Package processor implements C8, the Message Processor: the engine's
// single scheduling core. Each topic gets a strictly-FIFO queue; no two
// operations on the same topic run concurrently, but different topics'
// queues drain independently (spec §4.8, §5).
package processor

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/llmclient"
	"github.com/kittclouds/topicengine/internal/summary"
	"github.com/kittclouds/topicengine/internal/topicroom"
)

// RoomProvider resolves the Room backing a topic, lazily constructing
// one if this is the processor's first time seeing it.
type RoomProvider func(topicID string) (*topicroom.Room, error)

// AIParticipant reports whether topicID has an AI participant and, if
// so, the model ID to converse with.
type AIParticipant func(topicID string) (modelID string, ok bool)

// pendingMessage is one queued unit of work: either a user-authored
// message to persist-and-maybe-respond-to, or a welcome-generation
// request for a brand new topic.
type pendingMessage struct {
	kind     pendingKind
	id       string
	text     string
	senderID string
	nowMs    int64
}

type pendingKind int

const (
	kindUserMessage pendingKind = iota
	kindWelcome
)

// topicState is the per-topic queue and its scheduling flags, mirroring
// the spec's documented state: queue, inFlight, lastProcessedId,
// welcomeInProgress.
type topicState struct {
	mu                sync.Mutex
	queue             []pendingMessage
	inFlight          bool
	lastProcessedID   string
	welcomeInProgress bool
	cancel            context.CancelFunc
}

// RetryPolicy is C8's exclusive retry/backoff ownership (spec §4.8,
// §7): LLM errors retry twice at 200ms/800ms; RateLimited gets its own
// longer backoff per §7.
type RetryPolicy struct {
	MaxRetries        int
	Backoff           []time.Duration
	RateLimitBackoff  []time.Duration
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:       2,
		Backoff:          []time.Duration{200 * time.Millisecond, 800 * time.Millisecond},
		RateLimitBackoff: []time.Duration{5 * time.Second, 20 * time.Second},
	}
}

// Processor is the C8 Message Processor.
type Processor struct {
	rooms    RoomProvider
	ai       AIParticipant
	analyzer *analyzer.Analyzer
	summary  *summary.Manager
	llm      llmclient.Client
	bus      *events.Bus
	pool     *ants.Pool
	log      *zap.SugaredLogger
	retry    RetryPolicy
	sleep    func(time.Duration)

	mu     sync.Mutex
	topics map[string]*topicState
}

// Config bundles a Processor's tunables.
type Config struct {
	WorkerPoolSize int
	Retry          RetryPolicy
}

// New creates a Processor. The worker pool backs only the parts of
// drain that are network/IO-bound (LLM calls); business-logic state is
// never touched off the calling goroutine for a given topic, matching
// spec §5's "workers return values that the coordinator merges."
func New(rooms RoomProvider, ai AIParticipant, an *analyzer.Analyzer, sm *summary.Manager, llm llmclient.Client, bus *events.Bus, cfg Config, log *zap.SugaredLogger) (*Processor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 16
	}
	if cfg.Retry.MaxRetries == 0 && len(cfg.Retry.Backoff) == 0 {
		cfg.Retry = defaultRetryPolicy()
	}
	pool, err := ants.NewPool(cfg.WorkerPoolSize)
	if err != nil {
		return nil, errs.Wrap("processor", errs.InvariantViolation, "creating worker pool", err)
	}
	return &Processor{
		rooms: rooms, ai: ai, analyzer: an, summary: sm, llm: llm, bus: bus, pool: pool, log: log,
		retry:  cfg.Retry,
		sleep:  time.Sleep,
		topics: make(map[string]*topicState),
	}, nil
}

func (p *Processor) stateFor(topicID string) *topicState {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.topics[topicID]
	if !ok {
		st = &topicState{}
		p.topics[topicID] = st
	}
	return st
}

// Enqueue implements enqueue(topicId, message): dedups against
// lastProcessedId (spec §4.8 — if messageID equals the last message this
// topic actually persisted, the message is dropped), appends to the
// topic's FIFO queue, and kicks off drain if nothing is already in
// flight. messageID may be empty when the caller has no pre-assigned id
// to dedup against (e.g. internally generated messages).
func (p *Processor) Enqueue(topicID, messageID, text, senderID string, nowMs int64) {
	st := p.stateFor(topicID)
	st.mu.Lock()
	if messageID != "" && messageID == st.lastProcessedID {
		st.mu.Unlock()
		return
	}
	st.queue = append(st.queue, pendingMessage{kind: kindUserMessage, id: messageID, text: text, senderID: senderID, nowMs: nowMs})
	shouldDrain := !st.inFlight
	if shouldDrain {
		st.inFlight = true
	}
	st.mu.Unlock()

	if shouldDrain {
		go p.drain(topicID, st)
	}
}

// EnqueueWelcome registers the new-topic welcome generation. Any
// message enqueued during welcomeInProgress is queued and only drained
// once the welcome resolves, because both paths serialize through the
// same topicState.queue/inFlight pair. A topic that already has a
// welcome in flight never gets a second one queued.
func (p *Processor) EnqueueWelcome(topicID string, nowMs int64) {
	st := p.stateFor(topicID)
	st.mu.Lock()
	if st.welcomeInProgress {
		st.mu.Unlock()
		return
	}
	st.welcomeInProgress = true
	st.queue = append([]pendingMessage{{kind: kindWelcome, nowMs: nowMs}}, st.queue...)
	shouldDrain := !st.inFlight
	if shouldDrain {
		st.inFlight = true
	}
	st.mu.Unlock()

	if shouldDrain {
		go p.drain(topicID, st)
	}
}

// StopStreaming implements stopStreaming(topicId): fires the cancel
// token for the in-flight generation, if any. The provider call then
// returns GenerationCancelled and drain discards the partial output.
func (p *Processor) StopStreaming(topicID string) {
	st := p.stateFor(topicID)
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// drain implements drain(topicId): pops and processes messages until
// the queue is empty, persisting via C3, invoking C6, and — when the
// message should trigger an AI response — streaming a C5 completion,
// persisting it, and invoking C6 again.
func (p *Processor) drain(topicID string, st *topicState) {
	for {
		st.mu.Lock()
		if len(st.queue) == 0 {
			st.inFlight = false
			st.mu.Unlock()
			return
		}
		item := st.queue[0]
		st.queue = st.queue[1:]
		st.mu.Unlock()

		if err := p.process(topicID, st, item); err != nil {
			// Store errors are fatal to the in-flight operation; the
			// message goes back to the head of the queue for the next
			// drain attempt (spec §4.8).
			p.log.Errorw("drain aborted, requeueing", "topic", topicID, "error", err)
			st.mu.Lock()
			st.queue = append([]pendingMessage{item}, st.queue...)
			st.inFlight = false
			st.mu.Unlock()
			p.bus.Emit(events.Event{Name: events.AIError, TopicID: topicID, Err: err})
			return
		}
	}
}

func (p *Processor) process(topicID string, st *topicState, item pendingMessage) error {
	room, err := p.rooms(topicID)
	if err != nil {
		return err
	}

	if item.kind == kindWelcome {
		defer func() {
			st.mu.Lock()
			st.welcomeInProgress = false
			st.mu.Unlock()
		}()
		modelID, ok := p.ai(topicID)
		if !ok {
			return nil
		}
		text, err := p.generateWithRetry(context.Background(), topicID, []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: "Introduce yourself briefly to start this conversation."},
		}, modelID, nil)
		if err != nil {
			return p.persistErrorMessage(room, topicID, item.nowMs)
		}
		msg, err := room.PostWelcomeMessage(text, item.nowMs)
		if err != nil {
			return err
		}
		p.bus.Emit(events.Event{Name: events.MessageUpdated, TopicID: topicID, MessageID: msg.ID, Message: msg})
		if err := p.analyzer.Analyze(context.Background(), topicID); err != nil {
			p.log.Warnw("analysis failed, continuing drain", "topic", topicID, "error", err)
		}
		return nil
	}

	if item.text == "" {
		return nil
	}
	msg, err := room.PostMessage(item.text, item.senderID, item.nowMs, nil, item.id)
	if err != nil {
		return err
	}
	st.mu.Lock()
	st.lastProcessedID = msg.ID
	st.mu.Unlock()

	if err := p.analyzer.Analyze(context.Background(), topicID); err != nil {
		p.log.Warnw("analysis failed, continuing drain", "topic", topicID, "error", err)
	}

	modelID, isAI := p.ai(topicID)
	if !isAI || item.senderID == "ai" {
		return nil
	}

	return p.respond(topicID, st, room, modelID, item.nowMs)
}

func (p *Processor) respond(topicID string, st *topicState, room *topicroom.Room, modelID string, nowMs int64) error {
	ctx, cancel := context.WithCancel(context.Background())
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
		cancel()
	}()

	history, err := room.IterateMessages(0)
	if err != nil {
		return err
	}
	prompt := p.buildPrompt(ctx, topicID, history, modelID)

	var streamed string
	onChunk := func(chunk string) {
		streamed += chunk
		p.bus.Emit(events.Event{Name: events.MessageStream, TopicID: topicID, Chunk: chunk})
	}

	text, err := p.generateWithRetry(ctx, topicID, prompt, modelID, onChunk)
	if err != nil {
		if errs.Is(err, errs.GenerationCancelled) {
			return nil
		}
		return p.persistErrorMessage(room, topicID, nowMs)
	}

	msg, err := room.PostAssistantMessage(text, nowMs, "")
	if err != nil {
		return err
	}
	p.bus.Emit(events.Event{Name: events.MessageUpdated, TopicID: topicID, MessageID: msg.ID, Message: msg})
	if err := p.analyzer.Analyze(context.Background(), topicID); err != nil {
		p.log.Warnw("analysis failed, continuing drain", "topic", topicID, "error", err)
	}
	return nil
}

func (p *Processor) buildPrompt(ctx context.Context, topicID string, history []domain.Message, modelID string) []llmclient.Message {
	if p.summary == nil || !p.summary.NeedsRestart(history, modelID, 1024) {
		out := make([]llmclient.Message, 0, len(history))
		for _, m := range history {
			role := llmclient.RoleUser
			if m.IsAI {
				role = llmclient.RoleAssistant
			}
			out = append(out, llmclient.Message{Role: role, Content: m.Text})
		}
		return out
	}

	rc, err := p.summary.BuildRestartContext(ctx, topicID)
	if err != nil {
		p.log.Warnw("restart context build failed, falling back to raw history", "topic", topicID, "error", err)
		out := make([]llmclient.Message, 0, len(history))
		for _, m := range history {
			out = append(out, llmclient.Message{Role: llmclient.RoleUser, Content: m.Text})
		}
		return out
	}
	return []llmclient.Message{
		{Role: llmclient.RoleSystem, Content: rc.SystemMessage},
		{Role: llmclient.RoleUser, Content: rc.UserContext},
	}
}

func (p *Processor) persistErrorMessage(room *topicroom.Room, topicID string, nowMs int64) error {
	_, err := room.PostAssistantMessage("", nowMs, "error")
	return err
}

// generateWithRetry owns the spec's entire retry/backoff policy:
// regular provider failures retry up to MaxRetries with the configured
// backoff; RateLimited failures use the longer RateLimitBackoff
// schedule instead (spec §7).
func (p *Processor) generateWithRetry(ctx context.Context, topicID string, messages []llmclient.Message, modelID string, onChunk func(string)) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retry.MaxRetries; attempt++ {
		var opts llmclient.ChatOptions
		if onChunk != nil {
			opts.Stream = true
			opts.OnChunk = onChunk
		}
		text, err := p.chatOnPool(ctx, messages, modelID, opts)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if errs.Is(err, errs.GenerationCancelled) {
			return "", err
		}
		if attempt == p.retry.MaxRetries {
			break
		}
		backoff := p.backoffFor(err, attempt)
		p.sleep(backoff)
	}
	return "", lastErr
}

// chatOnPool runs the network-bound chat RPC on the ants worker pool
// instead of the topic's own goroutine, per spec §5: "parallel worker
// tasks permitted only for LLM RPCs... workers return values that the
// coordinator merges." The calling goroutine still blocks on the
// result, so per-topic FIFO ordering is unaffected — only the
// goroutine the network call actually runs on changes.
func (p *Processor) chatOnPool(ctx context.Context, messages []llmclient.Message, modelID string, opts llmclient.ChatOptions) (string, error) {
	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	submitErr := p.pool.Submit(func() {
		text, err := p.llm.Chat(ctx, messages, modelID, opts)
		done <- result{text: text, err: err}
	})
	if submitErr != nil {
		return p.llm.Chat(ctx, messages, modelID, opts)
	}
	r := <-done
	return r.text, r.err
}

func (p *Processor) backoffFor(err error, attempt int) time.Duration {
	schedule := p.retry.Backoff
	if errs.Is(err, errs.RateLimited) {
		schedule = p.retry.RateLimitBackoff
	}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	if len(schedule) > 0 {
		return schedule[len(schedule)-1]
	}
	return 0
}

// Release tears down the worker pool. Call on shutdown.
func (p *Processor) Release() {
	p.pool.Release()
}
