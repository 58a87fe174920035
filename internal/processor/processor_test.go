package processor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/llmclient"
	"github.com/kittclouds/topicengine/internal/objectstore"
	"github.com/kittclouds/topicengine/internal/processor"
	"github.com/kittclouds/topicengine/internal/topicroom"
)

type scriptedLLM struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	failKind  errs.Kind
	response  string
}

func (f *scriptedLLM) Chat(ctx context.Context, messages []llmclient.Message, modelID string, opts llmclient.ChatOptions) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if call <= f.failTimes {
		return "", errs.New("test", f.failKind, "scripted failure")
	}
	if opts.OnChunk != nil {
		opts.OnChunk(f.response)
	}
	return f.response, nil
}
func (f *scriptedLLM) EstimateTokens(text, modelID string) int { return len(text) / 4 }
func (f *scriptedLLM) GetContextWindow(modelID string) int     { return 100000 }

func setup(t *testing.T, llm llmclient.Client) (*processor.Processor, *events.Bus, *channel.Manager, func()) {
	t.Helper()
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	ks := keywordstore.New(objs, chans, 5*time.Second, nil)
	bus := events.NewBus()

	history := func(topicID string, limit int) ([]domain.Message, error) {
		room := topicroom.New(topicID, nil, chans)
		return room.IterateMessages(limit)
	}
	an := analyzer.New(llm, ks, history, bus, func() int64 { return 1000 }, analyzer.Config{ModelID: "m"}, nil)

	rooms := func(topicID string) (*topicroom.Room, error) {
		return topicroom.New(topicID, []string{"u1", "ai"}, chans), nil
	}
	ai := func(topicID string) (string, bool) { return "m", true }

	p, err := processor.New(rooms, ai, an, nil, llm, bus, processor.Config{WorkerPoolSize: 2}, nil)
	require.NoError(t, err)
	return p, bus, chans, p.Release
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEnqueuePersistsAndGeneratesAssistantReply(t *testing.T) {
	llm := &scriptedLLM{response: `{"keywords":[],"subjects":[]}`}
	p, bus, _, release := setup(t, llm)
	defer release()

	var updated []events.Event
	var mu sync.Mutex
	bus.Subscribe(func(e events.Event) {
		if e.Name == events.MessageUpdated {
			mu.Lock()
			updated = append(updated, e)
			mu.Unlock()
		}
	})

	p.Enqueue("t1", "", "hello world", "u1", 1000)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updated) >= 1
	})
}

func TestEnqueueDropsDuplicateMessageID(t *testing.T) {
	llm := &scriptedLLM{response: `{"keywords":[],"subjects":[]}`}
	p, _, chans, release := setup(t, llm)
	defer release()

	// senderID "ai" so the processor doesn't also generate and persist an
	// assistant reply, keeping the message count deterministic.
	p.Enqueue("t4", "m1", "first", "ai", 1000)
	waitFor(t, func() bool {
		room := topicroom.New("t4", nil, chans)
		msgs, err := room.IterateMessages(0)
		return err == nil && len(msgs) >= 1
	})

	// A second Enqueue carrying the same message id as the last message
	// this topic actually persisted must be dropped (spec §4.8 dedup).
	p.Enqueue("t4", "m1", "first", "ai", 1001)
	time.Sleep(50 * time.Millisecond)

	room := topicroom.New("t4", nil, chans)
	msgs, err := room.IterateMessages(0)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "duplicate message id must not be persisted twice")
}

func TestStopStreamingCancelsInFlightGeneration(t *testing.T) {
	llm := &scriptedLLM{response: `{"keywords":[],"subjects":[]}`}
	p, _, _, release := setup(t, llm)
	defer release()

	p.Enqueue("t2", "", "trigger a response", "u1", 1000)
	p.StopStreaming("t2")
	// Should not panic or deadlock even if the cancellation races the
	// generation's completion.
	time.Sleep(50 * time.Millisecond)
}

func TestRetryExhaustionPersistsErrorStatusMessage(t *testing.T) {
	llm := &scriptedLLM{failTimes: 10, failKind: errs.ProviderUnavailable, response: "unused"}
	p, _, chans, release := setup(t, llm)
	defer release()

	p.Enqueue("t3", "", "hello", "u1", 1000)

	waitFor(t, func() bool {
		room := topicroom.New("t3", nil, chans)
		msgs, err := room.IterateMessages(0)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.Status == "error" {
				return true
			}
		}
		return false
	})
}
