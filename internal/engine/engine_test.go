package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/config"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/engine"
	"github.com/kittclouds/topicengine/internal/llmclient"
)

type fakeLLM struct{}

func (fakeLLM) Chat(ctx context.Context, messages []llmclient.Message, modelID string, opts llmclient.ChatOptions) (string, error) {
	if opts.OnChunk != nil {
		opts.OnChunk(`{"keywords":[],"subjects":[]}`)
	}
	return `{"keywords":[],"subjects":[]}`, nil
}
func (fakeLLM) EstimateTokens(text, modelID string) int { return len(text) / 4 }
func (fakeLLM) GetContextWindow(modelID string) int     { return 100000 }

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := config.Default()
	cfg.StoreRoot = t.TempDir()
	cfg.ModelID = "m"
	cfg.LLMBaseURL = "http://unused.invalid"
	require.NoError(t, cfg.Validate())

	e, err := engine.New(cfg, fakeLLM{}, nil)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestRegisterTopicWithAIEnqueuesWelcomeMessage(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterTopic("t1", []string{"u1", "ai"}, "m")

	require.Eventually(t, func() bool {
		msgs, err := channel.DecodeByType[domain.Message](e.Channels, e.Channels.GetMatchingChannelInfos("t1"), domain.Message{}.TypeName())
		return err == nil && len(msgs) > 0 && msgs[0].Obj.Welcome
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnqueueUserMessagePersistsThroughRoom(t *testing.T) {
	e := newTestEngine(t)
	e.RegisterTopic("t2", []string{"u1"}, "")
	e.Processor.Enqueue("t2", "", "hello there", "u1", time.Now().UnixMilli())

	require.Eventually(t, func() bool {
		msgs, err := channel.DecodeByType[domain.Message](e.Channels, e.Channels.GetMatchingChannelInfos("t2"), domain.Message{}.TypeName())
		return err == nil && len(msgs) > 0 && msgs[0].Obj.Text == "hello there"
	}, 2*time.Second, 10*time.Millisecond)
}
