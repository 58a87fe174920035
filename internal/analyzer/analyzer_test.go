package analyzer_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/analyzer"
	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/llmclient"
	"github.com/kittclouds/topicengine/internal/objectstore"
)

type fakeLLM struct {
	response string
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llmclient.Message, modelID string, opts llmclient.ChatOptions) (string, error) {
	return f.response, nil
}
func (f *fakeLLM) EstimateTokens(text, modelID string) int { return len(text) / 4 }
func (f *fakeLLM) GetContextWindow(modelID string) int     { return 4096 }

func setup(t *testing.T, llmResponse string) (*analyzer.Analyzer, *keywordstore.Store, *events.Bus) {
	t.Helper()
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	ks := keywordstore.New(objs, chans, 5*time.Second, nil)
	bus := events.NewBus()

	history := func(topicID string, limit int) ([]domain.Message, error) {
		return []domain.Message{
			{ID: "m1", TopicID: topicID, SenderID: "u1", Text: "Quantum tunneling occurs in semiconductors.", Timestamp: 1},
		}, nil
	}

	a := analyzer.New(&fakeLLM{response: llmResponse}, ks, history, bus, func() int64 { return 1000 }, analyzer.Config{
		ModelID: "model-a",
	}, nil)
	return a, ks, bus
}

func TestAnalyzeCreatesSubjectWithKeywordsWrittenFirst(t *testing.T) {
	resp := `{"keywords":[{"term":"quantum","confidence":0.9},{"term":"tunneling","confidence":0.8},{"term":"semiconductors","confidence":0.85}],
	"subjects":[{"subjectId":"quantum+semiconductors+tunneling","memberTerms":["quantum","tunneling","semiconductors"],"description":"physics","confidence":0.9}]}`
	a, ks, bus := setup(t, resp)

	var keywordsUpdated, subjectsUpdated int
	bus.Subscribe(func(e events.Event) {
		switch e.Name {
		case events.KeywordsUpdated:
			keywordsUpdated++
		case events.SubjectsUpdated:
			subjectsUpdated++
		}
	})

	err := a.Analyze(context.Background(), "t1")
	require.NoError(t, err)

	subjects, err := ks.ListSubjects("t1", false)
	require.NoError(t, err)
	require.Len(t, subjects, 1)
	require.Equal(t, "quantum+semiconductors+tunneling", subjects[0].ID)
	require.Equal(t, 1, subjects[0].MessageCount)

	require.Equal(t, 1, keywordsUpdated)
	require.Equal(t, 1, subjectsUpdated)

	for _, term := range []string{"quantum", "tunneling", "semiconductors"} {
		kw, found, err := ks.GetKeywordByTerm("t1", term)
		require.NoError(t, err)
		require.True(t, found)
		require.Greater(t, kw.Frequency, 0)
	}
}

func TestAnalyzeIsIdempotentOnUnchangedMessageTail(t *testing.T) {
	resp := `{"keywords":[{"term":"alpha","confidence":0.9}],
	"subjects":[{"subjectId":"alpha+beta","memberTerms":["alpha","beta"],"description":"d","confidence":0.9}]}`
	a, ks, bus := setup(t, resp)

	var subjectsUpdated int
	bus.Subscribe(func(e events.Event) {
		if e.Name == events.SubjectsUpdated {
			subjectsUpdated++
		}
	})

	require.NoError(t, a.Analyze(context.Background(), "t1"))
	first, err := ks.ListSubjects("t1", false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, subjectsUpdated)

	// Re-running over the same unchanged message tail (history returns
	// the identical last message id) must produce no new object version
	// at all, per the no-new-version-on-unchanged-tail invariant.
	require.NoError(t, a.Analyze(context.Background(), "t1"))
	second, err := ks.ListSubjects("t1", false)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, subjectsUpdated, "re-analyzing an unchanged tail must not write a new subject version")
}

func TestAnalyzeNoMessagesIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	ks := keywordstore.New(objs, chans, 5*time.Second, nil)
	bus := events.NewBus()

	history := func(topicID string, limit int) ([]domain.Message, error) { return nil, nil }
	a := analyzer.New(&fakeLLM{response: "{}"}, ks, history, bus, func() int64 { return 1 }, analyzer.Config{ModelID: "m"}, nil)

	require.NoError(t, a.Analyze(context.Background(), "empty"))
}
