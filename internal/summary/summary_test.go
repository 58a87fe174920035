package summary_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/objectstore"
	"github.com/kittclouds/topicengine/internal/summary"
)

func setup(t *testing.T) (*summary.Manager, *keywordstore.Store) {
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
			{ID: "m1", TopicID: topicID, SenderID: "u1", Text: "hello there", Timestamp: 1},
		}, nil
	}

	mgr := summary.New(objs, ks, nil, history, nil, bus, summary.Config{ModelID: "m"}, nil)
	return mgr, ks
}

func TestUpdateSummaryCreatesV1WhenAbsent(t *testing.T) {
	mgr, _ := setup(t)

	s, changed, err := mgr.UpdateSummary("t1", "the conversation is about quantum physics", []string{"subj1"}, 1000)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 1, s.Version)
	require.Nil(t, s.PreviousVersion)

	current, found, err := mgr.GetCurrent("t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, s.Content, current.Content)
}

func TestUpdateSummarySkipsInsignificantChange(t *testing.T) {
	mgr, _ := setup(t)

	_, changed, err := mgr.UpdateSummary("t1", "the conversation is about quantum physics and tunneling", []string{"subj1"}, 1000)
	require.NoError(t, err)
	require.True(t, changed)

	_, changed, err = mgr.UpdateSummary("t1", "the conversation is about quantum physics and tunneling today", []string{"subj1"}, 2000)
	require.NoError(t, err)
	require.False(t, changed)
}

func TestUpdateSummaryAdvancesVersionOnSignificantChange(t *testing.T) {
	mgr, _ := setup(t)

	_, _, err := mgr.UpdateSummary("t1", "alpha beta gamma delta", []string{"subj1"}, 1000)
	require.NoError(t, err)

	next, changed, err := mgr.UpdateSummary("t1", "an entirely different conversation about cooking recipes", []string{"subj1", "subj2"}, 2000)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 2, next.Version)
	require.NotNil(t, next.PreviousVersion)
}

func TestBuildRestartContextSynthesizesWhenNoSummaryExists(t *testing.T) {
	mgr, _ := setup(t)

	rc, err := mgr.BuildRestartContext(context.Background(), "t1")
	require.NoError(t, err)
	require.Contains(t, rc.SystemMessage, "hello there")
	require.Contains(t, rc.UserContext, "hello there")
}
