package proposal_test

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/events"
	"github.com/kittclouds/topicengine/internal/keywordstore"
	"github.com/kittclouds/topicengine/internal/objectstore"
	"github.com/kittclouds/topicengine/internal/proposal"
)

func newTestEngine(t *testing.T, allSubjects proposal.AllSubjects) (*proposal.Engine, *keywordstore.Store) {
	t.Helper()
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	kws := keywordstore.New(objs, chans, 5*time.Second, nil)
	journal, err := proposal.NewFileJournal(fs, "/data")
	require.NoError(t, err)
	bus := events.NewBus()
	eng := proposal.New(kws, allSubjects, journal, bus, proposal.Config{}, nil)
	return eng, kws
}

func TestGetForTopicRanksSharedKeywordSubjectsAboveThreshold(t *testing.T) {
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	kws := keywordstore.New(objs, chans, 5*time.Second, nil)

	now := int64(1_700_000_000_000)

	_, _, err = kws.CreateSubject("t3", []string{"graph", "search", "ranking", "indexing"}, "", "current topic subject", nil, now)
	require.NoError(t, err)

	pastSubj, _, err := kws.CreateSubject("t7", []string{"graph", "search", "ranking"}, "", "a past subject sharing three of four keywords", nil, now-2*24*60*60*1000)
	require.NoError(t, err)
	require.NotEmpty(t, pastSubj.ID)

	allSubjects := func() ([]domain.Subject, error) {
		t3, err := kws.ListSubjects("t3", false)
		if err != nil {
			return nil, err
		}
		t7, err := kws.ListSubjects("t7", false)
		if err != nil {
			return nil, err
		}
		return append(t3, t7...), nil
	}

	journal, err := proposal.NewFileJournal(fs, "/data")
	require.NoError(t, err)
	bus := events.NewBus()
	eng := proposal.New(kws, allSubjects, journal, bus, proposal.Config{}, nil)

	props, err := eng.GetForTopic("t3", now)
	require.NoError(t, err)
	require.NotEmpty(t, props)
	require.Equal(t, pastSubj.ID, props[0].PastSubjectIDHash)
	require.GreaterOrEqual(t, props[0].Score, 0.2)

	require.NoError(t, eng.Dismiss("t3", pastSubj.ID, now))

	propsAfter, err := eng.GetForTopic("t3", now)
	require.NoError(t, err)
	for _, p := range propsAfter {
		require.NotEqual(t, pastSubj.ID, p.PastSubjectIDHash, "dismissed proposal must never resurface")
	}
}

func TestShareReturnsPayloadAndAutoDismisses(t *testing.T) {
	fs := afero.NewMemMapFs()
	objs, err := objectstore.New(fs, "/data", nil)
	require.NoError(t, err)
	chans, err := channel.New(fs, "/data", objs, nil)
	require.NoError(t, err)
	kws := keywordstore.New(objs, chans, 5*time.Second, nil)

	now := int64(1_700_000_000_000)
	subj, idHash, err := kws.CreateSubject("t7", []string{"lighthouse"}, "", "lighthouse subject", nil, now)
	require.NoError(t, err)

	journal, err := proposal.NewFileJournal(fs, "/data")
	require.NoError(t, err)
	bus := events.NewBus()
	eng := proposal.New(kws, func() ([]domain.Subject, error) { return nil, nil }, journal, bus, proposal.Config{}, nil)

	find := func(h string) (domain.Subject, bool, error) {
		if h == idHash {
			return subj, true, nil
		}
		return domain.Subject{}, false, nil
	}

	payload, err := eng.Share("t3", idHash, find, now)
	require.NoError(t, err)
	require.Equal(t, subj.ID, payload.SubjectName)

	dismissed, err := journal.IsDismissed("t3", idHash)
	require.NoError(t, err)
	require.True(t, dismissed, "share must auto-dismiss so the proposal never resurfaces")
}

func TestShareUnknownSubjectIsNotFound(t *testing.T) {
	eng, _ := newTestEngine(t, func() ([]domain.Subject, error) { return nil, nil })
	_, err := eng.Share("t3", "missing", func(string) (domain.Subject, bool, error) {
		return domain.Subject{}, false, nil
	}, 1000)
	require.Error(t, err)
}
