package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/config"
)

func TestDefaultMatchesSpecDocumentedValues(t *testing.T) {
	cfg := config.Default()
	require.Equal(t, 1024, cfg.ContextReserveTokens)
	require.Equal(t, 6, cfg.VerbatimTailTurns)
	require.Equal(t, 5000, cfg.KeywordCacheTtlMs)
	require.Equal(t, 30000, cfg.ProposalCacheTtlMs)
	require.Equal(t, 5, cfg.ProposalTopK)
	require.InDelta(t, 0.2, cfg.ProposalMinScore, 1e-9)
	require.Equal(t, 50, cfg.MaxKeywordLen)
	require.Equal(t, 12, cfg.MaxSubjectMembers)
	require.Equal(t, 2, cfg.LLMRetryMax)
	require.Equal(t, 200, cfg.LLMRetryBackoffMs)
	require.Equal(t, 8192, cfg.MaxHistoryTokens)
	require.NoError(t, cfg.Validate())
}

func TestLoadWithNoConfigFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, config.Default().ProposalTopK, cfg.ProposalTopK)
}

func TestValidateRejectsBadProposalMinScore(t *testing.T) {
	cfg := config.Default()
	cfg.ProposalMinScore = 1.5
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStoreRoot(t *testing.T) {
	cfg := config.Default()
	cfg.StoreRoot = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveContextReserve(t *testing.T) {
	cfg := config.Default()
	cfg.ContextReserveTokens = 0
	require.Error(t, cfg.Validate())
}
