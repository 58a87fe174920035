package llmclient_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/llmclient"
)

func TestChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"hello there"}}]}`)
	}))
	defer srv.Close()

	c := llmclient.NewChatCompletionClient(srv.URL, "key")
	out, err := c.Chat(context.Background(), []llmclient.Message{{Role: llmclient.RoleUser, Content: "hi"}}, "model-a", llmclient.ChatOptions{})
	require.NoError(t, err)
	require.Equal(t, "hello there", out)
}

func TestChatRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := llmclient.NewChatCompletionClient(srv.URL, "key")
	_, err := c.Chat(context.Background(), nil, "model-a", llmclient.ChatOptions{})
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.RateLimited))
}

func TestChatStreamingYieldsChunksAndAssemblesFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"foo\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"bar\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := llmclient.NewChatCompletionClient(srv.URL, "key")
	var chunks []string
	out, err := c.Chat(context.Background(), nil, "model-a", llmclient.ChatOptions{
		Stream:  true,
		OnChunk: func(s string) { chunks = append(chunks, s) },
	})
	require.NoError(t, err)
	require.Equal(t, "foobar", out)
	require.Equal(t, []string{"foo", "bar"}, chunks)
}

func TestChatStreamingCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"foo\"}}]}\n\n")
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"bar\"}}]}\n\n")
	}))
	defer srv.Close()

	c := llmclient.NewChatCompletionClient(srv.URL, "key")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Chat(ctx, nil, "model-a", llmclient.ChatOptions{Stream: true})
	require.Error(t, err)
}

func TestEstimateTokensWithinTolerance(t *testing.T) {
	c := llmclient.NewChatCompletionClient("http://example.invalid", "key")
	text := "this sentence is plain english text used to check the character-based token estimate"
	got := c.EstimateTokens(text, "model-a")
	want := float64(len(text)) / 4
	require.InDelta(t, want, float64(got), 0.1*want)
}

func TestUsableContextWindow(t *testing.T) {
	require.Equal(t, 1024, llmclient.UsableContextWindow(2048, 1024))
	require.Equal(t, 0, llmclient.UsableContextWindow(100, 1024))
}
