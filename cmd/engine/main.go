// Package main is the entry point for the topic analysis engine: it
// loads configuration, constructs the engine, and serves the RPC
// surface over a websocket listener (spec §6).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/config"
	"github.com/kittclouds/topicengine/internal/engine"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/llmclient"
)

// Exit codes (spec §6): 0 normal, 2 store corruption, 3 unreachable
// provider at startup, 4 configuration error.
const (
	exitOK              = 0
	exitStoreCorruption = 2
	exitProviderDown    = 3
	exitConfigError     = 4
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "topicengine",
		Short:        "Local-first topic analysis engine",
		SilenceUsage: true,
		RunE:         run,
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a config file")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	zl, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer zl.Sync()
	log := zl.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Errorw("configuration invalid", "error", err)
		return err
	}

	llm := llmclient.NewChatCompletionClient(cfg.LLMBaseURL, cfg.LLMAPIKey)
	if err := checkProvider(llm, cfg.ModelID); err != nil {
		log.Errorw("llm provider unreachable at startup", "error", err)
		return err
	}

	eng, err := engine.New(cfg, llm, log)
	if err != nil {
		log.Errorw("engine construction failed", "error", err)
		return err
	}
	defer eng.Close()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: eng.RPC,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
	}
	return nil
}

// checkProvider performs a minimal chat() round trip to fail fast if
// the configured LLM endpoint is unreachable (spec §6, exit code 3)
// rather than surfacing the failure on the first user message.
func checkProvider(llm llmclient.Client, modelID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := llm.Chat(ctx, []llmclient.Message{{Role: llmclient.RoleUser, Content: "ping"}}, modelID, llmclient.ChatOptions{})
	if err == nil {
		return nil
	}
	if errs.Is(err, errs.ProviderUnavailable) || errs.Is(err, errs.Timeout) {
		return fmt.Errorf("llm provider unreachable: %w", err)
	}
	// Any other error (e.g. a 4xx from a reachable-but-misconfigured
	// provider) is not the "unreachable" condition §6 calls out, so the
	// engine still starts and the error will surface on first use.
	return nil
}

func exitCodeFor(err error) int {
	kind, ok := errs.KindOf(err)
	if !ok {
		return exitConfigError
	}
	switch kind {
	case errs.CorruptObject:
		return exitStoreCorruption
	case errs.ProviderUnavailable, errs.Timeout:
		return exitProviderDown
	case errs.ConfigError:
		return exitConfigError
	default:
		return exitConfigError
	}
}
