package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/joescharf/sitedit/internal/git"
	"github.com/joescharf/sitedit/internal/llm"
	"github.com/joescharf/sitedit/internal/queue"
	"github.com/joescharf/sitedit/internal/review"
	"github.com/joescharf/sitedit/internal/sessions"
	"github.com/joescharf/sitedit/internal/store"
)

// app holds the components shared by the server and the CLI.
type app struct {
	git      *git.Manager
	store    store.Store
	queue    *queue.Queue
	sessions *sessions.Registry
	review   *review.Service
	llm      *llm.Client
	log      *slog.Logger
}

// newGitManager builds the git manager from config.
func newGitManager() *git.Manager {
	return git.NewManager(git.Config{
		Root:         viper.GetString("site_dir"),
		WorktreesDir: viper.GetString("worktrees_dir"),
		MainBranch:   viper.GetString("git.main_branch"),
		Remote:       viper.GetString("git.remote"),
		AuthorName:   viper.GetString("git.author_name"),
		AuthorEmail:  viper.GetString("git.author_email"),
		Logger:       slog.Default(),
	})
}

// openStore opens the configured queue backend.
func openStore(ctx context.Context) (store.Store, error) {
	backend := viper.GetString("queue.backend")
	path := viper.GetString("queue.path")
	if backend == store.BackendSQLite {
		path = viper.GetString("queue.db_path")
	}
	s, err := store.Open(ctx, backend, path)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	return s, nil
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"), viper.GetInt64("agent.max_tokens"))
}

// newApp opens the queue and wires the review service. The site repo is
// expected to exist already; see `sitedit init`.
func newApp(ctx context.Context) (*app, error) {
	s, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	a := &app{
		git:      newGitManager(),
		store:    s,
		sessions: sessions.NewRegistry(slog.Default()),
		llm:      newLLMClient(),
		log:      slog.Default(),
	}
	a.queue = queue.New(s, a.log)

	var summarizer llm.Summarizer
	if a.llm != nil {
		summarizer = a.llm
	}
	a.review = review.NewService(a.queue, a.git, a.sessions, summarizer, a.log)
	return a, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close queue", "error", err)
	}
}

// durationConfig reads a duration key, falling back to def when unset or invalid.
func durationConfig(key string, def time.Duration) time.Duration {
	d := viper.GetDuration(key)
	if d <= 0 {
		return def
	}
	return d
}
