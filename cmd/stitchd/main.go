// stitchd keeps a repository's issue tracker and its git-committed issue
// journal consistent. It runs one sync actor per repository and exposes the
// operation API over HTTP.
package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stitchwork/stitch/internal/actor"
	"github.com/stitchwork/stitch/internal/config"
	"github.com/stitchwork/stitch/internal/notify"
	"github.com/stitchwork/stitch/internal/remote"
	"github.com/stitchwork/stitch/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "stitchd",
	Short: "Issue journal sync daemon",
	Long: `stitchd synchronizes a GitHub-style issue tracker with the
.stitch/issues.jsonl journal committed in each repository.

Each repository gets a single sync actor that serializes all mutations,
debounces echo loops between the two authorities, and recomputes issue
readiness as dependencies close.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(importCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	config.BindEnv(viper.GetViper())
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("repo", "r", "", "repository identity, e.g. acme/api")
	pf.String("data-dir", ".stitch", "directory for local databases")
	pf.String("repos-file", ".stitch/repos.yaml", "repository manifest")
	pf.String("github-token", "", "token for the issue tracker API")
	pf.String("github-base-url", "", "tracker API base URL for enterprise installs")
	pf.String("log-file", "", "log file path, empty logs to stderr")
	pf.Duration("sync-interval", 30*time.Second, "periodic commit and deletion sweep interval")

	for _, name := range []string{
		"repo", "data-dir", "repos-file", "github-token",
		"github-base-url", "log-file", "sync-interval",
	} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

// runtime bundles everything the subcommands share.
type runtime struct {
	cfg      *config.Config
	registry *actor.Registry
	router   *notify.Router
	logger   *log.Logger
	logSink  io.Closer
}

func (rt *runtime) close() {
	if err := rt.registry.CloseAll(); err != nil {
		rt.logger.Printf("Error closing stores: %v", err)
	}
	if rt.logSink != nil {
		_ = rt.logSink.Close()
	}
}

// registryResolver adapts the actor registry to the notify fan-out surface.
type registryResolver struct {
	registry *actor.Registry
}

func (r *registryResolver) Repos() []string { return r.registry.Repos() }

func (r *registryResolver) Resolve(repo string) (notify.Receiver, bool) {
	return r.registry.Lookup(repo)
}

func buildRuntime() (*runtime, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, sink := newLogger(cfg)
	rt := &runtime{cfg: cfg, logger: logger, logSink: sink}

	var trigger actor.Trigger
	if cfg.TriggerURL != "" {
		trigger = notify.NewHTTPTrigger(cfg.TriggerURL)
	} else {
		trigger = &notify.LogTrigger{Logger: logger}
	}

	rt.registry = actor.NewRegistry(func(repo string) (*actor.Actor, error) {
		rc := cfg.Lookup(repo)

		client, err := newRemoteClient(cfg, rc)
		if err != nil {
			return nil, err
		}
		st, err := store.Open(dbPath(viper.GetString("data-dir"), repo))
		if err != nil {
			return nil, err
		}

		acfg := actor.DefaultConfig(repo)
		acfg.IDPrefix = rc.IDPrefix
		acfg.JournalPath = rc.JournalPath
		return actor.New(acfg, st, client, rt.router, trigger,
			log.New(logger.Writer(), fmt.Sprintf("[actor %s] ", repo), log.LstdFlags)), nil
	})
	rt.router = notify.NewRouter(&registryResolver{registry: rt.registry}, cfg.Peers, logger)

	// Pre-register every manifest repo so fan-out sees them all.
	for _, rc := range cfg.Repos {
		if _, err := rt.registry.Get(rc.Name); err != nil {
			rt.close()
			return nil, fmt.Errorf("failed to start actor for %s: %w", rc.Name, err)
		}
	}
	return rt, nil
}

func newLogger(cfg *config.Config) (*log.Logger, io.Closer) {
	if cfg.LogFile == "" {
		return log.New(os.Stderr, "[stitchd] ", log.LstdFlags), nil
	}
	sink := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   true,
	}
	return log.New(sink, "[stitchd] ", log.LstdFlags), sink
}

func newRemoteClient(cfg *config.Config, rc config.RepoConfig) (remote.Client, error) {
	owner, name, ok := strings.Cut(rc.Name, "/")
	if !ok {
		return nil, fmt.Errorf("repository %q must be owner/name", rc.Name)
	}
	if cfg.GitHubBaseURL != "" {
		return remote.NewGitHubClientForURL(cfg.GitHubBaseURL, cfg.GitHubToken, owner, name, rc.Branch)
	}
	return remote.NewGitHubClient(cfg.GitHubToken, owner, name, rc.Branch), nil
}

func dbPath(dataDir, repo string) string {
	return filepath.Join(dataDir, strings.ReplaceAll(repo, "/", "_")+".db")
}

// resolveRepo picks the repository a one-shot command targets.
func resolveRepo(rt *runtime) (string, error) {
	if rt.cfg.DefaultRepo == "" {
		return "", fmt.Errorf("no repository configured, pass --repo or add a manifest entry")
	}
	return rt.cfg.DefaultRepo, nil
}
