// Package config loads daemon settings from flags, STITCH_* environment
// variables, and an optional YAML repository manifest.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RepoConfig describes one synchronized repository.
type RepoConfig struct {
	// Name is the repository identity, e.g. "acme/api".
	Name string `yaml:"name"`
	// Branch of the remote that carries the journal. Defaults to main.
	Branch string `yaml:"branch"`
	// JournalPath inside the repository. Defaults to .stitch/issues.jsonl.
	JournalPath string `yaml:"journal_path"`
	// IDPrefix for locally minted issue ids. Defaults to st.
	IDPrefix string `yaml:"id_prefix"`
	// WorkingCopy is an optional local checkout to watch for journal edits.
	WorkingCopy string `yaml:"working_copy"`
}

// Config is the resolved daemon configuration.
type Config struct {
	ListenAddr    string
	DefaultRepo   string
	GitHubToken   string
	GitHubBaseURL string
	WebhookSecret string
	SyncInterval  time.Duration

	// Peers are base URLs of other stitch daemons to notify on issue close.
	Peers []string
	// TriggerURL receives workflow trigger events, empty disables firing.
	TriggerURL string

	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int

	Repos []RepoConfig
}

// BindEnv wires viper to the STITCH_* environment and sets defaults.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("STITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen-addr", ":8747")
	v.SetDefault("sync-interval", 30*time.Second)
	v.SetDefault("repos-file", ".stitch/repos.yaml")
	v.SetDefault("log-max-size-mb", 50)
	v.SetDefault("log-max-backups", 3)
}

// Load resolves the full configuration from a bound viper instance.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		ListenAddr:    v.GetString("listen-addr"),
		DefaultRepo:   v.GetString("repo"),
		GitHubToken:   v.GetString("github-token"),
		GitHubBaseURL: v.GetString("github-base-url"),
		WebhookSecret: v.GetString("webhook-secret"),
		SyncInterval:  v.GetDuration("sync-interval"),
		Peers:         v.GetStringSlice("peers"),
		TriggerURL:    v.GetString("trigger-url"),
		LogFile:       v.GetString("log-file"),
		LogMaxSizeMB:  v.GetInt("log-max-size-mb"),
		LogMaxBackups: v.GetInt("log-max-backups"),
	}

	repos, err := loadManifest(v.GetString("repos-file"))
	if err != nil {
		return nil, err
	}
	cfg.Repos = repos

	if cfg.DefaultRepo == "" && len(cfg.Repos) > 0 {
		cfg.DefaultRepo = cfg.Repos[0].Name
	}
	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("sync-interval must be positive")
	}
	return cfg, nil
}

// manifest is the top-level shape of the repos YAML file.
type manifest struct {
	Repos []RepoConfig `yaml:"repos"`
}

// loadManifest reads the repository list. A missing file is not an error,
// the daemon can run against the single repo named by config.
func loadManifest(path string) ([]RepoConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	seen := make(map[string]bool, len(m.Repos))
	for i := range m.Repos {
		r := &m.Repos[i]
		if r.Name == "" {
			return nil, fmt.Errorf("manifest %s: repo %d has no name", path, i)
		}
		if !strings.Contains(r.Name, "/") {
			return nil, fmt.Errorf("manifest %s: repo %q must be owner/name", path, r.Name)
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("manifest %s: duplicate repo %q", path, r.Name)
		}
		seen[r.Name] = true

		if r.Branch == "" {
			r.Branch = "main"
		}
		if r.JournalPath == "" {
			r.JournalPath = ".stitch/issues.jsonl"
		}
		if r.IDPrefix == "" {
			r.IDPrefix = "st"
		}
	}
	return m.Repos, nil
}

// Lookup returns the manifest entry for repo, or a defaulted entry when the
// repo is not listed.
func (c *Config) Lookup(repo string) RepoConfig {
	for _, r := range c.Repos {
		if r.Name == repo {
			return r
		}
	}
	return RepoConfig{
		Name:        repo,
		Branch:      "main",
		JournalPath: ".stitch/issues.jsonl",
		IDPrefix:    "st",
	}
}
