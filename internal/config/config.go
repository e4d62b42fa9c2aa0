// Package config loads Borg's .env-based configuration: a flat
// KEY=VALUE file parsed with joho/godotenv (never exported into the
// process environment, since child agent containers must not inherit
// host credentials), with typed accessors that fall back to documented
// defaults and emit a single warning line on an unparseable value.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every option recognised from .env.
type Config struct {
	TelegramBotToken    string
	ClaudeCodeOAuthTok  string
	AssistantName       string
	TriggerPattern      string
	DataDir             string
	ContainerImage      string
	ClaudeModel         string
	PipelineRepo        string
	PipelineTestCmd     string
	PipelineLintCmd     string
	PipelineAdminChat   string
	ReleaseIntervalMins int
	ContinuousMode      bool
	CollectionWindowMS  int
	CooldownMS          int
	AgentTimeoutS       int
	MaxConcurrentAgents int
	RateLimitPerMinute  int
	MaxPipelineAgents   int
	WebPort             int
	WatchedRepos        []WatchedRepo
	WhatsAppEnabled     bool
	DiscordEnabled      bool
	WhatsAppBaseURL     string
	SidecarURL          string

	CredentialsHome string
}

// WatchedRepo is one entry of WATCHED_REPOS: a repo path and the test
// command the pipeline runs against it.
type WatchedRepo struct {
	Path    string
	TestCmd string
}

func defaults() Config {
	return Config{
		AssistantName:       "Borg",
		DataDir:             "data",
		ReleaseIntervalMins: 180,
		ContinuousMode:      false,
		CollectionWindowMS:  3000,
		CooldownMS:          5000,
		AgentTimeoutS:       600,
		MaxConcurrentAgents: 4,
		RateLimitPerMinute:  5,
		MaxPipelineAgents:   2,
		WebPort:             3131,
	}
}

// Load reads path with godotenv (comments, blank lines, KEY=VALUE, and
// matched-quote stripping are godotenv's native behaviour) and returns a
// populated Config. The returned map is never merged into os.Environ, so
// credentials never leak to child processes via the ambient environment.
// A missing file is not an error: Load falls back to an empty env, letting
// every field take its documented default.
func Load(path string) (Config, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		env = map[string]string{}
	}
	return FromEnv(env), nil
}

// FromEnv builds a Config from an already-parsed KEY=VALUE map, applying
// documented defaults and warning once per unparseable value.
func FromEnv(env map[string]string) Config {
	return fromEnvTo(env, os.Stderr)
}

func fromEnvTo(env map[string]string, warnOut io.Writer) Config {
	cfg := defaults()

	cfg.TelegramBotToken = env["TELEGRAM_BOT_TOKEN"]
	cfg.ClaudeCodeOAuthTok = env["CLAUDE_CODE_OAUTH_TOKEN"]
	if v := env["ASSISTANT_NAME"]; v != "" {
		cfg.AssistantName = v
	}
	cfg.TriggerPattern = env["TRIGGER_PATTERN"]
	if v := env["DATA_DIR"]; v != "" {
		cfg.DataDir = v
	}
	cfg.ContainerImage = env["CONTAINER_IMAGE"]
	cfg.ClaudeModel = env["CLAUDE_MODEL"]
	cfg.PipelineRepo = env["PIPELINE_REPO"]
	cfg.PipelineTestCmd = env["PIPELINE_TEST_CMD"]
	cfg.PipelineLintCmd = env["PIPELINE_LINT_CMD"]
	cfg.PipelineAdminChat = env["PIPELINE_ADMIN_CHAT"]

	cfg.ReleaseIntervalMins = parseEnvInt(warnOut, "RELEASE_INTERVAL_MINS", env["RELEASE_INTERVAL_MINS"], cfg.ReleaseIntervalMins)
	cfg.ContinuousMode = parseEnvBool(warnOut, "CONTINUOUS_MODE", env["CONTINUOUS_MODE"], cfg.ContinuousMode)
	cfg.CollectionWindowMS = parseEnvInt(warnOut, "COLLECTION_WINDOW_MS", env["COLLECTION_WINDOW_MS"], cfg.CollectionWindowMS)
	cfg.CooldownMS = parseEnvInt(warnOut, "COOLDOWN_MS", env["COOLDOWN_MS"], cfg.CooldownMS)
	cfg.AgentTimeoutS = parseEnvInt(warnOut, "AGENT_TIMEOUT_S", env["AGENT_TIMEOUT_S"], cfg.AgentTimeoutS)
	cfg.MaxConcurrentAgents = parseEnvInt(warnOut, "MAX_CONCURRENT_AGENTS", env["MAX_CONCURRENT_AGENTS"], cfg.MaxConcurrentAgents)
	cfg.RateLimitPerMinute = parseEnvInt(warnOut, "RATE_LIMIT_PER_MINUTE", env["RATE_LIMIT_PER_MINUTE"], cfg.RateLimitPerMinute)
	cfg.MaxPipelineAgents = parseEnvInt(warnOut, "MAX_PIPELINE_AGENTS", env["MAX_PIPELINE_AGENTS"], cfg.MaxPipelineAgents)
	cfg.WebPort = parseEnvInt(warnOut, "WEB_PORT", env["WEB_PORT"], cfg.WebPort)

	cfg.WatchedRepos = ParseWatchedRepos(cfg.PipelineRepo, cfg.PipelineTestCmd, env["WATCHED_REPOS"])

	cfg.WhatsAppEnabled = parseEnvBool(warnOut, "WHATSAPP_ENABLED", env["WHATSAPP_ENABLED"], false)
	cfg.DiscordEnabled = parseEnvBool(warnOut, "DISCORD_ENABLED", env["DISCORD_ENABLED"], false)
	cfg.WhatsAppBaseURL = env["WHATSAPP_BASE_URL"]
	cfg.SidecarURL = env["SIDECAR_URL"]

	cfg.CredentialsHome = homeDir()

	return cfg
}

// parseEnvInt returns def whenever raw fails to parse as a decimal
// integer (including an empty/unset value), emitting exactly one warning
// line to warnOut in that case. It never warns for a value that parses.
func parseEnvInt(warnOut io.Writer, varName, raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(warnOut, "warn: env %s: invalid value '%s', using default %d\n", varName, raw, def)
		return def
	}
	return v
}

// parseEnvBool accepts "true"/"false" case-insensitively; anything else
// (including empty) falls back to def, warning only when raw is non-empty
// and unrecognised.
func parseEnvBool(warnOut io.Writer, varName, raw string, def bool) bool {
	if raw == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		fmt.Fprintf(warnOut, "warn: env %s: invalid value '%s', using default %t\n", varName, raw, def)
		return def
	}
}

// ParseWatchedRepos builds the pipeline's repo watch list: the primary
// repo (PIPELINE_REPO/PIPELINE_TEST_CMD) always comes first when set, the
// pipe-delimited spec is deduplicated against it, empty and colon-only
// segments are skipped, and a path with no ':cmd' suffix defaults to
// "make test".
func ParseWatchedRepos(primaryRepo, primaryTestCmd, spec string) []WatchedRepo {
	var out []WatchedRepo
	seen := map[string]bool{}

	if primaryRepo != "" {
		cmd := primaryTestCmd
		if cmd == "" {
			cmd = "make test"
		}
		out = append(out, WatchedRepo{Path: primaryRepo, TestCmd: cmd})
		seen[primaryRepo] = true
	}

	for _, seg := range strings.Split(spec, "|") {
		seg = strings.TrimSpace(seg)
		if seg == "" || seg == ":" {
			continue
		}
		parts := strings.SplitN(seg, ":", 2)
		path := strings.TrimSpace(parts[0])
		if path == "" || seen[path] {
			continue
		}
		cmd := "make test"
		if len(parts) == 2 && strings.TrimSpace(parts[1]) != "" {
			cmd = strings.TrimSpace(parts[1])
		}
		out = append(out, WatchedRepo{Path: path, TestCmd: cmd})
		seen[path] = true
	}

	return out
}

func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return "/root"
}

// overlay is the optional config.yaml shape for operators who prefer a
// structured file over long WATCHED_REPOS pipe-lists; .env always wins
// where both set a value.
type overlay struct {
	WatchedRepos []WatchedRepo `yaml:"watched_repos"`
}

// ApplyYAMLOverlay merges an optional YAML file's watched-repo list into
// cfg, appending any repo not already present. A missing file is a no-op.
func ApplyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	seen := map[string]bool{}
	for _, r := range cfg.WatchedRepos {
		seen[r.Path] = true
	}
	for _, r := range ov.WatchedRepos {
		if r.Path == "" || seen[r.Path] {
			continue
		}
		cfg.WatchedRepos = append(cfg.WatchedRepos, r)
		seen[r.Path] = true
	}
	return nil
}

// SessionsDir is data/sessions/<folder>, owned exclusively by that chat.
func (c Config) SessionsDir(folder string) string {
	return filepath.Join(c.DataDir, "sessions", folder)
}

// IPCDir is the scratch directory for sidecar IPC.
func (c Config) IPCDir() string {
	return filepath.Join(c.DataDir, "ipc")
}

// AgentTimeout is AgentTimeoutS as a time.Duration.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutS) * time.Second
}

// CollectionWindow is CollectionWindowMS as a time.Duration.
func (c Config) CollectionWindow() time.Duration {
	return time.Duration(c.CollectionWindowMS) * time.Millisecond
}

// Cooldown is CooldownMS as a time.Duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}
