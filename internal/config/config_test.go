package config

import (
	"bytes"
	"strings"
	"testing"
)

func TestParseEnvIntUsesDefaultOnUnparseable(t *testing.T) {
	var out bytes.Buffer
	got := parseEnvInt(&out, "MAX_CONCURRENT_AGENTS", "not-a-number", 4)
	if got != 4 {
		t.Fatalf("want default 4, got %d", got)
	}
	if !strings.Contains(out.String(), "warn: env MAX_CONCURRENT_AGENTS: invalid value 'not-a-number', using default 4") {
		t.Fatalf("want warning line, got %q", out.String())
	}
}

func TestParseEnvIntValidValueNoWarning(t *testing.T) {
	var out bytes.Buffer
	got := parseEnvInt(&out, "WEB_PORT", "8080", 3131)
	if got != 8080 {
		t.Fatalf("want 8080, got %d", got)
	}
	if out.Len() != 0 {
		t.Fatalf("want no warning for a valid value, got %q", out.String())
	}
}

func TestParseEnvIntEmptyIsSilentDefault(t *testing.T) {
	var out bytes.Buffer
	got := parseEnvInt(&out, "WEB_PORT", "", 3131)
	if got != 3131 || out.Len() != 0 {
		t.Fatalf("want silent default for unset var, got %d warn=%q", got, out.String())
	}
}

func TestParseEnvBoolVariants(t *testing.T) {
	var out bytes.Buffer
	if !parseEnvBool(&out, "CONTINUOUS_MODE", "true", false) {
		t.Fatal("want true")
	}
	if parseEnvBool(&out, "CONTINUOUS_MODE", "False", true) {
		t.Fatal("want false")
	}
	if out.Len() != 0 {
		t.Fatalf("want no warnings for recognised bools, got %q", out.String())
	}
}

func TestParseEnvBoolInvalidWarnsAndDefaults(t *testing.T) {
	var out bytes.Buffer
	got := parseEnvBool(&out, "WHATSAPP_ENABLED", "maybe", false)
	if got != false {
		t.Fatal("want default false")
	}
	if !strings.Contains(out.String(), "warn: env WHATSAPP_ENABLED") {
		t.Fatalf("want warning, got %q", out.String())
	}
}

func TestParseWatchedReposPrimaryFirstAndDeduped(t *testing.T) {
	repos := ParseWatchedRepos("/repo/primary", "go test ./...", "/repo/primary:go test ./...|/repo/other")
	if len(repos) != 2 {
		t.Fatalf("want 2 repos (primary deduped), got %d: %+v", len(repos), repos)
	}
	if repos[0].Path != "/repo/primary" {
		t.Fatalf("want primary repo first, got %+v", repos[0])
	}
	if repos[1].Path != "/repo/other" || repos[1].TestCmd != "make test" {
		t.Fatalf("want other repo with default test cmd, got %+v", repos[1])
	}
}

func TestParseWatchedReposSkipsEmptyAndColonOnlySegments(t *testing.T) {
	repos := ParseWatchedRepos("", "", "|:|/repo/a:|/repo/b:custom test")
	if len(repos) != 2 {
		t.Fatalf("want 2 repos, got %d: %+v", len(repos), repos)
	}
	if repos[0].Path != "/repo/a" || repos[0].TestCmd != "make test" {
		t.Fatalf("want /repo/a with default cmd (empty cmd after colon), got %+v", repos[0])
	}
	if repos[1].Path != "/repo/b" || repos[1].TestCmd != "custom test" {
		t.Fatalf("want /repo/b with custom cmd, got %+v", repos[1])
	}
}

func TestParseWatchedReposNoPrimary(t *testing.T) {
	repos := ParseWatchedRepos("", "", "/repo/a")
	if len(repos) != 1 || repos[0].Path != "/repo/a" {
		t.Fatalf("want single repo with no primary, got %+v", repos)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv(map[string]string{})
	if cfg.AssistantName != "Borg" {
		t.Fatalf("want default assistant name Borg, got %q", cfg.AssistantName)
	}
	if cfg.WebPort != 3131 || cfg.AgentTimeoutS != 600 || cfg.MaxConcurrentAgents != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromEnvOverridesDefaults(t *testing.T) {
	cfg := FromEnv(map[string]string{
		"ASSISTANT_NAME": "Custom",
		"WEB_PORT":       "9000",
	})
	if cfg.AssistantName != "Custom" || cfg.WebPort != 9000 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}
