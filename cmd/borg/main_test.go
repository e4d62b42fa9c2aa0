package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/neuralcollective/borg/internal/config"
)

func TestCleanExecutablePathStripsDeletedSuffix(t *testing.T) {
	cases := map[string]string{
		"/usr/local/bin/borg":           "/usr/local/bin/borg",
		"/usr/local/bin/borg (deleted)": "/usr/local/bin/borg",
	}
	for in, want := range cases {
		if got := cleanExecutablePath(in); got != want {
			t.Errorf("cleanExecutablePath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWatchedRepoTestCmdLooksUpByPath(t *testing.T) {
	fn := watchedRepoTestCmd([]config.WatchedRepo{
		{Path: "/repo/a", TestCmd: "make test"},
		{Path: "/repo/b", TestCmd: "go test ./..."},
	})
	if got := fn("/repo/b"); got != "go test ./..." {
		t.Errorf("testCmdFor(/repo/b) = %q, want %q", got, "go test ./...")
	}
	if got := fn("/repo/unknown"); got != "" {
		t.Errorf("testCmdFor(unknown) = %q, want empty", got)
	}
}

func TestLoadDotEnvSetsUnsetVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("# comment\nBORG_TEST_VAR=hello\n\nBORG_TEST_QUOTED=\"world\"\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	os.Unsetenv("BORG_TEST_VAR")
	os.Unsetenv("BORG_TEST_QUOTED")
	t.Cleanup(func() {
		os.Unsetenv("BORG_TEST_VAR")
		os.Unsetenv("BORG_TEST_QUOTED")
	})

	loadDotEnv(path)

	if got := os.Getenv("BORG_TEST_VAR"); got != "hello" {
		t.Errorf("BORG_TEST_VAR = %q, want hello", got)
	}
	if got := os.Getenv("BORG_TEST_QUOTED"); got != "world" {
		t.Errorf("BORG_TEST_QUOTED = %q, want world", got)
	}
}

func TestLoadDotEnvDoesNotOverrideExistingVar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("BORG_TEST_PRESET=fromfile\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	os.Setenv("BORG_TEST_PRESET", "preset")
	t.Cleanup(func() { os.Unsetenv("BORG_TEST_PRESET") })

	loadDotEnv(path)

	if got := os.Getenv("BORG_TEST_PRESET"); got != "preset" {
		t.Errorf("BORG_TEST_PRESET = %q, want preset (should not be overridden)", got)
	}
}

func TestIsAdminSubcommand(t *testing.T) {
	for _, ok := range []string{"task", "tasks", "pipeline", "version"} {
		if !isAdminSubcommand(ok) {
			t.Errorf("isAdminSubcommand(%q) = false, want true", ok)
		}
	}
	if isAdminSubcommand("--env") {
		t.Error("isAdminSubcommand(--env) = true, want false")
	}
}
