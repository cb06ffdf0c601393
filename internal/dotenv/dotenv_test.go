package dotenv

import (
	"os"
	"path/filepath"
	"testing"
)

func unsetAfter(t *testing.T, keys ...string) {
	t.Cleanup(func() {
		for _, k := range keys {
			_ = os.Unsetenv(k)
		}
	})
}

func TestLoadFiles_MissingFileIsNoop(t *testing.T) {
	t.Parallel()
	if err := LoadFiles(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadFiles missing file error: %v", err)
	}
}

func TestLoadFiles_LoadsValuesAndPreservesExisting(t *testing.T) {
	tempDir := t.TempDir()
	first := filepath.Join(tempDir, ".env.local")
	second := filepath.Join(tempDir, ".env")
	content := "" +
		"# comment\n" +
		"ARVYN_DOTENV_FROM_FILE=loaded\n" +
		"ARVYN_DOTENV_QUOTED=\"hello world\"\n" +
		"export ARVYN_DOTENV_EXPORTED=ok\n" +
		"ARVYN_DOTENV_EXISTING=from_file\n"
	if err := os.WriteFile(first, []byte("ARVYN_DOTENV_FROM_FILE=first\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	if err := os.WriteFile(second, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	unsetAfter(t, "ARVYN_DOTENV_FROM_FILE", "ARVYN_DOTENV_QUOTED", "ARVYN_DOTENV_EXPORTED")
	t.Setenv("ARVYN_DOTENV_EXISTING", "already_set")

	if err := LoadFiles(first, second); err != nil {
		t.Fatalf("LoadFiles error: %v", err)
	}

	if got := os.Getenv("ARVYN_DOTENV_FROM_FILE"); got != "first" {
		t.Fatalf("FROM_FILE=%q, want earlier file to win", got)
	}
	if got := os.Getenv("ARVYN_DOTENV_QUOTED"); got != "hello world" {
		t.Fatalf("QUOTED=%q, want %q", got, "hello world")
	}
	if got := os.Getenv("ARVYN_DOTENV_EXPORTED"); got != "ok" {
		t.Fatalf("EXPORTED=%q, want %q", got, "ok")
	}
	if got := os.Getenv("ARVYN_DOTENV_EXISTING"); got != "already_set" {
		t.Fatalf("EXISTING=%q, want existing value preserved", got)
	}
}
