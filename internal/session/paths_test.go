package session

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/matheus3301/chatsync/internal/config"
)

func TestDir(t *testing.T) {
	t.Setenv(HomeEnv, "")
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".chatsync", "sessions", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestHomeOverride(t *testing.T) {
	base := t.TempDir()
	t.Setenv(HomeEnv, base)
	if got := DBPath("work"); got != filepath.Join(base, "sessions", "work", "chatsync.db") {
		t.Errorf("DBPath(work) = %q", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix sessions/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "logs", "chatsyncd.log")) {
		t.Errorf("LogPath(test) = %q", got)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("sessions", "test", "daemon.sock")) {
		t.Errorf("SocketPath(test) = %q", got)
	}
}

func TestEnsureDirAndList(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	names, err := List()
	if err != nil || len(names) != 0 {
		t.Fatalf("List() on empty home = %v, %v", names, err)
	}

	for _, n := range []string{"work", "main"} {
		if err := EnsureDir(n); err != nil {
			t.Fatal(err)
		}
	}
	info, err := os.Stat(LogDir("work"))
	if err != nil {
		t.Fatalf("log dir not created: %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("log dir perm = %o, want 0700", info.Mode().Perm())
	}

	if err := os.MkdirAll(filepath.Join(BaseDir(), "sessions", "Not Valid"), 0700); err != nil {
		t.Fatal(err)
	}
	names, err = List()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(names, []string{"main", "work"}) {
		t.Errorf("List() = %v, want [main work]", names)
	}
}

func TestResolve(t *testing.T) {
	t.Setenv(HomeEnv, t.TempDir())

	if got := Resolve(""); got != DefaultSessionName {
		t.Errorf("Resolve() without config = %q, want main", got)
	}
	if err := config.Save(ConfigPath(), &config.Config{DefaultSession: "work"}); err != nil {
		t.Fatal(err)
	}
	if got := Resolve(""); got != "work" {
		t.Errorf("Resolve() = %q, want work", got)
	}
	if got := Resolve("other"); got != "other" {
		t.Errorf("Resolve(other) = %q, want other", got)
	}
}
