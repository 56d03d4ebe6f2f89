package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecovery(t *testing.T) *Recovery {
	t.Helper()
	r := NewRecovery(RecoveryConfig{
		Passes:      3,
		MaxDepth:    6,
		SettleDelay: time.Millisecond,
	}, nil)
	// No real processes are touched in tests.
	r.killProcess = func(ctx context.Context, name string) error {
		return os.ErrNotExist
	}
	return r
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRecoveryClean(t *testing.T) {
	t.Run("removes known lock files", func(t *testing.T) {
		dir := t.TempDir()
		locks := []string{
			"SingletonLock",
			"SingletonCookie",
			"SingletonSocket",
			"lockfile",
			"LOCK",
			".org.chromium.Chromium.lock",
		}
		for _, name := range locks {
			touch(t, filepath.Join(dir, name))
		}
		touch(t, filepath.Join(dir, "Preferences"))

		newTestRecovery(t).Clean(context.Background(), dir)

		for _, name := range locks {
			if _, err := os.Stat(filepath.Join(dir, name)); !os.IsNotExist(err) {
				t.Errorf("expected %s removed", name)
			}
		}
		if _, err := os.Stat(filepath.Join(dir, "Preferences")); err != nil {
			t.Error("expected non-lock file to survive")
		}
	})

	t.Run("matches Singleton substring and .lock suffix", func(t *testing.T) {
		dir := t.TempDir()
		touch(t, filepath.Join(dir, "SingletonSomethingElse"))
		touch(t, filepath.Join(dir, "profile.lock"))
		touch(t, filepath.Join(dir, "data.db"))

		newTestRecovery(t).Clean(context.Background(), dir)

		if _, err := os.Stat(filepath.Join(dir, "SingletonSomethingElse")); !os.IsNotExist(err) {
			t.Error("expected Singleton-prefixed file removed")
		}
		if _, err := os.Stat(filepath.Join(dir, "profile.lock")); !os.IsNotExist(err) {
			t.Error("expected .lock file removed")
		}
		if _, err := os.Stat(filepath.Join(dir, "data.db")); err != nil {
			t.Error("expected data file to survive")
		}
	})

	t.Run("walks nested directories", func(t *testing.T) {
		dir := t.TempDir()
		nested := filepath.Join(dir, "Default", "Sub")
		touch(t, filepath.Join(nested, "SingletonLock"))

		newTestRecovery(t).Clean(context.Background(), dir)

		if _, err := os.Stat(filepath.Join(nested, "SingletonLock")); !os.IsNotExist(err) {
			t.Error("expected nested lock removed")
		}
	})

	t.Run("skips directories past max depth", func(t *testing.T) {
		dir := t.TempDir()
		deep := dir
		for i := 0; i < 8; i++ {
			deep = filepath.Join(deep, "d")
		}
		lock := filepath.Join(deep, "SingletonLock")
		touch(t, lock)

		newTestRecovery(t).Clean(context.Background(), dir)

		if _, err := os.Stat(lock); err != nil {
			t.Error("expected lock beyond max depth to survive")
		}
	})

	t.Run("tolerates missing directory", func(t *testing.T) {
		newTestRecovery(t).Clean(context.Background(), filepath.Join(t.TempDir(), "gone"))
	})
}

func TestIsLockName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"SingletonLock", true},
		{"xSingletonx", true},
		{"session.lock", true},
		{"LOCK", true},
		{"lockfile", true},
		{"Preferences", false},
		{"locked.txt", false},
	}
	for _, c := range cases {
		if got := isLockName(c.name); got != c.want {
			t.Errorf("isLockName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}
