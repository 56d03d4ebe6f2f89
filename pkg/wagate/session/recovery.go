// Package session – recovery.go clears artifacts left behind by a previous,
// possibly crashed, browser instance so that a launch attempt is likely to
// succeed: lingering runtime processes and profile lock files.
package session

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Browser runtime process names worth terminating before a launch.
var defaultProcessNames = []string{
	"chrome",
	"chromium",
	"chromium-browser",
	"chrome_crashpad_handler",
}

// Lock-file names the browser leaves in the profile directory.
var exactLockNames = []string{
	"SingletonLock",
	"SingletonCookie",
	"SingletonSocket",
	"lockfile",
	"LOCK",
	".org.chromium.Chromium.lock",
}

// RecoveryConfig tunes the cleanup routine.
type RecoveryConfig struct {
	// ProcessNames overrides the browser process names to terminate.
	ProcessNames []string
	// Passes is how many removal sweeps to run (files can be recreated
	// mid-scan by a dying process). Default 3.
	Passes int
	// MaxDepth bounds the directory walk below the session dir. Default 6.
	MaxDepth int
	// SettleDelay is the pause after the last pass so the filesystem
	// settles before the next launch. Default 500ms.
	SettleDelay time.Duration
}

// Recovery removes stale locks and processes. Idempotent; always safe to
// call, including when there is nothing to clean.
type Recovery struct {
	cfg    RecoveryConfig
	logger *slog.Logger

	// killProcess is swappable in tests.
	killProcess func(ctx context.Context, name string) error
}

// NewRecovery builds a Recovery with defaults filled in.
func NewRecovery(cfg RecoveryConfig, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.ProcessNames) == 0 {
		cfg.ProcessNames = defaultProcessNames
	}
	if cfg.Passes <= 0 {
		cfg.Passes = 3
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 6
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	return &Recovery{
		cfg:    cfg,
		logger: logger.With("component", "recovery"),
		killProcess: func(ctx context.Context, name string) error {
			return exec.CommandContext(ctx, "pkill", "-f", name).Run()
		},
	}
}

// Clean terminates stale browser processes and removes lock files under dir.
func (r *Recovery) Clean(ctx context.Context, dir string) {
	r.terminateProcesses(ctx)

	for pass := 0; pass < r.cfg.Passes; pass++ {
		removed := r.removeLocks(dir)
		if removed > 0 {
			r.logger.Info("removed lock files", "pass", pass+1, "count", removed, "dir", dir)
		}
	}

	select {
	case <-time.After(r.cfg.SettleDelay):
	case <-ctx.Done():
	}
}

func (r *Recovery) terminateProcesses(ctx context.Context) {
	for _, name := range r.cfg.ProcessNames {
		// pkill exits non-zero when nothing matched; that is the common
		// case and not an error.
		if err := r.killProcess(ctx, name); err == nil {
			r.logger.Info("terminated lingering process", "name", name)
		}
	}
}

func (r *Recovery) removeLocks(dir string) int {
	root, err := filepath.Abs(dir)
	if err != nil {
		root = dir
	}
	removed := 0

	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entry, keep walking
		}
		if d.IsDir() {
			if depth(root, path) > r.cfg.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if !isLockName(d.Name()) {
			return nil
		}
		if r.remove(path) {
			removed++
		}
		return nil
	})
	return removed
}

// remove deletes the file; on a permission error it relaxes the mode once
// and retries, otherwise skips.
func (r *Recovery) remove(path string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if os.IsPermission(err) {
		if chErr := os.Chmod(path, 0o644); chErr == nil {
			if os.Remove(path) == nil {
				return true
			}
		}
	}
	r.logger.Debug("could not remove lock file", "path", path, "error", err)
	return false
}

func isLockName(name string) bool {
	for _, exact := range exactLockNames {
		if name == exact {
			return true
		}
	}
	return strings.Contains(name, "Singleton") || strings.HasSuffix(name, ".lock")
}

func depth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return len(strings.Split(rel, string(filepath.Separator)))
}
