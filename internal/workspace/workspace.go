// Package workspace persists and restores per-session workspace directories.
//
// A workspace lives in up to three tiers: the live directory a sandbox works
// in, a local snapshot taken on pause or eviction, and an optional cloud
// mirror holding a gzipped tarball per session. Restore walks the tiers in
// that order and falls back to seeding a fresh copy of the agent template.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ashstack/ash/internal/common/logger"
)

// Source identifies which tier satisfied a restore.
type Source string

const (
	SourceLive  Source = "live"
	SourceLocal Source = "local"
	SourceCloud Source = "cloud"
	SourceFresh Source = "fresh"
)

// mirrorTimeout bounds a background snapshot upload.
const mirrorTimeout = 5 * time.Minute

// skipDirs are heavy, regenerable directories excluded from snapshots.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"__pycache__":  true,
	".venv":        true,
}

// Store manages the workspace tiers for every session on this runner.
type Store struct {
	sandboxesDir string
	sessionsDir  string
	objects      ObjectStore // nil when no cloud mirror is configured
	prefix       string
	log          *logger.Logger
}

func New(sandboxesDir, sessionsDir string, objects ObjectStore, prefix string, log *logger.Logger) *Store {
	return &Store{
		sandboxesDir: sandboxesDir,
		sessionsDir:  sessionsDir,
		objects:      objects,
		prefix:       prefix,
		log:          log.WithFields(zap.String("component", "workspace")),
	}
}

// SandboxDir returns the sandbox's root directory (bridge socket, scratch,
// workspace).
func (s *Store) SandboxDir(sid string) string {
	return filepath.Join(s.sandboxesDir, sid)
}

// LiveDir returns the working directory the sandbox's bridge runs in.
func (s *Store) LiveDir(sid string) string {
	return filepath.Join(s.sandboxesDir, sid, "workspace")
}

// SnapshotDir returns the local snapshot directory for session sid.
func (s *Store) SnapshotDir(sid string) string {
	return filepath.Join(s.sessionsDir, sid, "workspace")
}

// CloudKey returns the object key of session sid's cloud snapshot.
func (s *Store) CloudKey(sid string) string {
	if s.prefix != "" {
		return s.prefix + "/" + sid + ".tar.gz"
	}
	return sid + ".tar.gz"
}

// Persist copies the live workspace into the local snapshot tier and, when a
// cloud mirror is configured, uploads a tarball in the background. The local
// copy is synchronous: once Persist returns, the live directory is safe to
// delete.
func (s *Store) Persist(ctx context.Context, sid string) error {
	live := s.LiveDir(sid)
	if !dirExists(live) {
		return fmt.Errorf("live workspace missing for %s", sid)
	}

	snap := s.SnapshotDir(sid)
	staging := snap + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("failed to clear snapshot staging dir: %w", err)
	}
	if err := copyTree(live, staging); err != nil {
		_ = os.RemoveAll(staging)
		return fmt.Errorf("failed to snapshot workspace for %s: %w", sid, err)
	}
	if err := os.RemoveAll(snap); err != nil {
		return fmt.Errorf("failed to replace old snapshot for %s: %w", sid, err)
	}
	if err := os.Rename(staging, snap); err != nil {
		return fmt.Errorf("failed to publish snapshot for %s: %w", sid, err)
	}
	s.log.Debug("workspace snapshot persisted", zap.String("session_id", sid))

	if s.objects != nil {
		// Fire and forget. The upload must not block pause/evict and must
		// outlive the request context.
		go s.mirror(sid, snap)
	}
	return nil
}

func (s *Store) mirror(sid, snapDir string) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(packTarGz(pw, snapDir))
	}()
	if err := s.objects.Put(ctx, s.CloudKey(sid), pr); err != nil {
		s.log.Warn("cloud snapshot upload failed",
			zap.String("session_id", sid),
			zap.Error(err))
		return
	}
	s.log.Debug("cloud snapshot uploaded", zap.String("session_id", sid))
}

// Restore materializes the workspace for session sid into the live tier and
// reports which tier satisfied it. agentDir seeds a fresh workspace when no
// snapshot survives anywhere; only that final copy can fail the restore.
func (s *Store) Restore(ctx context.Context, sid, agentDir string) (Source, error) {
	live := s.LiveDir(sid)
	if dirExists(live) {
		return SourceLive, nil
	}

	if snap := s.SnapshotDir(sid); dirExists(snap) {
		err := copyTree(snap, live)
		if err == nil {
			return SourceLocal, nil
		}
		s.log.Warn("local snapshot restore failed, trying next tier",
			zap.String("session_id", sid),
			zap.Error(err))
		_ = os.RemoveAll(live)
	}

	if s.objects != nil {
		switch err := s.restoreFromCloud(ctx, sid, live); {
		case err == nil:
			return SourceCloud, nil
		case errors.Is(err, fs.ErrNotExist):
			// No cloud snapshot for this session.
		default:
			s.log.Warn("cloud snapshot restore failed, seeding fresh",
				zap.String("session_id", sid),
				zap.Error(err))
			_ = os.RemoveAll(live)
		}
	}

	if err := copyTree(agentDir, live); err != nil {
		_ = os.RemoveAll(live)
		return "", fmt.Errorf("failed to seed workspace from agent dir %s: %w", agentDir, err)
	}
	return SourceFresh, nil
}

func (s *Store) restoreFromCloud(ctx context.Context, sid, live string) error {
	rc, err := s.objects.Get(ctx, s.CloudKey(sid))
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	if err := os.MkdirAll(live, 0o755); err != nil {
		return err
	}
	return extractTarGz(rc, live)
}

// DeleteLive removes the sandbox directory, live workspace included.
func (s *Store) DeleteLive(sid string) {
	if err := os.RemoveAll(s.SandboxDir(sid)); err != nil {
		s.log.Warn("failed to delete live sandbox dir",
			zap.String("sandbox_id", sid),
			zap.Error(err))
	}
}

// DeleteLocalSnapshot removes the local snapshot tier only. The cloud
// object, when present, survives as the long-term backup.
func (s *Store) DeleteLocalSnapshot(sid string) {
	if err := os.RemoveAll(filepath.Join(s.sessionsDir, sid)); err != nil {
		s.log.Warn("failed to delete local snapshot",
			zap.String("session_id", sid),
			zap.Error(err))
	}
}

// DeleteSnapshots removes every durable trace of the session's workspace:
// the local snapshot and, when mirrored, the cloud object. Best-effort.
// No lifecycle path calls this; it is the entry point for retention
// tooling, which owns session data deletion.
func (s *Store) DeleteSnapshots(ctx context.Context, sid string) {
	s.DeleteLocalSnapshot(sid)
	if s.objects != nil {
		if err := s.objects.Delete(ctx, s.CloudKey(sid)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("failed to delete cloud snapshot",
				zap.String("session_id", sid),
				zap.Error(err))
		}
	}
}

// HasLocalSnapshot reports whether a local snapshot exists for sid.
func (s *Store) HasLocalSnapshot(sid string) bool {
	return dirExists(s.SnapshotDir(sid))
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// copyTree copies src into dst, skipping regenerable directories and
// preserving file modes. Symlinks are copied as links without following.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && d.IsDir() && skipDirs[d.Name()] {
			return fs.SkipDir
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target, d)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
