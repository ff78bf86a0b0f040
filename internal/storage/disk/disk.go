// Package disk stores each guild record as "<root>/<id>.json" and guards it
// with an exclusive flock(2) on the open descriptor. The lock dies with the
// process, so a crashed holder never strands a record.
package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/guildstore/checkout"
	"pkt.systems/guildstore/record"
)

// DefaultMaxRecordBytes bounds a record read from disk.
const DefaultMaxRecordBytes = 1 << 20

// maxReopen bounds how often Checkout chases a record replaced between open
// and lock before reporting it as Locked.
const maxReopen = 3

// Config captures the tunables for the disk backend.
type Config struct {
	Root           string
	MaxRecordBytes int64
	Logger         pslog.Logger
}

// Store implements checkout.Store on the local filesystem.
type Store struct {
	root     string
	maxBytes int64
	logger   pslog.Logger
}

var _ checkout.Store = (*Store)(nil)

// New prepares a store rooted at cfg.Root, creating the directory if needed.
// It fails with errors.ErrUnsupported where flock is unavailable.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if !lockingSupported {
		return nil, fmt.Errorf("disk: file locking: %w", errors.ErrUnsupported)
	}
	if cfg.MaxRecordBytes < 0 {
		return nil, fmt.Errorf("disk: max record bytes must be >= 0")
	}
	if cfg.MaxRecordBytes == 0 {
		cfg.MaxRecordBytes = DefaultMaxRecordBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	root := filepath.Clean(cfg.Root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory %q: %w", root, err)
	}
	if isNFS(root) {
		logger.Warn("disk.root.nfs", "root", root, "detail", "flock over NFS depends on the server's lock manager")
	}
	return &Store{root: root, maxBytes: cfg.MaxRecordBytes, logger: logger}, nil
}

// Root returns the directory records live in.
func (s *Store) Root() string { return s.root }

// Path returns the file backing id.
func (s *Store) Path(id record.ID) string {
	return filepath.Join(s.root, id.Key())
}

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	if l := pslog.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.logger
}

// Checkout opens and locks the record without blocking.
func (s *Store) Checkout(ctx context.Context, id record.ID) (checkout.Result, error) {
	logger := s.loggers(ctx)
	start := time.Now()
	path := s.Path(id)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return checkout.Result{}, err
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				logger.Trace("disk.checkout.not_found", "path", path, "elapsed", time.Since(start))
				return checkout.NotFound(), nil
			}
			return checkout.Result{}, fmt.Errorf("disk: open %q: %w", path, err)
		}
		locked, err := tryLock(f)
		if err != nil {
			f.Close()
			return checkout.Result{}, fmt.Errorf("disk: lock %q: %w", path, err)
		}
		if !locked {
			f.Close()
			logger.Trace("disk.checkout.locked", "path", path, "elapsed", time.Since(start))
			return checkout.Locked(), nil
		}
		same, err := stillLinked(path, f)
		if err != nil {
			release(f)
			if errors.Is(err, fs.ErrNotExist) {
				return checkout.NotFound(), nil
			}
			return checkout.Result{}, fmt.Errorf("disk: stat %q: %w", path, err)
		}
		if !same {
			// A committer renamed a new file over the one we locked.
			release(f)
			if attempt+1 >= maxReopen {
				logger.Debug("disk.checkout.churn", "path", path, "attempts", attempt+1)
				return checkout.Locked(), nil
			}
			continue
		}
		guild, err := s.decode(f, path)
		if err != nil {
			release(f)
			logger.Debug("disk.checkout.decode_error", "path", path, "error", err)
			return checkout.Result{}, err
		}
		logger.Trace("disk.checkout.success", "path", path, "elapsed", time.Since(start))
		token := checkout.FileToken{Path: path, File: f}
		return checkout.Success(checkout.NewHandle(s, id, guild, token)), nil
	}
}

func (s *Store) decode(f *os.File, path string) (*record.Guild, error) {
	data, err := io.ReadAll(io.LimitReader(f, s.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("disk: read %q: %w", path, err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("disk: %q: %w", path, &record.FormatError{Reason: fmt.Sprintf("payload exceeds limit of %d bytes", s.maxBytes)})
	}
	guild, err := record.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("disk: decode %q: %w", path, err)
	}
	return guild, nil
}

// Return optionally writes the record back, then unlocks and closes it.
func (s *Store) Return(ctx context.Context, h *checkout.Handle, commit bool) error {
	if h == nil {
		return errors.New("disk: nil handle")
	}
	if err := h.Claim(); err != nil {
		return err
	}
	token, ok := h.Token().(checkout.FileToken)
	if !ok || token.File == nil {
		return checkout.ErrForeignHandle
	}
	logger := s.loggers(ctx)
	start := time.Now()
	var writeErr error
	if commit {
		writeErr = s.commit(token, h.Guild())
	}
	releaseErr := release(token.File)
	if writeErr != nil {
		logger.Debug("disk.return.commit_error", "path", token.Path, "error", writeErr)
		return writeErr
	}
	if releaseErr != nil {
		return fmt.Errorf("disk: release %q: %w", token.Path, releaseErr)
	}
	logger.Trace("disk.return.success", "path", token.Path, "commit", commit, "elapsed", time.Since(start))
	return nil
}

func (s *Store) commit(token checkout.FileToken, guild *record.Guild) error {
	same, err := stillLinked(token.Path, token.File)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk: stat %q: %w", token.Path, err)
	}
	if !same {
		return fmt.Errorf("disk: commit %q: record replaced while locked: %w", token.Path, checkout.ErrLeaseLost)
	}
	payload, err := record.Encode(guild)
	if err != nil {
		return fmt.Errorf("disk: encode %q: %w", token.Path, err)
	}
	mode := fs.FileMode(0o644)
	if info, err := token.File.Stat(); err == nil {
		mode = info.Mode().Perm()
	}
	if err := writeBytesAtomic(token.Path, payload, mode); err != nil {
		return fmt.Errorf("disk: commit %q: %w", token.Path, err)
	}
	return nil
}

// Close is a no-op; locks belong to handles.
func (s *Store) Close() error { return nil }

// stillLinked reports whether path names the same file as f.
func stillLinked(path string, f *os.File) (bool, error) {
	onDisk, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	held, err := f.Stat()
	if err != nil {
		return false, err
	}
	return os.SameFile(onDisk, held), nil
}

func release(f *os.File) error {
	unlockErr := unlock(f)
	closeErr := f.Close()
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}

// writeBytesAtomic replaces path with payload through a synced temp file in
// the same directory, then syncs the directory.
func writeBytesAtomic(path string, payload []byte, mode fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	moved := false
	defer func() {
		if !moved {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err := tmp.Write(payload); err != nil {
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		return err
	}
	if err := syncFile(tmp); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	moved = true
	return syncDir(dir)
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
