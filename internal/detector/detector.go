// Package detector watches the workspace for file saves, debounces bursts
// per file, and marks the matching sync records modified when their content
// hash actually changed.
package detector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/sailsync/internal/state"
	"github.com/tonimelisma/sailsync/internal/syncerr"
)

// DefaultDebounce is the quiet period after the last save of a file before
// it is considered settled.
const DefaultDebounce = 5 * time.Second

// Error backoff for the watcher error channel.
const (
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	changeBuffer        = 64
)

// Change reports a record that was marked modified.
type Change struct {
	NodeID string
	Path   string // slash-separated, relative to the workspace root
	Hash   string
}

// FsWatcher is the subset of *fsnotify.Watcher the detector needs.
type FsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct{ w *fsnotify.Watcher }

func (f fsnotifyWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error                  { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error          { return f.w.Errors }

func newFsnotifyWatcher() (FsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

// Detector turns file saves into record status changes.
type Detector struct {
	root     string
	store    *state.Store
	debounce time.Duration
	logger   *slog.Logger

	newWatcher func() (FsWatcher, error)
	nowFunc    func() time.Time
}

// New creates a detector for the workspace rooted at root. A zero debounce
// uses DefaultDebounce.
func New(root string, store *state.Store, debounce time.Duration, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}

	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	return &Detector{
		root:       root,
		store:      store,
		debounce:   debounce,
		logger:     logger,
		newWatcher: newFsnotifyWatcher,
		nowFunc:    time.Now,
	}
}

// Check hashes the file at relPath and marks its record modified when the
// content differs from what the store already knows. It returns nil without
// error for untracked paths and unchanged content.
func (d *Detector) Check(ctx context.Context, relPath string) (*Change, error) {
	rec, err := d.store.GetByPath(ctx, relPath)
	if errors.Is(err, syncerr.ErrNotFound) {
		d.logger.Debug("ignoring untracked file", slog.String("path", relPath))
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	hash, err := HashFile(filepath.Join(d.root, filepath.FromSlash(relPath)))
	if errors.Is(err, fs.ErrNotExist) {
		// Removed locally; the next pull restores it.
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("detector: hashing %s: %w", relPath, err)
	}

	if hash == rec.ContentHash || (rec.Status == state.StatusSynced && hash == rec.SyncedHash) {
		d.logger.Debug("content unchanged", slog.String("path", relPath), slog.String("node_id", rec.NodeID))
		return nil, nil
	}

	if err := d.store.MarkModified(ctx, rec.NodeID, hash, d.nowFunc()); err != nil {
		return nil, err
	}

	d.logger.Info("local change detected", slog.String("path", relPath), slog.String("node_id", rec.NodeID))

	return &Change{NodeID: rec.NodeID, Path: relPath, Hash: hash}, nil
}

// Subscription is a bounded, cancellable feed of detected changes. The
// detector owns the underlying watcher and releases it when the
// subscription ends.
type Subscription struct {
	changes chan Change
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// C returns the change channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Change {
	return s.changes
}

// Close stops watching and waits for the watch goroutine to exit.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done

	return s.err
}

// Watch starts watching the workspace tree and returns a subscription. The
// subscription ends when ctx is canceled or Close is called.
func (d *Detector) Watch(ctx context.Context) (*Subscription, error) {
	watcher, err := d.newWatcher()
	if err != nil {
		return nil, fmt.Errorf("detector: creating watcher: %w", err)
	}

	if err := d.addTree(watcher); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		changes: make(chan Change, changeBuffer),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(sub.done)
		defer close(sub.changes)
		defer watcher.Close()

		sub.err = d.watchLoop(ctx, watcher, sub.changes)
	}()

	d.logger.Info("watching workspace", slog.String("root", d.root), slog.Duration("debounce", d.debounce))

	return sub, nil
}

// addTree registers every directory under the root. fsnotify watches are
// not recursive.
func (d *Detector) addTree(watcher FsWatcher) error {
	return filepath.WalkDir(d.root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !e.IsDir() {
			return nil
		}

		if p != d.root && isHidden(e.Name()) {
			return filepath.SkipDir
		}

		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("detector: watching %s: %w", p, err)
		}

		return nil
	})
}

// watchLoop debounces fsnotify events per path. Each path has its own timer;
// a save restarts that path's timer only.
func (d *Detector) watchLoop(ctx context.Context, watcher FsWatcher, out chan<- Change) error {
	var (
		mu     sync.Mutex
		timers = make(map[string]*time.Timer)
		ready  = make(chan string, changeBuffer)
	)

	defer func() {
		mu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		mu.Unlock()
	}()

	schedule := func(rel string) {
		mu.Lock()
		defer mu.Unlock()

		if t, ok := timers[rel]; ok {
			t.Reset(d.debounce)
			return
		}

		timers[rel] = time.AfterFunc(d.debounce, func() {
			mu.Lock()
			delete(timers, rel)
			mu.Unlock()

			select {
			case ready <- rel:
			case <-ctx.Done():
			}
		})
	}

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if rel, ok := d.relevant(ev, watcher); ok {
				schedule(rel)
			}

			errBackoff = watchErrInitBackoff

		case werr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			d.logger.Warn("filesystem watcher error",
				slog.String("error", werr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleep(ctx, errBackoff) != nil {
				return nil
			}

			errBackoff = min(errBackoff*2, watchErrMaxBackoff)

		case rel := <-ready:
			change, err := d.Check(ctx, rel)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}

				d.logger.Warn("change check failed", slog.String("path", rel), slog.String("error", err.Error()))

				continue
			}

			if change == nil {
				continue
			}

			select {
			case out <- *change:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// relevant filters an fsnotify event down to a tracked-file candidate and
// returns its normalized relative path. New directories are added to the
// watch set.
func (d *Detector) relevant(ev fsnotify.Event, watcher FsWatcher) (string, bool) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return "", false
	}

	rel, err := filepath.Rel(d.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}

	rel = NormalizePath(rel)
	if isTempFile(filepath.Base(ev.Name)) || slices.ContainsFunc(strings.Split(rel, "/"), isHidden) {
		return "", false
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				d.logger.Warn("failed to watch new directory", slog.String("path", ev.Name), slog.String("error", err.Error()))
			}

			return "", false
		}
	}

	return rel, true
}

// NormalizePath converts an OS path to the slash-separated NFC form used as
// the record's local path.
func NormalizePath(rel string) string {
	return norm.NFC.String(filepath.ToSlash(rel))
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

// isTempFile matches editor swap and backup files and our own atomic-write
// temporaries.
func isTempFile(name string) bool {
	return strings.HasSuffix(name, "~") ||
		strings.HasSuffix(name, ".swp") ||
		strings.HasSuffix(name, ".tmp") ||
		strings.HasPrefix(name, "#")
}

// Hash returns the hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex SHA-256 of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
