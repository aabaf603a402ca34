package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// absPath returns the OS path of a workspace-relative slash path.
func (e *Engine) absPath(rel string) string {
	return filepath.Join(e.root, filepath.FromSlash(rel))
}

// readLocal returns the content of a tracked file. A missing file reads as
// errLocalMissing.
func (e *Engine) readLocal(rel string) (string, error) {
	data, err := os.ReadFile(e.absPath(rel))
	if errors.Is(err, fs.ErrNotExist) {
		return "", errLocalMissing
	}

	if err != nil {
		return "", fmt.Errorf("sync: reading %s: %w", rel, err)
	}

	return string(data), nil
}

var errLocalMissing = errors.New("sync: local file missing")

// writeAtomic writes content to a hidden temporary file next to the target,
// syncs it, and renames it into place, so readers and the detector never
// see a partial file.
func writeAtomic(target string, content []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("sync: creating %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.tmp")
	if err != nil {
		return fmt.Errorf("sync: creating temp file for %s: %w", target, err)
	}

	tmp := f.Name()

	cleanup := func() {
		f.Close()
		os.Remove(tmp)
	}

	if _, err := f.Write(content); err != nil {
		cleanup()
		return fmt.Errorf("sync: writing %s: %w", target, err)
	}

	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync: syncing %s: %w", target, err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sync: closing %s: %w", target, err)
	}

	if err := os.Chmod(tmp, filePerm); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sync: chmod %s: %w", target, err)
	}

	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("sync: renaming into %s: %w", target, err)
	}

	return nil
}

// moveLocal renames a tracked file when its node moved in the tree. A
// missing source is not an error; the caller rewrites the file.
func (e *Engine) moveLocal(from, to string) error {
	if from == to {
		return nil
	}

	dst := e.absPath(to)
	if err := os.MkdirAll(filepath.Dir(dst), dirPerm); err != nil {
		return fmt.Errorf("sync: creating %s: %w", filepath.Dir(dst), err)
	}

	err := os.Rename(e.absPath(from), dst)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("sync: moving %s to %s: %w", from, to, err)
	}

	return nil
}

// removeLocal deletes a tracked file. Already missing files are fine.
func (e *Engine) removeLocal(rel string) error {
	err := os.Remove(e.absPath(rel))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("sync: removing %s: %w", rel, err)
	}

	return nil
}
