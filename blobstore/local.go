package blobstore

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// Local is a Store backed by a directory on an afero.Fs, used when the
// archive tier points at a local or network-mounted directory instead of a
// real object-storage bucket. Keys are mapped directly to relative paths
// under root, so callers must keep keys filesystem-safe (blobstore.JoinKey
// already produces "/"-joined segments, which afero accepts on every OS).
type Local struct {
	fs   afero.Fs
	root string
}

// tmpMarker tags a file as an in-flight Put that hasn't been renamed into
// place yet; List skips anything containing it so a crash between write and
// rename never surfaces a partial object as a key.
const tmpMarker = ".tmp-"

// NewLocal creates a Local store rooted at root on fs. The directory is
// created if it does not already exist.
func NewLocal(fs afero.Fs, root string) (*Local, error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %q: %w", root, err)
	}

	return &Local{fs: fs, root: root}, nil
}

func (l *Local) path(key string) string {
	return path.Join(l.root, key)
}

// Put writes data to a temporary file alongside the target path and renames
// it into place, so a concurrent Get never observes a partially-written
// object.
func (l *Local) Put(_ context.Context, key string, data []byte) error {
	p := l.path(key)
	dir := path.Dir(p)

	if err := l.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir for %q: %w", key, err)
	}

	tmp := p + tmpMarker + uuid.NewString()
	if err := afero.WriteFile(l.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("blobstore: write temp file for %q: %w", key, err)
	}

	if err := l.fs.Rename(tmp, p); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("blobstore: commit %q: %w", key, err)
	}

	return nil
}

func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := afero.ReadFile(l.fs, l.path(key))
	if err != nil {
		if afero.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("blobstore: read %q: %w", key, err)
	}

	return data, nil
}

func (l *Local) Delete(_ context.Context, key string) error {
	err := l.fs.Remove(l.path(key))
	if err != nil && !afero.IsNotExist(err) {
		return fmt.Errorf("blobstore: delete %q: %w", key, err)
	}

	return nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var out []string

	root := l.root
	err := afero.Walk(l.fs, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			if afero.IsNotExist(err) {
				return nil
			}
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(p, root), "/")
		if strings.Contains(rel, tmpMarker) {
			return nil
		}

		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %q: %w", prefix, err)
	}

	sort.Strings(out)

	return out, nil
}
