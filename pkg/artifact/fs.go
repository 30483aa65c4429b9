package artifact

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FSStore writes artifacts below a root directory of an afero filesystem.
type FSStore struct {
	fs   afero.Fs
	root string
}

// NewFSStore builds an FSStore. A nil fs means the OS filesystem.
func NewFSStore(fs afero.Fs, root string) *FSStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FSStore{fs: fs, root: root}
}

// Put implements Store. The write goes to a uniquely named temp file in the
// target directory that is renamed into place, so readers never see a
// partial chart and concurrent writers never share a temp file.
func (s *FSStore) Put(ctx context.Context, obj Object) (string, error) {
	if err := obj.validate(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(obj.Key)
	if err != nil {
		return "", err
	}

	if err := s.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	f, err := afero.TempFile(s.fs, filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmp := f.Name()
	_, err = io.Copy(f, obj.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = s.fs.Chmod(tmp, 0o644)
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := s.fs.Rename(tmp, path); err != nil {
		_ = s.fs.Remove(tmp)
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Open reads back an artifact by key.
func (s *FSStore) Open(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := s.fs.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// path maps a key below root. Cleaning against "/" first keeps ".."
// segments from climbing out of root.
func (s *FSStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("%w: key %q", ErrInvalidObject, key)
	}
	return filepath.Join(s.root, clean), nil
}
