package stores

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const DefaultArchiveDir = "./archive"

type LocalStore struct {
	Root       string
	NewDirPerm os.FileMode
}

func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = DefaultArchiveDir
	}
	return &LocalStore{Root: root, NewDirPerm: 0755}
}

// resolve 拒绝跳出 Root 的 key
func (l *LocalStore) resolve(key string) (string, error) {
	root, err := filepath.Abs(l.Root)
	if err != nil {
		return "", err
	}
	fname := filepath.Clean(filepath.Join(root, key))
	if fname == root || !strings.HasPrefix(fname, root+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return fname, nil
}

func (l *LocalStore) Read(_ context.Context, key string) (io.ReadCloser, int64, error) {
	fname, err := l.resolve(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

// Write goes through a temp file and rename so readers never see a partial object.
func (l *LocalStore) Write(_ context.Context, key string, r io.Reader) error {
	fname, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fname), l.NewDirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(fname), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), fname)
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	fname, err := l.resolve(key)
	if err != nil {
		return err
	}
	err = os.Remove(fname)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (l *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	fname, err := l.resolve(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(fname)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
