// Package policy keeps uploaded policy files under a directory, each stored as
// <nickname>.kinfer so jobs can refer to it by nickname.
package policy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	Ext = ".kinfer"

	maxNameAttempts = 100
)

var (
	// ErrInvalidPolicy means the upload was rejected before anything was written.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrNoFreeName means every generated nickname was already taken.
	ErrNoFreeName = errors.New("no free policy nickname")
)

type Store struct {
	dir  string
	name func() string
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("policy dir is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create policy dir: %w", err)
	}
	return &Store{dir: abs, name: randomName}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Save streams r to a new file under a freshly generated nickname and returns
// the nickname. filename is only used to check the extension.
func (s *Store) Save(filename string, r io.Reader) (string, error) {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != Ext {
		return "", fmt.Errorf("%w: file type must be %s, got %q", ErrInvalidPolicy, Ext, filepath.Base(filename))
	}

	nickname, f, err := s.create()
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = fmt.Errorf("%w: file is empty", ErrInvalidPolicy)
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", err
	}
	return nickname, nil
}

// create claims an unused nickname. O_EXCL keeps concurrent uploads from
// taking the same one.
func (s *Store) create() (string, *os.File, error) {
	for i := 0; i < maxNameAttempts; i++ {
		nickname := s.name()
		f, err := os.OpenFile(filepath.Join(s.dir, nickname+Ext), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", nil, err
		}
		return nickname, f, nil
	}
	return "", nil, fmt.Errorf("%w after %d attempts", ErrNoFreeName, maxNameAttempts)
}
