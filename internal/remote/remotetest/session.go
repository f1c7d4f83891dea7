// Package remotetest provides an in-memory remote.Session for tests.
package remotetest

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fruitsalade/rmsync/internal/remote"
)

// Session serves files from memory. Listing order is insertion order.
type Session struct {
	mu    sync.Mutex
	order []string
	files map[string][]byte
	dirs  map[string]bool
	fail  map[string]error

	inflight   atomic.Int32
	overlapped atomic.Bool

	Downloads atomic.Int64
}

// New creates an empty session.
func New() *Session {
	return &Session{
		files: make(map[string][]byte),
		dirs:  make(map[string]bool),
		fail:  make(map[string]error),
	}
}

// AddFile stores a file and registers it in its parent's listing.
func (s *Session) AddFile(p string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[p]; !ok {
		s.order = append(s.order, p)
	}
	s.files[p] = data
}

// AddDir registers a directory entry.
func (s *Session) AddDir(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirs[p] {
		s.order = append(s.order, p)
	}
	s.dirs[p] = true
}

// FailOn makes every operation on p return err.
func (s *Session) FailOn(p string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[p] = err
}

// Overlapped reports whether two operations were ever in flight at once.
func (s *Session) Overlapped() bool {
	return s.overlapped.Load()
}

func (s *Session) enter() func() {
	if s.inflight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
	return func() { s.inflight.Add(-1) }
}

// ReadDir lists the entries directly under dir.
func (s *Session) ReadDir(ctx context.Context, dir string) ([]remote.Entry, error) {
	defer s.enter()()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fail[dir]; err != nil {
		return nil, &remote.TransferError{Op: "list", Path: dir, Err: err}
	}

	var entries []remote.Entry
	found := s.dirs[dir]
	for _, p := range s.order {
		if path.Dir(p) != dir {
			continue
		}
		found = true
		name := path.Base(p)
		if s.dirs[p] {
			entries = append(entries, remote.Entry{Name: name, IsDir: true})
		} else {
			entries = append(entries, remote.Entry{Name: name, Size: int64(len(s.files[p]))})
		}
	}
	if !found {
		return nil, &remote.TransferError{Op: "list", Path: dir, Err: fs.ErrNotExist}
	}
	return entries, nil
}

// Download returns a copy of the stored file.
func (s *Session) Download(ctx context.Context, p string) ([]byte, error) {
	defer s.enter()()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.Downloads.Add(1)
	if err := s.fail[p]; err != nil {
		return nil, &remote.TransferError{Op: "download", Path: p, Err: err}
	}
	data, ok := s.files[p]
	if !ok {
		return nil, &remote.TransferError{Op: "download", Path: p, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), data...), nil
}

// Exists reports whether p is a stored file or directory.
func (s *Session) Exists(ctx context.Context, p string) (bool, error) {
	defer s.enter()()
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[p]; ok {
		return true, nil
	}
	if s.dirs[p] {
		return true, nil
	}
	prefix := strings.TrimSuffix(p, "/") + "/"
	for f := range s.files {
		if strings.HasPrefix(f, prefix) {
			return true, nil
		}
	}
	return false, nil
}

// String summarizes the stored tree for test failure messages.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("remotetest.Session{%d files, %d dirs}", len(s.files), len(s.dirs))
}

var _ remote.Session = (*Session)(nil)
