// Package remote provides the authenticated file session used to read the
// device content store.
package remote

import (
	"context"
	"fmt"
	"time"
)

// Entry is one directory listing entry.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Session is the remote file capability consumed by the scanner and the
// document resolver. Implementations must not run two transfers at once.
type Session interface {
	// ReadDir lists the direct entries of a directory.
	ReadDir(ctx context.Context, path string) ([]Entry, error)

	// Download returns the full content of a file.
	Download(ctx context.Context, path string) ([]byte, error)

	// Exists reports whether a path exists.
	Exists(ctx context.Context, path string) (bool, error)
}

// ConnectionError is returned when the session cannot be established.
type ConnectionError struct {
	Addr string
	Auth bool // credentials were rejected
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Auth {
		return fmt.Sprintf("login to %s failed: %v", e.Addr, e.Err)
	}
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransferError is returned when a listing or download fails.
// Use errors.Is(err, fs.ErrNotExist) to detect a missing path.
type TransferError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
