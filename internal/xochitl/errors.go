package xochitl

import (
	"errors"
	"fmt"
)

var (
	// ErrManifestNotFound is returned when a document has no content manifest.
	ErrManifestNotFound = errors.New("content manifest not found")

	// ErrPageNotFound is returned when a page file is missing or the page
	// does not belong to the document.
	ErrPageNotFound = errors.New("page not found")

	// ErrNotDocument is returned when resolving a folder.
	ErrNotDocument = errors.New("item is not a document")
)

// DecodeError reports a structurally invalid metadata or content record.
type DecodeError struct {
	Record string // "metadata" or "content"
	Path   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s record %s: %v", e.Record, e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
