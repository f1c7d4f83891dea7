// Package models contains the data types shared by the remote scanner,
// the exporter and the FUSE view.
package models

import "time"

// Kind distinguishes documents from folders on the device.
type Kind string

const (
	KindDocument   Kind = "DocumentType"
	KindCollection Kind = "CollectionType"
)

// Item represents one entry (document or folder) of the device collection.
type Item struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Parent   string    `json:"parent"`
	Kind     Kind      `json:"kind"`
	ModTime  time.Time `json:"mtime"`
	Version  int       `json:"version,omitempty"`
	Pinned   bool      `json:"pinned,omitempty"`
	Children []*Item   `json:"children,omitempty"`
}

// IsFolder reports whether the item is a collection.
func (i *Item) IsFolder() bool {
	return i.Kind == KindCollection
}

// DocumentManifest is the decoded page layout of one document.
// PageIDs is in display order.
type DocumentManifest struct {
	PageIDs   []string `json:"pages"`
	FileType  string   `json:"file_type,omitempty"`
	PageCount int      `json:"page_count,omitempty"`
}

// CacheEntry represents a page cached on the local machine.
type CacheEntry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
}
