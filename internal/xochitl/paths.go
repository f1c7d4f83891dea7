// Package xochitl reads the reMarkable content store: it rebuilds the item
// hierarchy from flat metadata records and resolves documents into ordered
// page lists with on-demand page access.
package xochitl

import "path"

// DefaultRoot is the content directory on the device.
const DefaultRoot = "/home/root/.local/share/remarkable/xochitl"

// Record suffixes used by the content store.
const (
	MetadataExt = ".metadata"
	ContentExt  = ".content"
	PageExt     = ".rm"
)

// MetadataPath returns the metadata record path of an item.
func MetadataPath(root, id string) string {
	return path.Join(root, id+MetadataExt)
}

// ContentPath returns the content manifest path of a document.
func ContentPath(root, id string) string {
	return path.Join(root, id+ContentExt)
}

// PagePath returns the page file path of one page of a document.
func PagePath(root, id, pageID string) string {
	return path.Join(root, id, pageID+PageExt)
}
