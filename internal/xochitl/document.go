package xochitl

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"slices"

	"github.com/fruitsalade/rmsync/internal/metrics"
	"github.com/fruitsalade/rmsync/internal/remote"
	"github.com/fruitsalade/rmsync/pkg/models"
)

// Document is a resolved document: its ordered page IDs plus on-demand
// access to page bytes. Pages are never downloaded until asked for.
type Document struct {
	ItemID   string
	PageIDs  []string
	FileType string

	sess remote.Session
	root string
}

// Page is one fetched page.
type Page struct {
	Index int
	ID    string
	Data  []byte
}

// ResolveDocument loads the content manifest of item and binds it to sess.
func ResolveDocument(ctx context.Context, sess remote.Session, root string, item *models.Item) (*Document, error) {
	if item.IsFolder() {
		return nil, fmt.Errorf("resolve %s: %w", item.ID, ErrNotDocument)
	}

	p := ContentPath(root, item.ID)
	data, err := sess.Download(ctx, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("resolve %s: %w: %w", item.ID, ErrManifestNotFound, err)
		}
		return nil, fmt.Errorf("resolve %s: %w", item.ID, err)
	}

	manifest, err := DecodeContent(p, data)
	if err != nil {
		return nil, err
	}

	return &Document{
		ItemID:   item.ID,
		PageIDs:  slices.Clone(manifest.PageIDs),
		FileType: manifest.FileType,
		sess:     sess,
		root:     root,
	}, nil
}

// Manifest returns the document's page layout.
func (d *Document) Manifest() models.DocumentManifest {
	return models.DocumentManifest{
		PageIDs:   slices.Clone(d.PageIDs),
		FileType:  d.FileType,
		PageCount: len(d.PageIDs),
	}
}

// PagePath returns the remote path of a page.
func (d *Document) PagePath(pageID string) string {
	return PagePath(d.root, d.ItemID, pageID)
}

// Page downloads one page of the document.
func (d *Document) Page(ctx context.Context, pageID string) ([]byte, error) {
	if !slices.Contains(d.PageIDs, pageID) {
		return nil, fmt.Errorf("%w: %s is not a page of %s", ErrPageNotFound, pageID, d.ItemID)
	}

	data, err := d.sess.Download(ctx, d.PagePath(pageID))
	metrics.RecordPageFetch(err == nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("page %s of %s: %w: %w", pageID, d.ItemID, ErrPageNotFound, err)
		}
		return nil, fmt.Errorf("page %s of %s: %w", pageID, d.ItemID, err)
	}
	return data, nil
}

// Pages yields the document's pages in manifest order, downloading each one
// only when the consumer asks for it. Iteration stops after the first error,
// which is yielded with the failing page's index and ID. The sequence can be
// ranged over more than once.
func (d *Document) Pages(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for i, id := range d.PageIDs {
			data, err := d.Page(ctx, id)
			if err != nil {
				yield(Page{Index: i, ID: id}, err)
				return
			}
			if !yield(Page{Index: i, ID: id, Data: data}, nil) {
				return
			}
		}
	}
}
