package xochitl

import (
	"context"
	"fmt"
	"strings"

	"github.com/fruitsalade/rmsync/internal/remote"
	"github.com/fruitsalade/rmsync/pkg/models"
)

// BuildHierarchy scans every metadata record under root and returns the
// live items as a forest. Session calls are issued one at a time. Any
// transfer or decode failure aborts the scan.
func BuildHierarchy(ctx context.Context, sess remote.Session, root string) ([]*models.Item, error) {
	items, err := scanItems(ctx, sess, root)
	if err != nil {
		return nil, err
	}
	return Assemble(items), nil
}

// scanItems returns the non-deleted items in listing order.
func scanItems(ctx context.Context, sess remote.Session, root string) ([]*models.Item, error) {
	entries, err := sess.ReadDir(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	var items []*models.Item
	for _, entry := range entries {
		if entry.IsDir || !strings.HasSuffix(entry.Name, MetadataExt) {
			continue
		}

		id := strings.TrimSuffix(entry.Name, MetadataExt)
		p := MetadataPath(root, id)
		data, err := sess.Download(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("scan item %s: %w", id, err)
		}

		item, deleted, err := DecodeMetadata(p, data)
		if err != nil {
			return nil, err
		}
		if deleted {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Assemble links flat items into a forest using their parent references.
//
// Roots are the items with an empty parent or a parent that is not among
// items, in input order. Sibling order follows input order. Items that
// only reach each other through a parent cycle are promoted to root at the
// first member in input order, so every item appears exactly once.
func Assemble(items []*models.Item) []*models.Item {
	ids := make(map[string]bool, len(items))
	for _, item := range items {
		ids[item.ID] = true
	}

	var roots []*models.Item
	byParent := make(map[string][]*models.Item)
	for _, item := range items {
		if item.Parent == "" || !ids[item.Parent] {
			roots = append(roots, item)
			continue
		}
		byParent[item.Parent] = append(byParent[item.Parent], item)
	}

	visited := make(map[string]bool, len(items))
	var attach func(item *models.Item)
	attach = func(item *models.Item) {
		visited[item.ID] = true
		var children []*models.Item
		for _, child := range byParent[item.ID] {
			if !visited[child.ID] {
				children = append(children, child)
			}
		}
		item.Children = children
		for _, child := range children {
			attach(child)
		}
	}

	for _, root := range roots {
		attach(root)
	}
	for _, item := range items {
		if !visited[item.ID] {
			roots = append(roots, item)
			attach(item)
		}
	}
	return roots
}
