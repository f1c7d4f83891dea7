// Package tree provides shared utilities for working with the item forest.
package tree

import (
	"strings"

	"github.com/disiqueira/gotree/v3"

	"github.com/fruitsalade/rmsync/pkg/models"
)

// FindByID finds an item by its ID anywhere in the forest (recursive).
func FindByID(forest []*models.Item, id string) *models.Item {
	for _, item := range forest {
		if item.ID == id {
			return item
		}
		if found := FindByID(item.Children, id); found != nil {
			return found
		}
	}
	return nil
}

// CountNodes counts all items in a forest.
func CountNodes(forest []*models.Item) int {
	count := 0
	for _, item := range forest {
		count += 1 + CountNodes(item.Children)
	}
	return count
}

// Walk visits every item depth-first, parents before children. parents holds
// the chain of ancestors from the root. Returning false skips the subtree.
func Walk(forest []*models.Item, fn func(item *models.Item, parents []*models.Item) bool) {
	walk(forest, nil, fn)
}

func walk(forest []*models.Item, parents []*models.Item, fn func(*models.Item, []*models.Item) bool) {
	for _, item := range forest {
		if !fn(item, parents) {
			continue
		}
		walk(item.Children, append(parents[:len(parents):len(parents)], item), fn)
	}
}

// CacheKey converts an item/page pair to a cache-safe key.
func CacheKey(itemID, pageID string) string {
	return SanitizeName(itemID) + "_" + SanitizeName(pageID)
}

// SanitizeName makes a display name usable as a single path segment.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.TrimSpace(name))
	switch name {
	case "", ".", "..":
		return "_"
	}
	return name
}

// Render draws the forest as an indented text tree.
func Render(rootLabel string, forest []*models.Item) string {
	root := gotree.New(rootLabel)
	addBranch(root, forest)
	return root.Print()
}

func addBranch(parent gotree.Tree, forest []*models.Item) {
	for _, item := range forest {
		label := item.Name
		if item.IsFolder() {
			label += "/"
		}
		addBranch(parent.Add(label), item.Children)
	}
}
