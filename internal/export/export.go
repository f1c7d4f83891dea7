package export

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fruitsalade/rmsync/internal/logging"
	"github.com/fruitsalade/rmsync/internal/metrics"
	"github.com/fruitsalade/rmsync/internal/xochitl"
	"github.com/fruitsalade/rmsync/pkg/models"
	"github.com/fruitsalade/rmsync/pkg/tree"
)

// ManifestName is the per-document export manifest key.
const ManifestName = "manifest.json"

// Resolver resolves items into documents. *xochitl.Library implements it.
type Resolver interface {
	Resolve(ctx context.Context, item *models.Item) (*xochitl.Document, error)
}

// Manifest describes one exported document.
type Manifest struct {
	ItemID     string         `json:"item_id"`
	Name       string         `json:"name"`
	Modified   string         `json:"last_modified,omitempty"`
	Version    int            `json:"version,omitempty"`
	FileType   string         `json:"file_type,omitempty"`
	Pages      []ExportedPage `json:"pages"`
	ExportedAt time.Time      `json:"exported_at"`
}

// ExportedPage is one page file written by an export.
type ExportedPage struct {
	ID     string `json:"id"`
	File   string `json:"file"`
	Size   int    `json:"size"`
	BLAKE3 string `json:"blake3"`
}

// Result is the outcome of exporting one document.
type Result struct {
	Skipped bool
	Pages   int
}

// Report summarizes a Sync run.
type Report struct {
	Exported int
	Skipped  int
	Pages    int
}

// Exporter writes documents to a sink.
type Exporter struct {
	res  Resolver
	sink Sink

	// Force re-exports documents whose manifest is up to date.
	Force bool
}

// NewExporter creates an exporter.
func NewExporter(res Resolver, sink Sink) *Exporter {
	return &Exporter{res: res, sink: sink}
}

// PageFile returns the file name of the page at index (0-based).
func PageFile(index int, pageID string) string {
	return fmt.Sprintf("%03d-%s%s", index+1, pageID, xochitl.PageExt)
}

// ExportDocument writes the pages of item under prefix, then the manifest.
// A document whose existing manifest matches the item's ID and modification
// time is skipped unless Force is set. Page files listed by the previous
// manifest but not by the new one are removed.
func (e *Exporter) ExportDocument(ctx context.Context, item *models.Item, prefix string) (Result, error) {
	log := logging.WithContext(logging.WithItem(ctx, item.ID))

	prev, err := e.previousManifest(ctx, prefix)
	if err != nil {
		metrics.RecordExport(e.sink.Type(), "error")
		return Result{}, err
	}
	if !e.Force && prev.current(item) {
		log.Debug("export up to date", logging.String("prefix", prefix))
		metrics.RecordExport(e.sink.Type(), "skipped")
		return Result{Skipped: true}, nil
	}

	doc, err := e.res.Resolve(ctx, item)
	if err != nil {
		metrics.RecordExport(e.sink.Type(), "error")
		return Result{}, err
	}

	m := Manifest{
		ItemID:   item.ID,
		Name:     item.Name,
		Modified: xochitl.FormatMillis(item.ModTime),
		Version:  item.Version,
		FileType: doc.FileType,
		Pages:    make([]ExportedPage, 0, len(doc.PageIDs)),
	}

	for page, err := range doc.Pages(ctx) {
		if err != nil {
			metrics.RecordExport(e.sink.Type(), "error")
			return Result{}, err
		}
		file := PageFile(page.Index, page.ID)
		if err := e.sink.PutObject(ctx, path.Join(prefix, file), bytes.NewReader(page.Data), int64(len(page.Data))); err != nil {
			metrics.RecordExport(e.sink.Type(), "error")
			return Result{}, fmt.Errorf("export %s: %w", item.ID, err)
		}
		sum := blake3.Sum256(page.Data)
		m.Pages = append(m.Pages, ExportedPage{
			ID:     page.ID,
			File:   file,
			Size:   len(page.Data),
			BLAKE3: hex.EncodeToString(sum[:]),
		})
	}

	if err := e.removeStale(ctx, prefix, prev, &m); err != nil {
		metrics.RecordExport(e.sink.Type(), "error")
		return Result{}, fmt.Errorf("export %s: %w", item.ID, err)
	}

	m.ExportedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := e.sink.PutObject(ctx, path.Join(prefix, ManifestName), bytes.NewReader(data), int64(len(data))); err != nil {
		metrics.RecordExport(e.sink.Type(), "error")
		return Result{}, fmt.Errorf("export %s: %w", item.ID, err)
	}

	metrics.RecordExport(e.sink.Type(), "exported")
	log.Info("document exported",
		logging.String("name", item.Name),
		logging.String("prefix", prefix),
		logging.Int("pages", len(m.Pages)),
	)
	return Result{Pages: len(m.Pages)}, nil
}

// previousManifest reads the manifest under prefix. A missing or unreadable
// manifest yields nil.
func (e *Exporter) previousManifest(ctx context.Context, prefix string) (*Manifest, error) {
	rc, err := e.sink.GetObject(ctx, path.Join(prefix, ManifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var m Manifest
	if err := json.NewDecoder(rc).Decode(&m); err != nil {
		return nil, nil
	}
	return &m, nil
}

// current reports whether m was written for item at its present
// modification time.
func (m *Manifest) current(item *models.Item) bool {
	if m == nil || item.ModTime.IsZero() {
		return false
	}
	return m.ItemID == item.ID && m.Modified == xochitl.FormatMillis(item.ModTime)
}

// removeStale deletes the page files of prev that next no longer lists.
func (e *Exporter) removeStale(ctx context.Context, prefix string, prev, next *Manifest) error {
	if prev == nil {
		return nil
	}
	keep := make(map[string]bool, len(next.Pages))
	for _, p := range next.Pages {
		keep[p.File] = true
	}
	for _, p := range prev.Pages {
		if keep[p.File] || p.File == "" || p.File == ManifestName {
			continue
		}
		if err := e.sink.DeleteObject(ctx, path.Join(prefix, p.File)); err != nil {
			return err
		}
	}
	return nil
}

// Sync exports every document in the forest. Folders become key prefixes
// named after their display names, and items parented to a document land
// below its pages. The first failure stops the run.
func (e *Exporter) Sync(ctx context.Context, forest []*models.Item) (Report, error) {
	var (
		report  Report
		syncErr error
	)
	keys := make(map[string]string)
	names := map[string]map[string]string{"": SiblingNames(forest)}

	tree.Walk(forest, func(item *models.Item, parents []*models.Item) bool {
		if syncErr != nil {
			return false
		}

		var parentID, parentKey string
		if len(parents) > 0 {
			parentID = parents[len(parents)-1].ID
			parentKey = keys[parentID]
		}
		key := path.Join(parentKey, names[parentID][item.ID])
		keys[item.ID] = key
		if len(item.Children) > 0 {
			names[item.ID] = SiblingNames(item.Children)
		}

		if item.IsFolder() {
			return true
		}
		res, err := e.ExportDocument(ctx, item, key)
		if err != nil {
			syncErr = err
			return false
		}
		if res.Skipped {
			report.Skipped++
		} else {
			report.Exported++
			report.Pages += res.Pages
		}
		return true
	})
	return report, syncErr
}

// SiblingNames maps each item ID to a path segment unique among items.
// Collisions are resolved by appending a short form of the item ID.
func SiblingNames(items []*models.Item) map[string]string {
	counts := make(map[string]int, len(items))
	for _, item := range items {
		counts[tree.SanitizeName(item.Name)]++
	}

	names := make(map[string]string, len(items))
	for _, item := range items {
		name := tree.SanitizeName(item.Name)
		if counts[name] > 1 {
			short := item.ID
			if len(short) > 8 {
				short = short[:8]
			}
			name = fmt.Sprintf("%s (%s)", name, short)
		}
		names[item.ID] = name
	}
	return names
}
