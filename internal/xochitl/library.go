package xochitl

import (
	"context"
	"errors"
	"time"

	"github.com/fruitsalade/rmsync/internal/logging"
	"github.com/fruitsalade/rmsync/internal/metrics"
	"github.com/fruitsalade/rmsync/internal/remote"
	"github.com/fruitsalade/rmsync/pkg/models"
	"github.com/fruitsalade/rmsync/pkg/tree"
)

// Library binds a session to a content root. Hierarchy and Resolve run off
// the caller's goroutine and return early when ctx is done; the session
// itself keeps transfers sequential.
type Library struct {
	sess remote.Session
	root string
}

// NewLibrary creates a library. An empty root selects DefaultRoot.
func NewLibrary(sess remote.Session, root string) *Library {
	if root == "" {
		root = DefaultRoot
	}
	return &Library{sess: sess, root: root}
}

// Root returns the content root.
func (l *Library) Root() string {
	return l.root
}

// Hierarchy scans the device and returns the item forest.
func (l *Library) Hierarchy(ctx context.Context) ([]*models.Item, error) {
	start := time.Now()
	forest, err := offload(ctx, func() ([]*models.Item, error) {
		return BuildHierarchy(ctx, l.sess, l.root)
	})
	if err != nil {
		recordDecodeError(err)
		logging.Error("hierarchy scan failed", logging.String("root", l.root), logging.Err(err))
		return nil, err
	}

	count := tree.CountNodes(forest)
	metrics.RecordHierarchyScan(count, time.Since(start))
	logging.Info("hierarchy scanned",
		logging.Int("items", count),
		logging.Int("roots", len(forest)),
		logging.Duration("duration", time.Since(start)),
	)
	return forest, nil
}

// Resolve loads the content manifest of a document.
func (l *Library) Resolve(ctx context.Context, item *models.Item) (*Document, error) {
	log := logging.WithContext(logging.WithItem(ctx, item.ID))

	doc, err := offload(ctx, func() (*Document, error) {
		return ResolveDocument(ctx, l.sess, l.root, item)
	})
	metrics.RecordDocumentResolve(err == nil)
	if err != nil {
		recordDecodeError(err)
		log.Error("resolve failed", logging.Err(err))
		return nil, err
	}

	log.Info("document resolved",
		logging.String("name", item.Name),
		logging.Int("pages", len(doc.PageIDs)),
	)
	return doc, nil
}

// offload runs fn on its own goroutine and waits for it or for ctx.
func offload[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func recordDecodeError(err error) {
	var de *DecodeError
	if errors.As(err, &de) {
		metrics.RecordDecodeError(de.Record)
	}
}
