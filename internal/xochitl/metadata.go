package xochitl

import (
	"encoding/json"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/fruitsalade/rmsync/pkg/models"
)

type metadataRecord struct {
	Deleted      *bool           `json:"deleted"`
	VisibleName  *string         `json:"visibleName"`
	Parent       *string         `json:"parent"`
	Type         string          `json:"type"`
	LastModified json.RawMessage `json:"lastModified"`
	Version      int             `json:"version"`
	Pinned       bool            `json:"pinned"`
}

// DecodeMetadata parses one metadata record. name is the record's file name
// (or path); the item ID is its base name without the ".metadata" suffix.
// The returned flag reports whether the item is marked deleted.
func DecodeMetadata(name string, data []byte) (*models.Item, bool, error) {
	fail := func(err error) (*models.Item, bool, error) {
		return nil, false, &DecodeError{Record: "metadata", Path: name, Err: err}
	}

	var rec metadataRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fail(err)
	}
	switch {
	case rec.Deleted == nil:
		return fail(errors.New("missing deleted field"))
	case rec.VisibleName == nil:
		return fail(errors.New("missing visibleName field"))
	case rec.Parent == nil:
		return fail(errors.New("missing parent field"))
	}

	kind := models.Kind(rec.Type)
	if kind == "" {
		kind = models.KindDocument
	}

	item := &models.Item{
		ID:      strings.TrimSuffix(path.Base(name), MetadataExt),
		Name:    *rec.VisibleName,
		Parent:  *rec.Parent,
		Kind:    kind,
		ModTime: parseMillis(rec.LastModified),
		Version: rec.Version,
		Pinned:  rec.Pinned,
	}
	return item, *rec.Deleted, nil
}

// parseMillis accepts epoch milliseconds encoded as a JSON string or number.
// Anything else yields the zero time.
func parseMillis(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	s := strings.Trim(string(raw), `"`)
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// FormatMillis is the inverse of the lastModified encoding.
func FormatMillis(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}
