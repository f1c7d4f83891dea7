package xochitl

import (
	"encoding/json"
	"errors"

	"github.com/fruitsalade/rmsync/pkg/models"
)

type contentRecord struct {
	Pages     *[]string `json:"pages"`
	FileType  string    `json:"fileType"`
	PageCount int       `json:"pageCount"`
	CPages    *struct {
		Pages []struct {
			ID      string           `json:"id"`
			Deleted *json.RawMessage `json:"deleted"`
		} `json:"pages"`
	} `json:"cPages"`
}

// DecodeContent parses a document's content manifest. Page IDs are returned
// exactly in the order the record lists them.
func DecodeContent(name string, data []byte) (*models.DocumentManifest, error) {
	var rec contentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &DecodeError{Record: "content", Path: name, Err: err}
	}

	var pages []string
	switch {
	case rec.Pages != nil:
		pages = append([]string{}, *rec.Pages...)
	case rec.CPages != nil:
		pages = make([]string, 0, len(rec.CPages.Pages))
		for _, p := range rec.CPages.Pages {
			// Removed pages stay listed with a deleted marker.
			if p.Deleted != nil {
				continue
			}
			pages = append(pages, p.ID)
		}
	default:
		return nil, &DecodeError{Record: "content", Path: name, Err: errors.New("missing pages field")}
	}

	return &models.DocumentManifest{
		PageIDs:   pages,
		FileType:  rec.FileType,
		PageCount: rec.PageCount,
	}, nil
}
