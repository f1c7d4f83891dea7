package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fruitsalade/rmsync/internal/export/local"
	"github.com/fruitsalade/rmsync/internal/remote/remotetest"
	"github.com/fruitsalade/rmsync/internal/xochitl"
	"github.com/fruitsalade/rmsync/pkg/models"
)

const root = xochitl.DefaultRoot

type device struct {
	*remotetest.Session
}

func newDevice() device {
	return device{remotetest.New()}
}

func (d device) item(id, name, parent string, kind models.Kind, modified int64) {
	data, _ := json.Marshal(map[string]interface{}{
		"deleted":      false,
		"visibleName":  name,
		"parent":       parent,
		"type":         string(kind),
		"lastModified": modified,
	})
	d.AddFile(xochitl.MetadataPath(root, id), data)
}

func (d device) document(id, name, parent string, pages ...string) {
	d.item(id, name, parent, models.KindDocument, 1700000000000)
	if pages == nil {
		pages = []string{}
	}
	content, _ := json.Marshal(map[string]interface{}{"fileType": "notebook", "pages": pages})
	d.AddFile(xochitl.ContentPath(root, id), content)
	for _, p := range pages {
		d.AddFile(xochitl.PagePath(root, id, p), []byte("data-"+p))
	}
}

func newExporter(t *testing.T, d device) (*Exporter, *xochitl.Library, string) {
	t.Helper()
	dir := t.TempDir()
	sink, err := local.New(local.Config{RootPath: dir, CreateDirs: true})
	if err != nil {
		t.Fatalf("local.New: %v", err)
	}
	lib := xochitl.NewLibrary(d, root)
	return NewExporter(lib, sink), lib, dir
}

func readManifest(t *testing.T, path string) Manifest {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	return m
}

func TestExportDocument(t *testing.T) {
	d := newDevice()
	d.document("doc", "Notes", "", "p3", "p1", "p2")
	exp, _, dir := newExporter(t, d)
	ctx := context.Background()

	item := &models.Item{ID: "doc", Name: "Notes", Kind: models.KindDocument, ModTime: time.UnixMilli(1700000000000)}
	res, err := exp.ExportDocument(ctx, item, "Notes")
	if err != nil {
		t.Fatalf("ExportDocument: %v", err)
	}
	if res.Skipped || res.Pages != 3 {
		t.Errorf("result = %+v", res)
	}

	for i, id := range []string{"p3", "p1", "p2"} {
		data, err := os.ReadFile(filepath.Join(dir, "Notes", PageFile(i, id)))
		if err != nil {
			t.Fatalf("page %s: %v", id, err)
		}
		if string(data) != "data-"+id {
			t.Errorf("page %s = %q", id, data)
		}
	}

	m := readManifest(t, filepath.Join(dir, "Notes", ManifestName))
	var got []string
	for _, p := range m.Pages {
		got = append(got, p.ID)
	}
	if !reflect.DeepEqual(got, []string{"p3", "p1", "p2"}) {
		t.Errorf("manifest pages = %v", got)
	}
	sum := blake3.Sum256([]byte("data-p3"))
	if m.Pages[0].BLAKE3 != hex.EncodeToString(sum[:]) || m.Pages[0].File != "001-p3.rm" {
		t.Errorf("first page = %+v", m.Pages[0])
	}
	if m.ItemID != "doc" || m.Modified != "1700000000000" || m.FileType != "notebook" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestExportDocument_Incremental(t *testing.T) {
	d := newDevice()
	d.document("doc", "Notes", "", "p1")
	exp, _, _ := newExporter(t, d)
	ctx := context.Background()

	item := &models.Item{ID: "doc", Name: "Notes", ModTime: time.UnixMilli(1700000000000)}
	if _, err := exp.ExportDocument(ctx, item, "Notes"); err != nil {
		t.Fatalf("first export: %v", err)
	}
	downloads := d.Downloads.Load()

	res, err := exp.ExportDocument(ctx, item, "Notes")
	if err != nil {
		t.Fatalf("second export: %v", err)
	}
	if !res.Skipped {
		t.Error("unchanged document was exported again")
	}
	if d.Downloads.Load() != downloads {
		t.Error("skipped export touched the device")
	}

	item.ModTime = item.ModTime.Add(time.Second)
	if res, _ := exp.ExportDocument(ctx, item, "Notes"); res.Skipped {
		t.Error("modified document was skipped")
	}

	exp.Force = true
	if res, _ := exp.ExportDocument(ctx, item, "Notes"); res.Skipped {
		t.Error("forced export was skipped")
	}
}

func TestExportDocument_RemovesStalePages(t *testing.T) {
	d := newDevice()
	d.document("doc", "Notes", "", "p1", "p2", "p3")
	exp, _, dir := newExporter(t, d)
	ctx := context.Background()

	item := &models.Item{ID: "doc", Name: "Notes", ModTime: time.UnixMilli(1700000000000)}
	if _, err := exp.ExportDocument(ctx, item, "Notes"); err != nil {
		t.Fatalf("first export: %v", err)
	}

	d.AddFile(xochitl.ContentPath(root, "doc"), []byte(`{"pages":["p3","p1"]}`))
	item.ModTime = item.ModTime.Add(time.Minute)
	if _, err := exp.ExportDocument(ctx, item, "Notes"); err != nil {
		t.Fatalf("second export: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "Notes"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Name())
	}
	want := []string{"001-p3.rm", "002-p1.rm", ManifestName}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("export dir = %v, want %v", got, want)
	}

	m := readManifest(t, filepath.Join(dir, "Notes", ManifestName))
	if len(m.Pages) != 2 || m.Pages[0].File != "001-p3.rm" || m.Pages[1].File != "002-p1.rm" {
		t.Errorf("manifest pages = %+v", m.Pages)
	}
}

func TestExportDocument_MissingPage(t *testing.T) {
	d := newDevice()
	d.document("doc", "Notes", "", "p1")
	d.AddFile(xochitl.ContentPath(root, "doc"), []byte(`{"pages":["p1","gone"]}`))
	exp, _, dir := newExporter(t, d)

	item := &models.Item{ID: "doc", Name: "Notes", ModTime: time.UnixMilli(1)}
	_, err := exp.ExportDocument(context.Background(), item, "Notes")
	if !errors.Is(err, xochitl.ErrPageNotFound) {
		t.Fatalf("err = %v, want ErrPageNotFound", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "Notes", ManifestName)); !os.IsNotExist(err) {
		t.Error("manifest written for a failed export")
	}
}

func TestSync(t *testing.T) {
	d := newDevice()
	d.item("work", "Work", "", models.KindCollection, 1)
	d.document("notes", "Notes", "work", "a", "b")
	d.document("sketch", "Sketch", "")
	d.document("dup1aaaaaaaa", "Todo", "work", "x")
	d.document("dup2bbbbbbbb", "Todo", "work", "y")
	d.document("orphan", "Lost", "trash", "z")
	exp, lib, dir := newExporter(t, d)
	ctx := context.Background()

	forest, err := lib.Hierarchy(ctx)
	if err != nil {
		t.Fatalf("Hierarchy: %v", err)
	}

	report, err := exp.Sync(ctx, forest)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Exported != 5 || report.Pages != 5 || report.Skipped != 0 {
		t.Errorf("report = %+v", report)
	}

	for _, p := range []string{
		"Work/Notes/001-a.rm",
		"Work/Notes/002-b.rm",
		"Work/Todo (dup1aaaa)/001-x.rm",
		"Work/Todo (dup2bbbb)/001-y.rm",
		"Sketch/" + ManifestName,
		"Lost/001-z.rm",
	} {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(p))); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	report, err = exp.Sync(ctx, forest)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.Skipped != 5 || report.Exported != 0 {
		t.Errorf("second report = %+v", report)
	}
}

func TestSiblingNames(t *testing.T) {
	items := []*models.Item{
		{ID: "1", Name: "A/B"},
		{ID: "22222222222", Name: "Same"},
		{ID: "3", Name: "Same"},
	}
	names := SiblingNames(items)
	want := map[string]string{"1": "A_B", "22222222222": "Same (22222222)", "3": "Same (3)"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("SiblingNames = %v, want %v", names, want)
	}
}
