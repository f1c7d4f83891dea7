package fusefs

import (
	"context"
	"encoding/json"
	"syscall"
	"testing"

	"github.com/fruitsalade/rmsync/internal/cache"
	"github.com/fruitsalade/rmsync/internal/remote/remotetest"
	"github.com/fruitsalade/rmsync/internal/xochitl"
	"github.com/fruitsalade/rmsync/pkg/models"
)

const root = xochitl.DefaultRoot

func addItem(s *remotetest.Session, id, name, parent string, kind models.Kind) {
	data, _ := json.Marshal(map[string]interface{}{
		"deleted":      false,
		"visibleName":  name,
		"parent":       parent,
		"type":         string(kind),
		"lastModified": "1700000000000",
	})
	s.AddFile(xochitl.MetadataPath(root, id), data)
}

func addDocument(s *remotetest.Session, id, name, parent string, pages ...string) {
	addItem(s, id, name, parent, models.KindDocument)
	if pages == nil {
		pages = []string{}
	}
	content, _ := json.Marshal(map[string]interface{}{"pages": pages})
	s.AddFile(xochitl.ContentPath(root, id), content)
	for _, p := range pages {
		s.AddFile(xochitl.PagePath(root, id, p), []byte("page-"+p))
	}
}

func newFS(t *testing.T, s *remotetest.Session) *FS {
	t.Helper()
	c, err := cache.New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	lib := xochitl.NewLibrary(s, root)
	forest, err := lib.Hierarchy(context.Background())
	if err != nil {
		t.Fatalf("Hierarchy: %v", err)
	}
	return New(lib, c, forest)
}

func names(entries []entry) []string {
	var out []string
	for _, e := range entries {
		out = append(out, e.name)
	}
	return out
}

func TestEntries(t *testing.T) {
	s := remotetest.New()
	addItem(s, "work", "Work", "", models.KindCollection)
	addDocument(s, "doc", "Notes", "work", "b", "a")
	addDocument(s, "dup", "Notes", "work")
	f := newFS(t, s)
	ctx := context.Background()

	rootNode := &dirNode{fsys: f, children: f.forest}
	top, errno := rootNode.entries(ctx)
	if errno != 0 {
		t.Fatalf("root entries: %v", errno)
	}
	if len(top) != 1 || top[0].name != "Work" || top[0].mode() != syscall.S_IFDIR {
		t.Fatalf("root entries = %+v", top)
	}

	work := &dirNode{fsys: f, item: top[0].item, children: top[0].item.Children}
	inWork, _ := work.entries(ctx)
	got := names(inWork)
	want := []string{"Notes (doc)", "Notes (dup)"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("work entries = %v, want %v", got, want)
	}

	docNode := &dirNode{fsys: f, item: inWork[0].item}
	pages, errno := docNode.entries(ctx)
	if errno != 0 {
		t.Fatalf("doc entries: %v", errno)
	}
	got = names(pages)
	if len(got) != 2 || got[0] != "001-b.rm" || got[1] != "002-a.rm" {
		t.Errorf("page entries = %v", got)
	}
	for _, p := range pages {
		if p.mode() != syscall.S_IFREG {
			t.Errorf("%s mode = %o, want regular file", p.name, p.mode())
		}
	}
}

func TestEntries_ResolveFailure(t *testing.T) {
	s := remotetest.New()
	addItem(s, "doc", "Broken", "", models.KindDocument)
	f := newFS(t, s)

	n := &dirNode{fsys: f, item: f.forest[0]}
	if _, errno := n.entries(context.Background()); errno != syscall.EIO {
		t.Errorf("errno = %v, want EIO", errno)
	}
}

func TestDocumentResolvedOnce(t *testing.T) {
	s := remotetest.New()
	addDocument(s, "doc", "Notes", "", "p1")
	f := newFS(t, s)
	ctx := context.Background()

	before := s.Downloads.Load()
	for i := 0; i < 3; i++ {
		if _, err := f.document(ctx, f.forest[0]); err != nil {
			t.Fatalf("document: %v", err)
		}
	}
	if got := s.Downloads.Load() - before; got != 1 {
		t.Errorf("manifest downloads = %d, want 1", got)
	}
}

func TestPageRead(t *testing.T) {
	s := remotetest.New()
	addDocument(s, "doc", "Notes", "", "p1")
	f := newFS(t, s)
	ctx := context.Background()

	doc, err := f.document(ctx, f.forest[0])
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	node := &pageNode{fsys: f, doc: doc, item: f.forest[0], pageID: "p1"}

	fh, flags, errno := node.Open(ctx, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open: %v", errno)
	}
	h := fh.(*pageHandle)
	defer h.Release(ctx)

	if flags == 0 {
		t.Error("expected open flags to be set")
	}

	buf := make([]byte, 64)
	res, errno := h.Read(ctx, buf, 0)
	if errno != 0 {
		t.Fatalf("Read: %v", errno)
	}
	data, _ := res.Bytes(buf)
	if string(data) != "page-p1" {
		t.Errorf("data = %q", data)
	}

	res, errno = h.Read(ctx, buf, 5)
	if errno != 0 {
		t.Fatalf("Read at offset: %v", errno)
	}
	data, _ = res.Bytes(buf)
	if string(data) != "p1" {
		t.Errorf("data at offset = %q", data)
	}

	downloads := s.Downloads.Load()
	fh2, _, errno := node.Open(ctx, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("second Open: %v", errno)
	}
	fh2.(*pageHandle).Release(ctx)
	if s.Downloads.Load() != downloads {
		t.Error("second open should be served from cache")
	}

	if size, ok := f.cache.Size("doc_p1"); !ok || size != int64(len("page-p1")) {
		t.Errorf("cached size = %d, %v", size, ok)
	}
}

func TestPageOpen_ReadOnly(t *testing.T) {
	s := remotetest.New()
	addDocument(s, "doc", "Notes", "", "p1")
	f := newFS(t, s)
	doc, _ := f.document(context.Background(), f.forest[0])
	node := &pageNode{fsys: f, doc: doc, pageID: "p1"}

	if _, _, errno := node.Open(context.Background(), syscall.O_RDWR); errno != syscall.EROFS {
		t.Errorf("errno = %v, want EROFS", errno)
	}
}

func TestXattr(t *testing.T) {
	if n, errno := xattr("abc", nil); errno != 0 || n != 3 {
		t.Errorf("size probe = %d, %v", n, errno)
	}
	if _, errno := xattr("abc", make([]byte, 2)); errno != syscall.ERANGE {
		t.Errorf("short buffer errno = %v, want ERANGE", errno)
	}
	buf := make([]byte, 8)
	if n, _ := xattr("abc", buf); string(buf[:n]) != "abc" {
		t.Errorf("value = %q", buf[:n])
	}
}
