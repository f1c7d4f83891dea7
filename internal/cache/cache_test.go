package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCache_PutAndGet(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("page bytes")
	path, err := c.Put("doc_p1", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(data, content) {
		t.Errorf("content mismatch: got %q, want %q", data, content)
	}

	gotPath, ok := c.Get("doc_p1")
	if !ok {
		t.Fatal("Get returned not ok")
	}
	if gotPath != path {
		t.Errorf("Get path mismatch: got %q, want %q", gotPath, path)
	}
	if size, ok := c.Size("doc_p1"); !ok || size != int64(len(content)) {
		t.Errorf("Size = %d, %v", size, ok)
	}
}

func TestCache_Overwrite(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("k", bytes.NewReader([]byte("12345")), 5)
	c.Put("k", bytes.NewReader([]byte("12")), 2)

	size, _, count := c.Stats()
	if size != 2 || count != 1 {
		t.Errorf("Stats = size %d count %d, want 2/1", size, count)
	}
}

func TestCache_Evict(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, _ := c.Put("evictme", bytes.NewReader([]byte("test")), 4)
	c.Evict("evictme")

	if c.IsCached("evictme") {
		t.Error("entry still cached after evict")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file still exists on disk after evict")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c, err := New(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Put("old", bytes.NewReader([]byte("aaaa")), 4)
	time.Sleep(5 * time.Millisecond)
	c.Put("mid", bytes.NewReader([]byte("bbbb")), 4)
	time.Sleep(5 * time.Millisecond)
	c.Get("old") // refresh
	time.Sleep(5 * time.Millisecond)
	c.Put("new", bytes.NewReader([]byte("cccc")), 4)

	if c.IsCached("mid") {
		t.Error("least recently used entry was not evicted")
	}
	if !c.IsCached("old") || !c.IsCached("new") {
		t.Error("recently used entries were evicted")
	}
	if size, _, _ := c.Stats(); size != 8 {
		t.Errorf("size = %d, want 8", size)
	}
}

func TestCache_AdoptsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "doc_p1"), []byte("abc"), 0644)
	os.WriteFile(filepath.Join(dir, "doc_p2.tmp"), []byte("partial"), 0644)

	c, err := New(dir, 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.IsCached("doc_p1") {
		t.Error("existing file not adopted")
	}
	if c.IsCached("doc_p2.tmp") {
		t.Error("temp file adopted")
	}
	if size, _, count := c.Stats(); size != 3 || count != 1 {
		t.Errorf("Stats = %d/%d", size, count)
	}
}

func TestCache_Clear(t *testing.T) {
	c, err := New(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Put("a", bytes.NewReader([]byte("1")), 1)
	c.Put("b", bytes.NewReader([]byte("2")), 1)

	if n := c.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	if size, _, count := c.Stats(); size != 0 || count != 0 {
		t.Errorf("Stats after clear = %d/%d", size, count)
	}
}
