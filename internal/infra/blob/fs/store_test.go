package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"labqc/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	store.now = func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }
	return store
}

func TestStorePutGetList(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)

	info, err := store.Put(ctx, "retests/lot-1/a.json", bytes.NewReader([]byte(`{"a":1}`)), core.PutOptions{ContentType: "application/json", Metadata: map[string]string{"lot_id": "1"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 7 || info.ETag == "" || info.ContentType != "application/json" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "retests/lot-1/a.json", bytes.NewReader([]byte("x")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := store.Put(ctx, "retests/lot-2/b.json", bytes.NewReader([]byte("{}")), core.PutOptions{}); err != nil {
		t.Fatalf("put second: %v", err)
	}

	got, rc, err := store.Get(ctx, "retests/lot-1/a.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != `{"a":1}` || got.ETag != info.ETag || got.Metadata["lot_id"] != "1" {
		t.Fatalf("unexpected get %+v %q", got, body)
	}

	list, err := store.List(ctx, "retests/lot-1/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "retests/lot-1/a.json" {
		t.Fatalf("unexpected list %+v", list)
	}
	all, err := store.List(ctx, "")
	if err != nil || len(all) != 2 || all[0].Key > all[1].Key {
		t.Fatalf("unexpected full list %+v (%v)", all, err)
	}
}

func TestStoreGetMissing(t *testing.T) {
	store := newTempStore(t)
	if _, _, err := store.Get(context.Background(), "nope.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	store := newTempStore(t)
	for _, key := range []string{"", "/abs", "../escape", "a/../../b", "x.meta"} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), core.PutOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "k.json", bytes.NewReader([]byte("1")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	matches, _ := filepath.Glob(filepath.Join(store.Root(), ".tmp-*"))
	if len(matches) != 0 {
		t.Fatalf("temp files left behind: %v", matches)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), "k.json.meta")); err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk on fire") }

func TestStorePutReaderError(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "k.json", failingReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected read error")
	}
	if _, _, err := store.Get(context.Background(), "k.json"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("failed put must not leave a blob, got %v", err)
	}
}
