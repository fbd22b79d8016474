package blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	fsStore, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"fs":     fsStore,
		"s3":     NewMockS3ForTests(),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			body := "sample_name\tcol\n1.S1\ta\n"
			info, err := store.Put(ctx, "templates/1_20240101-000000.txt", strings.NewReader(body),
				PutOptions{ContentType: "text/tab-separated-values", Metadata: map[string]string{"template": "sample_1"}})
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if info.Size != int64(len(body)) {
				t.Fatalf("expected size %d, got %d", len(body), info.Size)
			}
			if _, err := store.Put(ctx, "templates/1_20240101-000000.txt", strings.NewReader("x"), PutOptions{}); !ErrExists.Has(err) {
				t.Fatalf("expected create-only put, got %v", err)
			}

			got, rc, err := store.Get(ctx, "templates/1_20240101-000000.txt")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			data, _ := io.ReadAll(rc)
			_ = rc.Close()
			if string(data) != body {
				t.Fatalf("unexpected content %q", data)
			}
			if got.ContentType != "text/tab-separated-values" || got.Metadata["template"] != "sample_1" {
				t.Fatalf("unexpected info %+v", got)
			}

			if _, err := store.Put(ctx, "templates/1_prep_2_20240101-000000.txt", strings.NewReader("p"), PutOptions{}); err != nil {
				t.Fatalf("put prep: %v", err)
			}
			if _, err := store.Put(ctx, "other/file.txt", strings.NewReader("o"), PutOptions{}); err != nil {
				t.Fatalf("put other: %v", err)
			}
			list, err := store.List(ctx, "templates/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			keys := make([]string, len(list))
			for i, l := range list {
				keys[i] = l.Key
			}
			want := []string{"templates/1_20240101-000000.txt", "templates/1_prep_2_20240101-000000.txt"}
			if diff := cmp.Diff(want, keys); diff != "" {
				t.Fatalf("list mismatch (-want +got):\n%s", diff)
			}

			if ok, err := store.Delete(ctx, "templates/1_20240101-000000.txt"); err != nil || !ok {
				t.Fatalf("delete: %v %v", ok, err)
			}
			if ok, err := store.Delete(ctx, "templates/1_20240101-000000.txt"); err != nil || ok {
				t.Fatalf("expected second delete to report absence: %v %v", ok, err)
			}
			if _, err := store.Head(ctx, "templates/1_20240101-000000.txt"); !ErrNotFound.Has(err) {
				t.Fatalf("expected not found, got %v", err)
			}
			if _, _, err := store.Get(ctx, "missing"); !ErrNotFound.Has(err) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{Driver: DriverMemory})
	if err != nil || s.Driver() != DriverMemory {
		t.Fatalf("memory: %v %v", s, err)
	}
	s, err = Open(ctx, Config{FSRoot: t.TempDir()})
	if err != nil || s.Driver() != DriverFilesystem {
		t.Fatalf("default driver: %v %v", s, err)
	}
	if _, err := Open(ctx, Config{Driver: DriverS3}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := Open(ctx, Config{Driver: "ftp"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestFilesystemRejectsEscapingKeys(t *testing.T) {
	store, err := NewFilesystem(t.TempDir())
	if err != nil {
		t.Fatalf("filesystem: %v", err)
	}
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "x.meta"} {
		if _, err := store.Put(context.Background(), key, strings.NewReader("x"), PutOptions{}); err == nil {
			t.Fatalf("expected key %q rejected", key)
		}
	}
}
