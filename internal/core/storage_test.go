package core_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"metacore/internal/core"
	"metacore/internal/infra/persistence/memory"
	"metacore/internal/infra/persistence/sqlite"
	"metacore/pkg/domain"
)

func TestOpenPersistentStore(t *testing.T) {
	engine := core.NewDefaultRulesEngine(core.DefaultMaxSamples)

	store, err := core.OpenPersistentStore(core.StorageConfig{Driver: core.StorageMemory}, engine)
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "metacore.db")
	store, err = core.OpenPersistentStore(core.StorageConfig{SQLitePath: path}, engine)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if _, ok := store.(*sqlite.Store); !ok {
		t.Fatalf("expected sqlite store by default, got %T", store)
	}

	if _, err := core.OpenPersistentStore(core.StorageConfig{Driver: "cassandra"}, engine); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestServiceOnSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := core.OpenPersistentStore(core.StorageConfig{
		Driver:     core.StorageSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "metacore.db"),
	}, core.NewDefaultRulesEngine(core.DefaultMaxSamples))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	svc := core.NewService(store, core.WithClock(fixedClock()))

	mustCreateSamples(t, svc, 2)
	prep := mustCreatePrep(t, svc, 2)
	update := domain.NewTable("ph")
	update.AddRow("S3", row("ph", "5.5"))
	if _, err := svc.Update(ctx, domain.SampleTemplate(2), update); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := mustGet(t, svc, domain.SampleTemplate(2))
	if v := got.Table.Get("2.S3", "ph"); v.Text() != "5.5" {
		t.Fatalf("expected persisted update, got %v", v)
	}
	if diff := cmp.Diff([]string{"2.S1", "2.S2"}, mustGet(t, svc, prep.Info.Ref).Table.RowKeys()); diff != "" {
		t.Fatalf("prep keys mismatch (-want +got):\n%s", diff)
	}
}

func TestOpenArtifactStore(t *testing.T) {
	store, err := core.OpenArtifactStore(core.ArtifactConfig{})
	if err != nil {
		t.Fatalf("open memory artifacts: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ref := domain.PrepTemplate(1)
	if err := store.Attach(context.Background(), ref, "a1", domain.StatusPrivate); err != nil {
		t.Fatalf("attach: %v", err)
	}
	vis, err := store.Visibilities(context.Background(), ref)
	if err != nil || len(vis) != 1 || vis[0] != domain.StatusPrivate {
		t.Fatalf("unexpected visibilities %v %v", vis, err)
	}
	if _, err := core.OpenArtifactStore(core.ArtifactConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}

func TestDefaultRulesOrder(t *testing.T) {
	engine := core.NewDefaultRulesEngine(core.DefaultMaxSamples)
	if diff := cmp.Diff([]string{"template_capacity", "prep_sample_subset"}, engine.Rules()); diff != "" {
		t.Fatalf("rules mismatch (-want +got):\n%s", diff)
	}
}
