//go:build cgo

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestGlobalStore(t *testing.T) *GlobalStore {
	t.Helper()
	g, err := NewGlobalStore(filepath.Join(t.TempDir(), "global.db"))
	if err != nil {
		t.Fatalf("NewGlobalStore: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

func TestUpsertAndGetNotebook(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	nb := Notebook{ID: "nb-1", Title: "Research", CreatedAt: now, UpdatedAt: now}
	if err := g.UpsertNotebook(ctx, nb); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}

	got, err := g.GetNotebook(ctx, "nb-1")
	if err != nil {
		t.Fatalf("GetNotebook: %v", err)
	}
	if got.Title != "Research" {
		t.Fatalf("Title = %q, want %q", got.Title, "Research")
	}
}

func TestListNotebooksOrdered(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, id := range []string{"nb-1", "nb-2", "nb-3"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := g.UpsertNotebook(ctx, Notebook{ID: id, Title: id, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatalf("UpsertNotebook(%s): %v", id, err)
		}
	}

	nbs, err := g.ListNotebooks(ctx)
	if err != nil {
		t.Fatalf("ListNotebooks: %v", err)
	}
	if len(nbs) != 3 || nbs[0].ID != "nb-1" || nbs[2].ID != "nb-3" {
		t.Fatalf("ListNotebooks = %+v, want oldest-first nb-1..nb-3", nbs)
	}
}

func TestSourcesOrderedBySortThenAdded(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := g.UpsertNotebook(ctx, Notebook{ID: "nb-1", Title: "n", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}

	srcs := []Source{
		{ID: "s-2", NotebookID: "nb-1", Filename: "b.pdf", Path: "/b.pdf", Kind: "pdf", SortOrder: 2, AddedAt: now},
		{ID: "s-1", NotebookID: "nb-1", Filename: "a.pdf", Path: "/a.pdf", Kind: "pdf", SortOrder: 1, AddedAt: now},
	}
	for _, s := range srcs {
		if err := g.UpsertSource(ctx, s); err != nil {
			t.Fatalf("UpsertSource(%s): %v", s.ID, err)
		}
	}

	listed, err := g.ListSources(ctx, "nb-1")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(listed) != 2 || listed[0].ID != "s-1" || listed[1].ID != "s-2" {
		t.Fatalf("ListSources = %+v, want [s-1, s-2]", listed)
	}
}

func TestDeleteSourceRenumbersSortOrder(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := g.UpsertNotebook(ctx, Notebook{ID: "nb-1", Title: "n", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}
	for i, id := range []string{"s-1", "s-2", "s-3"} {
		s := Source{ID: id, NotebookID: "nb-1", Filename: id, Path: "/" + id, Kind: "pdf", SortOrder: i + 1, AddedAt: now}
		if err := g.UpsertSource(ctx, s); err != nil {
			t.Fatalf("UpsertSource(%s): %v", id, err)
		}
	}

	if err := g.DeleteSource(ctx, "s-2"); err != nil {
		t.Fatalf("DeleteSource: %v", err)
	}

	listed, err := g.ListSources(ctx, "nb-1")
	if err != nil {
		t.Fatalf("ListSources: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("got %d sources, want 2", len(listed))
	}
	if listed[0].SortOrder != 1 || listed[1].SortOrder != 2 {
		t.Fatalf("sort orders = [%d, %d], want dense [1, 2]", listed[0].SortOrder, listed[1].SortOrder)
	}
}

func TestParsingSettingsJSONRoundTrip(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := g.UpsertNotebook(ctx, Notebook{ID: "nb-1", Title: "n", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}

	want := `{"chunk_size":1024,"chunking_method":"general"}`
	if err := g.SetParsingSettingsJSON(ctx, "nb-1", want); err != nil {
		t.Fatalf("SetParsingSettingsJSON: %v", err)
	}
	got, err := g.GetParsingSettingsJSON(ctx, "nb-1")
	if err != nil {
		t.Fatalf("GetParsingSettingsJSON: %v", err)
	}
	if got != want {
		t.Fatalf("GetParsingSettingsJSON = %q, want %q", got, want)
	}
}

func TestReconcileOnStartup(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := g.UpsertNotebook(ctx, Notebook{ID: "nb-1", Title: "n", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}
	if err := g.UpsertSource(ctx, Source{
		ID: "s-1", NotebookID: "nb-1", Filename: "gone.pdf", Path: "/gone.pdf", Kind: "pdf",
		Status: "indexing", HasDocs: true, AddedAt: now,
	}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}

	if err := g.ReconcileOnStartup(ctx, func(path string) bool { return false }); err != nil {
		t.Fatalf("ReconcileOnStartup: %v", err)
	}

	got, err := g.GetSource(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSource: %v", err)
	}
	if got.HasDocs {
		t.Fatalf("HasDocs = true, want false for a missing file")
	}
	if got.Status != "failed" {
		t.Fatalf("Status = %q, want failed for an interrupted index", got.Status)
	}
}

func TestDuplicateNotebook(t *testing.T) {
	g := newTestGlobalStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := g.UpsertNotebook(ctx, Notebook{ID: "nb-1", Title: "Original", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("UpsertNotebook: %v", err)
	}
	if err := g.UpsertSource(ctx, Source{
		ID: "s-1", NotebookID: "nb-1", Filename: "a.pdf", Path: "/a.pdf", Kind: "pdf", SortOrder: 1, AddedAt: now,
	}); err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	if err := g.SetParsingSettingsJSON(ctx, "nb-1", `{"chunk_size":512}`); err != nil {
		t.Fatalf("SetParsingSettingsJSON: %v", err)
	}

	if err := g.DuplicateNotebook(ctx, "nb-1", "nb-2", "Original (copy)", map[string]string{"s-1": "s-2"}, now); err != nil {
		t.Fatalf("DuplicateNotebook: %v", err)
	}

	dup, err := g.GetNotebook(ctx, "nb-2")
	if err != nil {
		t.Fatalf("GetNotebook(nb-2): %v", err)
	}
	if dup.Title != "Original (copy)" {
		t.Fatalf("duplicated Title = %q, want %q", dup.Title, "Original (copy)")
	}

	dupSources, err := g.ListSources(ctx, "nb-2")
	if err != nil {
		t.Fatalf("ListSources(nb-2): %v", err)
	}
	if len(dupSources) != 1 || dupSources[0].ID != "s-2" {
		t.Fatalf("ListSources(nb-2) = %+v, want exactly [s-2]", dupSources)
	}

	settings, err := g.GetParsingSettingsJSON(ctx, "nb-2")
	if err != nil {
		t.Fatalf("GetParsingSettingsJSON(nb-2): %v", err)
	}
	if settings != `{"chunk_size":512}` {
		t.Fatalf("duplicated settings = %q, want original's JSON copied over", settings)
	}

	// Original notebook's source must be untouched.
	if _, err := g.GetSource(ctx, "s-1"); err != nil {
		t.Fatalf("original source s-1 should survive duplication: %v", err)
	}
}
