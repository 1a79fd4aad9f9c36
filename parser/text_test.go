package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTempTextFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestTextExtractorHeadingsAndText(t *testing.T) {
	content := "# Title\nIntro line.\n\n1.2 Scope\nScope details.\n"
	path := writeTempTextFile(t, "doc.md", content)

	e := &TextExtractor{}
	result, err := e.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}

	if result.TotalPages != 1 {
		t.Errorf("TotalPages = %d, want 1", result.TotalPages)
	}

	var headings []string
	for _, b := range result.Blocks {
		if b.Type == BlockHeading {
			headings = append(headings, b.Text)
		}
	}
	if len(headings) != 2 {
		t.Fatalf("expected 2 headings, got %d: %v", len(headings), headings)
	}
	if headings[0] != "# Title" || headings[1] != "1.2 Scope" {
		t.Errorf("headings = %v, want [# Title, 1.2 Scope]", headings)
	}

	for _, b := range result.Blocks {
		if b.Text == "Scope details." && b.SectionHeader != "1.2 Scope" {
			t.Errorf("body block SectionHeader = %q, want %q", b.SectionHeader, "1.2 Scope")
		}
	}
}

func TestTextExtractorSkipsBlankLines(t *testing.T) {
	path := writeTempTextFile(t, "doc.txt", "one\n\n\ntwo\n")

	e := &TextExtractor{}
	result, err := e.Extract(context.Background(), path)
	if err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	if len(result.Blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(result.Blocks))
	}
}

func TestTextExtractorMissingFile(t *testing.T) {
	e := &TextExtractor{}
	if _, err := e.Extract(context.Background(), filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
