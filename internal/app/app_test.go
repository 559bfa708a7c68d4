package app

import (
	"os"
	"path/filepath"
	"testing"

	"genpool/internal/batch"
)

func TestLoadItemsObjects(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	data := `[{"id":"a","prompt":"first"},{"id":"b","prompt":"second"}]`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	items, err := LoadItems(path)
	if err != nil {
		t.Fatalf("LoadItems: %v", err)
	}
	if len(items) != 2 || items[0].ID != "a" || items[1].Prompt != "second" {
		t.Fatalf("items = %+v", items)
	}
}

func TestLoadItemsBareStrings(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	if err := os.WriteFile(path, []byte(`["first","second","third"]`), 0o600); err != nil {
		t.Fatal(err)
	}

	items, err := LoadItems(path)
	if err != nil {
		t.Fatalf("LoadItems: %v", err)
	}
	if len(items) != 3 || items[2].Prompt != "third" {
		t.Fatalf("items = %+v", items)
	}
	// IDs are assigned later by the coordinator.
	if items[0].ID != "" {
		t.Fatalf("unexpected pre-assigned id %q", items[0].ID)
	}
}

func TestLoadItemsRejectsGarbage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "items.json")
	if err := os.WriteFile(path, []byte(`{"not":"an array"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadItems(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteResultsToFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "out.json")
	text := "hello"
	results := []batch.Result{{ID: "a", Output: &text, TokensUsed: 3}}

	if err := WriteResults(path, results); err != nil {
		t.Fatalf("WriteResults: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("empty output file")
	}
}
