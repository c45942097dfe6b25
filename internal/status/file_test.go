package status

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s, err := NewFileStore(filepath.Join(t.TempDir(), YAMLFile))
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	all, _ := s.All(context.Background())
	if len(all) != 0 {
		t.Errorf("expected empty store, got %v", all)
	}
}

func TestFileStore_FlushAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "b1", YAMLFile)
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

	s, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	s.Set(ctx, "Parser", Record{Finished: true, Status: Passed, LastRun: now})
	s.Set(ctx, "Linter", Record{Finished: true, Status: Failed, LastRun: now})

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("nothing should be written before Flush")
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("status file not written: %v", err)
	}
	if !strings.Contains(string(data), "status: failed") {
		t.Errorf("expected YAML status, got:\n%s", data)
	}

	reloaded, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	rec, ok, _ := reloaded.Get(ctx, "Parser")
	if !ok || !rec.Finished || rec.Status != Passed || !rec.LastRun.Equal(now) {
		t.Errorf("unexpected reloaded record ok=%v %+v", ok, rec)
	}
}

func TestFileStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, _ := NewFileStore(filepath.Join(dir, YAMLFile))

	for i := 0; i < 3; i++ {
		s.Set(ctx, "Parser", Record{Finished: true, Status: Passed})
		if err := s.Flush(ctx); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 || entries[0].Name() != YAMLFile {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only %s, got %v", YAMLFile, names)
	}
}

func TestFileStore_RejectsUnknownStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), YAMLFile)
	os.WriteFile(path, []byte("tasks:\n  Parser:\n    finished: true\n    status: exploded\n"), 0644)

	if _, err := NewFileStore(path); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestFileStore_AllReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s, _ := NewFileStore(filepath.Join(t.TempDir(), YAMLFile))
	s.Set(ctx, "Parser", Record{Status: Incomplete})

	all, _ := s.All(ctx)
	all["Parser"] = Record{Status: Passed}

	rec, _, _ := s.Get(ctx, "Parser")
	if rec.Status != Incomplete {
		t.Error("mutating the All result must not change the store")
	}
}
