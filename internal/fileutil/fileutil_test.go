package fileutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testData struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.json")

	if err := WriteJSONAtomic(path, testData{Name: "test", Value: 42}, 0o644); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}

	var got testData
	if err := ReadJSON(path, &got); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if got.Name != "test" || got.Value != 42 {
		t.Errorf("got %+v", got)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestReadJSON_Errors(t *testing.T) {
	dir := t.TempDir()
	var v testData

	if err := ReadJSON(filepath.Join(dir, "missing.json"), &v); !os.IsNotExist(err) {
		t.Errorf("missing file: got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ReadJSON(bad, &v); err == nil {
		t.Error("invalid JSON: expected error")
	}
}

func TestWriteJSONAtomic_InvalidData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := WriteJSONAtomic(path, make(chan int), 0o644); err == nil {
		t.Error("expected error for unmarshalable data")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("target should not exist after failed write")
	}
}

func TestReadJSONIfFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	var v testData

	fresh, err := ReadJSONIfFresh(path, &v, time.Hour)
	if err != nil || fresh {
		t.Fatalf("missing file: fresh=%v err=%v", fresh, err)
	}

	if err := WriteJSONAtomic(path, testData{Name: "c"}, 0o644); err != nil {
		t.Fatal(err)
	}
	fresh, err = ReadJSONIfFresh(path, &v, time.Hour)
	if err != nil || !fresh || v.Name != "c" {
		t.Fatalf("fresh file: fresh=%v err=%v v=%+v", fresh, err, v)
	}

	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}
	fresh, err = ReadJSONIfFresh(path, &v, time.Hour)
	if err != nil || fresh {
		t.Errorf("stale file: fresh=%v err=%v", fresh, err)
	}
}
