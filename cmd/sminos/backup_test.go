package main

import (
	"archive/tar"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestSplitComponentPath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantComp string
		wantRel  string
	}{
		{"simple file", "store/sminos.db", "store", "sminos.db"},
		{"nested path", "nats/jetstream/stream.dat", "nats", "jetstream/stream.dat"},
		{"directory with slash", "archives/2026/", "archives", "2026/"},
		{"component root dir", "store/", "store", "./"},
		{"component bare name", "store", "store", "./"},
		{"leading dot-slash", "./store/sminos.db", "store", "sminos.db"},
		{"leading slash", "/store/sminos.db", "store", "sminos.db"},
		{"unknown component", "runs/file.txt", "", ""},
		{"empty string", "", "", ""},
		{"just a slash", "/", "", ""},
		{"dot only", ".", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotComp, gotRel := splitComponentPath(tt.input)
			if gotComp != tt.wantComp {
				t.Errorf("splitComponentPath(%q) component = %q, want %q", tt.input, gotComp, tt.wantComp)
			}
			if gotRel != tt.wantRel {
				t.Errorf("splitComponentPath(%q) relPath = %q, want %q", tt.input, gotRel, tt.wantRel)
			}
		})
	}
}

func TestFormatSize(t *testing.T) {
	tests := []struct {
		bytes int64
		want  string
	}{
		{0, "0 bytes"},
		{512, "512 bytes"},
		{1023, "1023 bytes"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1048576, "1.0 MB"},
		{1073741824, "1.0 GB"},
		{1610612736, "1.5 GB"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := formatSize(tt.bytes)
			if got != tt.want {
				t.Errorf("formatSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

// createTestArchive builds a zstd-compressed tar with the given entries.
// Each entry is a path like "store/sminos.db" with the given content.
func createTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.tar.zst")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}

	tw := tar.NewWriter(zw)
	for name, content := range entries {
		hdr := &tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	zw.Close()

	return path
}

func TestScanArchiveComponents(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"store/sminos.db":          "data",
		"nats/jetstream/s1.dat":    "stream",
		"nats/jetstream/s2.dat":    "stream",
		"archives/run1.tar.zst":    "archived",
		"archives/2026/r2.tar.zst": "archived",
	})

	components, err := scanArchiveComponents(archivePath)
	if err != nil {
		t.Fatal(err)
	}

	if len(components) != 3 {
		t.Fatalf("expected 3 components, got %d: %v", len(components), components)
	}

	found := make(map[string]bool)
	for _, c := range components {
		found[c] = true
	}
	for _, want := range []string{"store", "nats", "archives"} {
		if !found[want] {
			t.Errorf("expected component %q not found in %v", want, components)
		}
	}
}

func TestScanArchiveComponents_Empty(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{})

	components, err := scanArchiveComponents(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 0 {
		t.Fatalf("expected 0 components, got %d: %v", len(components), components)
	}
}

func TestScanArchiveComponents_UnknownEntries(t *testing.T) {
	archivePath := createTestArchive(t, map[string]string{
		"other/file.txt":  "data",
		"random-file.txt": "data",
		"store/sminos.db": "data",
	})

	components, err := scanArchiveComponents(archivePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 1 {
		t.Fatalf("expected 1 component, got %d: %v", len(components), components)
	}
	if components[0] != "store" {
		t.Errorf("expected store, got %q", components[0])
	}
}

func TestScanArchiveComponents_InvalidFile(t *testing.T) {
	_, err := scanArchiveComponents("/nonexistent/file.tar.zst")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestScanArchiveComponents_InvalidZstd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.tar.zst")
	os.WriteFile(path, []byte("not zstd data"), 0644)

	_, err := scanArchiveComponents(path)
	if err == nil {
		t.Fatal("expected error for invalid zstd data")
	}
}

// writeTestConfig points SMINOS_CONFIG at a config whose data paths all
// live under dir.
func writeTestConfig(t *testing.T, dir string) (storePath, natsDir, archiveDir string) {
	t.Helper()
	storePath = filepath.Join(dir, "data", "sminos.db")
	natsDir = filepath.Join(dir, "data", "nats")
	archiveDir = filepath.Join(dir, "data", "archives")

	cfgPath := filepath.Join(dir, "sminos.yaml")
	cfg := fmt.Sprintf("store:\n  path: %s\nnats:\n  data_dir: %s\narchive:\n  dir: %s\n", storePath, natsDir, archiveDir)
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SMINOS_CONFIG", cfgPath)
	return storePath, natsDir, archiveDir
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	storePath, natsDir, archiveDir := writeTestConfig(t, src)

	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(storePath, []byte("sqlite-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(natsDir, "jetstream"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(natsDir, "jetstream", "stream.dat"), []byte("stream"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(archiveDir, "run1.tar.zst"), []byte("archived run"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", out}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	components, err := scanArchiveComponents(out)
	if err != nil {
		t.Fatal(err)
	}
	if len(components) != 3 {
		t.Fatalf("expected 3 components in backup, got %v", components)
	}

	dst := t.TempDir()
	dstStore, dstNats, dstArchive := writeTestConfig(t, dst)
	if err := runRestore([]string{"-f", out}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	checks := map[string]string{
		dstStore: "sqlite-bytes",
		filepath.Join(dstNats, "jetstream", "stream.dat"): "stream",
		filepath.Join(dstArchive, "run1.tar.zst"):         "archived run",
	}
	for path, want := range checks {
		data, err := os.ReadFile(path)
		if err != nil {
			t.Errorf("read %s: %v", path, err)
			continue
		}
		if string(data) != want {
			t.Errorf("%s = %q, want %q", path, data, want)
		}
	}
}

func TestRestoreRefusesExisting(t *testing.T) {
	src := t.TempDir()
	storePath, _, _ := writeTestConfig(t, src)
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(storePath, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "backup.tar.zst")
	if err := runBackup([]string{"-f", out}); err != nil {
		t.Fatalf("backup: %v", err)
	}

	// The store file still exists, so a plain restore must refuse.
	err := runRestore([]string{"-f", out})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already-exists error, got %v", err)
	}

	if err := os.WriteFile(storePath, []byte("changed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runRestore([]string{"-f", out, "-overwrite"}); err != nil {
		t.Fatalf("restore -overwrite: %v", err)
	}
	data, err := os.ReadFile(storePath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "original" {
		t.Errorf("expected restored content, got %q", data)
	}
}

func TestRestoreRejectsUnsafePaths(t *testing.T) {
	writeTestConfig(t, t.TempDir())

	archivePath := createTestArchive(t, map[string]string{
		"store/../../evil.txt": "payload",
	})

	err := runRestore([]string{"-f", archivePath})
	if err == nil || !strings.Contains(err.Error(), "unsafe path") {
		t.Fatalf("expected unsafe-path error, got %v", err)
	}
}
