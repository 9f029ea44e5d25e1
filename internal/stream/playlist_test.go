package stream

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte{0}, 0o644); err != nil {
		t.Fatal(err)
	}
}

// A folder expands to its video files sorted by name; other files are
// skipped.
func TestResolveSourcesFolder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.mp4"))
	touch(t, filepath.Join(dir, "a.MKV"))
	touch(t, filepath.Join(dir, "c.avi"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "clip.webm"))
	if err := os.Mkdir(filepath.Join(dir, "sub.mp4"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ResolveSources(dir)
	if err != nil {
		t.Fatalf("ResolveSources failed: %v", err)
	}

	want := []string{
		filepath.Join(dir, "a.MKV"),
		filepath.Join(dir, "b.mp4"),
		filepath.Join(dir, "c.avi"),
		filepath.Join(dir, "clip.webm"),
	}
	if len(got) != len(want) {
		t.Fatalf("playlist = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("playlist[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// A single file is accepted as-is, regardless of extension.
func TestResolveSourcesFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "recording.raw")
	touch(t, file)

	got, err := ResolveSources(file)
	if err != nil {
		t.Fatalf("ResolveSources failed: %v", err)
	}
	if len(got) != 1 || got[0] != file {
		t.Errorf("playlist = %v, want just %q", got, file)
	}
}

// Playback order advances through the playlist and wraps past the last
// entry back to the first.
func TestPlaylistAdvanceWraps(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.mp4"))
	touch(t, filepath.Join(dir, "b.mp4"))

	s, err := NewFileStream(dir)
	if err != nil {
		t.Fatalf("NewFileStream failed: %v", err)
	}

	first := s.playlist[s.idx]
	if got := s.advance(); got != filepath.Join(dir, "b.mp4") {
		t.Errorf("advance = %q, want the second entry", got)
	}
	if got := s.advance(); got != first {
		t.Errorf("advance past the end = %q, want wrap to %q", got, first)
	}
}

func TestResolveSourcesErrors(t *testing.T) {
	if _, err := ResolveSources(""); err == nil {
		t.Error("expected error for empty path")
	}
	if _, err := ResolveSources(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := ResolveSources(t.TempDir()); err == nil {
		t.Error("expected error for folder without videos")
	}
}
