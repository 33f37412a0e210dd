package downloader

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHandleFromURI(t *testing.T) {
	const hash = "c9e15763f722f23e98a29decdfae341b98d53056"
	h, err := HandleFromURI("magnet:?xt=urn:btih:" + hash + "&dn=Sintel")
	if err != nil {
		t.Fatalf("HandleFromURI: %v", err)
	}
	if string(h) != hash {
		t.Fatalf("handle = %s, want %s", h, hash)
	}

	upper, err := HandleFromURI("magnet:?xt=urn:btih:C9E15763F722F23E98A29DECDFAE341B98D53056")
	if err != nil {
		t.Fatalf("HandleFromURI upper: %v", err)
	}
	if upper != h {
		t.Fatalf("handles differ by case: %s vs %s", upper, h)
	}

	if _, err := HandleFromURI("https://example.com/book.torrent"); err == nil {
		t.Fatalf("expected error for non-magnet uri")
	}
}

func TestSpeedSampler(t *testing.T) {
	var s speedSampler
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if down, up := s.sample(start, 1000, 50); down != 0 || up != 0 {
		t.Fatalf("first sample should prime only, got %d/%d", down, up)
	}
	down, up := s.sample(start.Add(2*time.Second), 5000, 250)
	if down != 2000 || up != 100 {
		t.Fatalf("rates = %d/%d, want 2000/100", down, up)
	}
	// counters reset when a torrent is re-added
	down, up = s.sample(start.Add(3*time.Second), 10, 0)
	if down != 0 || up != 0 {
		t.Fatalf("negative deltas must clamp to zero, got %d/%d", down, up)
	}
	if down, up = s.sample(start.Add(3*time.Second), 20, 0); down != 0 || up != 0 {
		t.Fatalf("zero interval must not divide, got %d/%d", down, up)
	}
}

func TestRemovePayload(t *testing.T) {
	root := t.TempDir()
	savePath := filepath.Join(root, "b1")
	payload := filepath.Join(savePath, "Dune")
	if err := os.MkdirAll(payload, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(payload, "01.mp3"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := RemovePayload(savePath, "Dune"); err != nil {
		t.Fatalf("RemovePayload: %v", err)
	}
	if _, err := os.Stat(savePath); !os.IsNotExist(err) {
		t.Fatalf("empty save path should be removed, stat err = %v", err)
	}
}

func TestRemovePayloadKeepsSiblings(t *testing.T) {
	savePath := t.TempDir()
	if err := os.MkdirAll(filepath.Join(savePath, "Dune"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	keep := filepath.Join(savePath, "notes.txt")
	if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := RemovePayload(savePath, "Dune"); err != nil {
		t.Fatalf("RemovePayload: %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("sibling removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(savePath, "Dune")); !os.IsNotExist(err) {
		t.Fatalf("payload still present")
	}
}

func TestRemovePayloadRejectsEscape(t *testing.T) {
	savePath := filepath.Join(t.TempDir(), "b1")
	if err := os.MkdirAll(savePath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := RemovePayload(savePath, "../other"); err == nil {
		t.Fatalf("expected escape to be rejected")
	}
}

func TestRemovePayloadMissingDir(t *testing.T) {
	if err := RemovePayload(filepath.Join(t.TempDir(), "missing"), ""); err != nil {
		t.Fatalf("missing save path should be a no-op, got %v", err)
	}
}
