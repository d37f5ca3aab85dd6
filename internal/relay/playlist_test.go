package relay

import (
	"os"
	"path/filepath"
	"testing"
)

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:6
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:1700000003
#EXT-X-INDEPENDENT-SEGMENTS
#EXTINF:6.000000,
ch-11700000003.ts
#EXTINF:6.000000,
ch-11700000004.ts
#EXTINF:5.960000,
ch-11700000005.ts
`

func TestProbe(t *testing.T) {
	root := t.TempDir()
	path := PlaylistPath(root, "ch-1")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(livePlaylist), 0o644); err != nil {
		t.Fatal(err)
	}

	info, err := Probe(root, "ch-1")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if info.MediaSequence != 1700000003 {
		t.Errorf("MediaSequence = %d", info.MediaSequence)
	}
	if info.Segments != 3 {
		t.Errorf("Segments = %d", info.Segments)
	}
	if info.TargetDuration != 6 {
		t.Errorf("TargetDuration = %v", info.TargetDuration)
	}
	if info.LastSegment != "ch-11700000005.ts" {
		t.Errorf("LastSegment = %q", info.LastSegment)
	}
}

func TestProbe_missing(t *testing.T) {
	if _, err := Probe(t.TempDir(), "nope"); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}
