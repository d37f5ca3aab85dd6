package channel

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "channels.json")
	s := NewFileStore(path)

	t.Run("missing_file", func(t *testing.T) {
		_, err := s.Load()
		if !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("expected fs.ErrNotExist, got %v", err)
		}
		if err := s.Clear(); err != nil {
			t.Errorf("Clear on missing file: %v", err)
		}
	})

	t.Run("save_creates_parent_and_omits_session", func(t *testing.T) {
		err := s.Save([]Channel{{ID: "1", Name: "n", URL: "u", Mode: ModeRestream, SessionURL: "https://secret"}})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if strings.Contains(string(data), "sessionUrl") {
			t.Errorf("session URL written to disk:\n%s", data)
		}
		if !strings.Contains(string(data), `"headers": []`) {
			t.Errorf("nil headers should persist as an empty list:\n%s", data)
		}
		got, err := s.Load()
		if err != nil || len(got) != 1 || got[0].Mode != ModeRestream {
			t.Errorf("Load after Save: %+v, %v", got, err)
		}
	})

	t.Run("clear_removes_file", func(t *testing.T) {
		if err := s.Clear(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("file still present: %v", err)
		}
	})
}

// blockingStore holds every Save until released, recording what it saw.
type blockingStore struct {
	MemoryStore
	release chan struct{}
	mu      sync.Mutex
	sizes   []int
}

func (s *blockingStore) Save(channels []Channel) error {
	<-s.release
	s.mu.Lock()
	s.sizes = append(s.sizes, len(channels))
	s.mu.Unlock()
	return s.MemoryStore.Save(channels)
}

func TestWriter_coalesces_and_flushes(t *testing.T) {
	store := &blockingStore{release: make(chan struct{})}
	w := newWriter(store, quietLogger())

	w.enqueue(make([]Channel, 1))
	w.enqueue(make([]Channel, 2))
	w.enqueue(make([]Channel, 3))
	close(store.release)

	if err := w.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, _ := store.Load()
	if len(got) != 3 {
		t.Errorf("latest snapshot should win, got %d channels", len(got))
	}
	store.mu.Lock()
	saves := len(store.sizes)
	store.mu.Unlock()
	if saves > 3 || saves < 1 {
		t.Errorf("unexpected save count %d", saves)
	}

	if err := w.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.enqueue(make([]Channel, 4))
	got, _ = store.Load()
	if len(got) != 4 {
		t.Errorf("enqueue after close should save synchronously, got %d", len(got))
	}
}

type failingStore struct{ MemoryStore }

func (*failingStore) Save([]Channel) error { return errors.New("disk full") }

func TestWriter_reports_last_error(t *testing.T) {
	w := newWriter(&failingStore{}, quietLogger())
	defer w.close()

	w.enqueue(nil)
	if err := w.flush(); err == nil || err.Error() != "disk full" {
		t.Errorf("expected disk full, got %v", err)
	}
}
