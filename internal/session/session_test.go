package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicq/internal/docstore"
	"clinicq/internal/docstore/memory"
)

type fakeStore struct {
	mu       sync.Mutex
	updates  []map[string]any
	updateFn func(fields map[string]any) error
}

func (f *fakeStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	return nil, docstore.ErrNotFound
}

func (f *fakeStore) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	return "", nil
}

func (f *fakeStore) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, pre *docstore.Precondition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateFn != nil {
		if err := f.updateFn(fields); err != nil {
			return err
		}
	}
	f.updates = append(f.updates, fields)
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, collection, id string) error {
	return nil
}

func (f *fakeStore) Subscribe(ctx context.Context, collection string) (<-chan docstore.Event, func(), error) {
	return nil, func() {}, nil
}

func (f *fakeStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func clerkingOf(t *testing.T, store *memory.Store, id string) map[string]any {
	t.Helper()
	raw, err := store.Get(context.Background(), docstore.CollectionVisits, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	clerking, _ := doc["clerkingData"].(map[string]any)
	return clerking
}

func TestDebouncedFlush(t *testing.T) {
	store := memory.New(memory.Options{})
	id, _ := store.Create(context.Background(), docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	m := NewManager(store, Options{Quiet: 30 * time.Millisecond, Interval: time.Hour})

	m.Save(id, "p1", map[string]any{"hpi": "chest pain"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if clerking := clerkingOf(t, store, id); clerking["hpi"] == "chest pain" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("note never flushed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSaveDoesNotWriteImmediately(t *testing.T) {
	store := memory.New(memory.Options{})
	id, _ := store.Create(context.Background(), docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})
	defer m.CloseAll(context.Background())

	m.Save(id, "p1", map[string]any{"hpi": "chest pain"})
	if clerking := clerkingOf(t, store, id); clerking != nil {
		t.Fatalf("note written before quiet period: %v", clerking)
	}
}

func TestCloseVisitFlushesBufferedEdits(t *testing.T) {
	store := memory.New(memory.Options{})
	ctx := context.Background()
	id, _ := store.Create(ctx, docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save(id, "p1", map[string]any{"hpi": "chest pain"})
	m.Save(id, "p1", map[string]any{"plan": "rest"})
	m.CloseVisit(ctx, id)

	clerking := clerkingOf(t, store, id)
	if clerking["hpi"] != "chest pain" || clerking["plan"] != "rest" {
		t.Fatalf("clerking = %v", clerking)
	}
}

func TestFlushMergesWithConcurrentFieldUpdates(t *testing.T) {
	store := memory.New(memory.Options{})
	ctx := context.Background()
	id, _ := store.Create(ctx, docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save(id, "p1", map[string]any{"hpi": "chest pain"})
	// Another writer flips an unrelated field while the note is buffered.
	if err := store.UpdateFields(ctx, docstore.CollectionVisits, id, map[string]any{"urgent": true}, nil); err != nil {
		t.Fatalf("urgent update: %v", err)
	}
	if err := m.Flush(ctx, id, "p1"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw, _ := store.Get(ctx, docstore.CollectionVisits, id)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	if doc["urgent"] != true {
		t.Fatal("urgent flag clobbered by clerking flush")
	}
	clerking := doc["clerkingData"].(map[string]any)
	if clerking["hpi"] != "chest pain" {
		t.Fatalf("clerking = %v", clerking)
	}
}

func TestFlushWritesPendingExactlyOnce(t *testing.T) {
	store := &fakeStore{}
	ctx := context.Background()
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save("v1", "p1", map[string]any{"hpi": "note"})
	if err := m.Flush(ctx, "v1", "p1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := m.Flush(ctx, "v1", "p1"); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	m.CloseVisit(ctx, "v1")

	if store.writeCount() != 1 {
		t.Fatalf("writes = %d, want 1", store.writeCount())
	}
}

func TestFailedFlushKeepsBuffer(t *testing.T) {
	store := &fakeStore{}
	failures := 1
	store.updateFn = func(fields map[string]any) error {
		if failures > 0 {
			failures--
			return docstore.ErrUnavailable
		}
		return nil
	}
	ctx := context.Background()
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save("v1", "p1", map[string]any{"hpi": "note"})
	if err := m.Flush(ctx, "v1", "p1"); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("flush err = %v", err)
	}

	// The buffer survives the failure and the retry carries it.
	if err := m.Flush(ctx, "v1", "p1"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if store.writeCount() != 1 {
		t.Fatalf("writes = %d", store.writeCount())
	}
	clerking := store.updates[0]["clerkingData"].(map[string]any)
	if clerking["hpi"] != "note" {
		t.Fatalf("clerking = %v", clerking)
	}
}

func TestNewerEditsWinOverFailedBatch(t *testing.T) {
	store := &fakeStore{}
	fail := true
	store.updateFn = func(fields map[string]any) error {
		if fail {
			return docstore.ErrUnavailable
		}
		return nil
	}
	ctx := context.Background()
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save("v1", "p1", map[string]any{"hpi": "first"})
	_ = m.Flush(ctx, "v1", "p1")
	m.Save("v1", "p1", map[string]any{"hpi": "second"})

	fail = false
	if err := m.Flush(ctx, "v1", "p1"); err != nil {
		t.Fatalf("flush: %v", err)
	}
	clerking := store.updates[0]["clerkingData"].(map[string]any)
	if clerking["hpi"] != "second" {
		t.Fatalf("hpi = %v, newer edit should win", clerking["hpi"])
	}
}

func TestCloseVisitTearsDownAllWriters(t *testing.T) {
	store := memory.New(memory.Options{})
	ctx := context.Background()
	id, _ := store.Create(ctx, docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save(id, "p1", map[string]any{"hpi": "provider note"})
	m.Save(id, "admin1", map[string]any{"plan": "admin note"})
	m.CloseVisit(ctx, id)

	clerking := clerkingOf(t, store, id)
	if clerking["hpi"] != "provider note" || clerking["plan"] != "admin note" {
		t.Fatalf("clerking = %v", clerking)
	}

	m.mu.Lock()
	remaining := len(m.sessions)
	m.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("sessions remaining = %d", remaining)
	}
}

func TestCloseAllFlushesEverything(t *testing.T) {
	store := memory.New(memory.Options{})
	ctx := context.Background()
	first, _ := store.Create(ctx, docstore.CollectionVisits, map[string]any{"status": "in_progress"})
	second, _ := store.Create(ctx, docstore.CollectionVisits, map[string]any{"status": "paused"})
	m := NewManager(store, Options{Quiet: time.Hour, Interval: time.Hour})

	m.Save(first, "p1", map[string]any{"hpi": "one"})
	m.Save(second, "p2", map[string]any{"hpi": "two"})
	m.CloseAll(ctx)

	if clerking := clerkingOf(t, store, first); clerking["hpi"] != "one" {
		t.Fatalf("first = %v", clerking)
	}
	if clerking := clerkingOf(t, store, second); clerking["hpi"] != "two" {
		t.Fatalf("second = %v", clerking)
	}
}
