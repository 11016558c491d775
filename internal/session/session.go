package session

import (
	"context"
	"log"
	"sync"
	"time"

	"clinicq/internal/docstore"
)

// Manager owns the clerking sessions of this process. A session buffers
// clinical note edits for one (visit, writer) pair and persists them after a
// quiet period, on a periodic safety-net tick, or synchronously when the
// writer loses ownership. Writes target only the clerkingData subtree and
// merge field-by-field, so concurrent unrelated field updates survive.
type Manager struct {
	store    docstore.Store
	quiet    time.Duration
	interval time.Duration

	mu       sync.Mutex
	sessions map[sessionKey]*state
}

type sessionKey struct {
	visitID  string
	callerID string
}

type state struct {
	manager *Manager
	key     sessionKey

	mu       sync.Mutex
	pending  map[string]any
	debounce *time.Timer
	done     chan struct{}
}

type Options struct {
	// Quiet is the debounce window after the last edit. Interval is the
	// unconditional periodic flush guarding against a long typing session
	// never going quiet.
	Quiet    time.Duration
	Interval time.Duration
}

func NewManager(store docstore.Store, options Options) *Manager {
	quiet := options.Quiet
	if quiet <= 0 {
		quiet = 2 * time.Second
	}
	interval := options.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		store:    store,
		quiet:    quiet,
		interval: interval,
		sessions: make(map[sessionKey]*state),
	}
}

func (m *Manager) Open(visitID, callerID string) {
	key := sessionKey{visitID: visitID, callerID: callerID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[key]; ok {
		return
	}
	s := &state{manager: m, key: key, done: make(chan struct{})}
	m.sessions[key] = s
	go s.periodic(m.interval)
}

// Save buffers a partial note and (re)arms the debounce timer. It never
// blocks on store I/O.
func (m *Manager) Save(visitID, callerID string, note map[string]any) {
	m.Open(visitID, callerID)
	m.mu.Lock()
	s := m.sessions[sessionKey{visitID: visitID, callerID: callerID}]
	m.mu.Unlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[string]any)
	}
	mergeNote(s.pending, note)
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounce = time.AfterFunc(m.quiet, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.flush(ctx); err != nil {
			log.Printf("session: debounced flush failed visit=%s: %v", visitID, err)
		}
	})
	s.mu.Unlock()
}

// Flush persists the caller's buffered note immediately.
func (m *Manager) Flush(ctx context.Context, visitID, callerID string) error {
	m.mu.Lock()
	s := m.sessions[sessionKey{visitID: visitID, callerID: callerID}]
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.flush(ctx)
}

// CloseVisit tears down every session on the visit after one synchronous
// final flush. Called on pause, complete, admin override, and delete.
func (m *Manager) CloseVisit(ctx context.Context, visitID string) {
	m.mu.Lock()
	var closing []*state
	for key, s := range m.sessions {
		if key.visitID == visitID {
			closing = append(closing, s)
			delete(m.sessions, key)
		}
	}
	m.mu.Unlock()

	for _, s := range closing {
		s.close(ctx)
	}
}

// CloseAll flushes and tears down everything; used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	var closing []*state
	for key, s := range m.sessions {
		closing = append(closing, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	for _, s := range closing {
		s.close(ctx)
	}
}

func (s *state) periodic(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.flush(ctx); err != nil {
				log.Printf("session: periodic flush failed visit=%s: %v", s.key.visitID, err)
			}
			cancel()
		}
	}
}

// flush swaps the buffer out, writes it once, and restores it under any
// newer edits if the write fails.
func (s *state) flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	fields := map[string]any{"clerkingData": batch}
	err := s.manager.store.UpdateFields(ctx, docstore.CollectionVisits, s.key.visitID, fields, nil)
	if err == nil {
		return nil
	}

	s.mu.Lock()
	if s.pending == nil {
		s.pending = batch
	} else {
		// Edits made during the failed write win over the failed batch.
		newer := s.pending
		s.pending = batch
		mergeNote(s.pending, newer)
	}
	s.mu.Unlock()
	return err
}

func (s *state) close(ctx context.Context) {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Lock()
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.mu.Unlock()
	if err := s.flush(ctx); err != nil {
		log.Printf("session: final flush failed visit=%s: %v", s.key.visitID, err)
	}
}

// mergeNote folds src into dst, merging nested objects one level at a time.
// A nil value passes through so the store clears that field.
func mergeNote(dst, src map[string]any) {
	for key, value := range src {
		patch, ok := value.(map[string]any)
		if !ok {
			dst[key] = value
			continue
		}
		existing, ok := dst[key].(map[string]any)
		if !ok {
			existing = make(map[string]any, len(patch))
		}
		mergeNote(existing, patch)
		dst[key] = existing
	}
}
