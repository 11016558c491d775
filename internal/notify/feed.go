package notify

import (
	"fmt"
	"sync"
	"time"

	"clinicq/internal/docstore"
	"clinicq/internal/models"
)

// Update is one human-readable line in the activity feed.
type Update struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed narrates change events into a bounded buffer, newest first, with an
// unread counter. It never gates a transition and never re-derives
// permission decisions.
type Feed struct {
	mu         sync.Mutex
	capacity   int
	updates    []Update
	unread     int
	lastStatus map[string]string
	now        func() time.Time
}

func NewFeed(capacity int, now func() time.Time) *Feed {
	if capacity <= 0 {
		capacity = 20
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Feed{capacity: capacity, lastStatus: make(map[string]string), now: now}
}

func (f *Feed) Apply(event docstore.Event) {
	if event.Collection != docstore.CollectionVisits {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if event.Type == docstore.ChangeRemoved {
		delete(f.lastStatus, event.ID)
		return
	}
	visit, err := models.DecodeVisit(event.Doc)
	if err != nil {
		return
	}
	previous, seen := f.lastStatus[event.ID]
	f.lastStatus[event.ID] = visit.Status

	switch {
	case !seen && visit.Status == models.StatusWaiting:
		f.push("new_patient", fmt.Sprintf("New patient %s added to waiting queue", visit.PatientName))
	case seen && previous != visit.Status:
		f.push("status_change", fmt.Sprintf("Patient %s status changed to %s", visit.PatientName, visit.Status))
	}
}

func (f *Feed) push(kind, message string) {
	update := Update{Type: kind, Message: message, Timestamp: f.now()}
	f.updates = append([]Update{update}, f.updates...)
	if len(f.updates) > f.capacity {
		f.updates = f.updates[:f.capacity]
	}
	f.unread++
}

func (f *Feed) Updates() []Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Update, len(f.updates))
	copy(out, f.updates)
	return out
}

func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

func (f *Feed) MarkRead() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unread = 0
}
