package projection

import (
	"encoding/json"
	"testing"
	"time"

	"clinicq/internal/docstore"
	"clinicq/internal/models"
)

func visitEvent(t *testing.T, id string, changeType docstore.ChangeType, fields map[string]any) docstore.Event {
	t.Helper()
	var doc json.RawMessage
	if fields != nil {
		fields["id"] = id
		raw, err := json.Marshal(fields)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		doc = raw
	}
	return docstore.Event{Collection: docstore.CollectionVisits, ID: id, Type: changeType, Doc: doc}
}

func TestApplyAndRemove(t *testing.T) {
	p := New()
	p.Apply(visitEvent(t, "v1", docstore.ChangeAdded, map[string]any{"patientName": "Alice", "status": "waiting"}))

	visit, ok := p.Get("v1")
	if !ok || visit.PatientName != "Alice" {
		t.Fatalf("visit = %+v ok=%v", visit, ok)
	}

	p.Apply(visitEvent(t, "v1", docstore.ChangeRemoved, nil))
	if _, ok := p.Get("v1"); ok {
		t.Fatal("visit still present after removal")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	p := New()
	event := visitEvent(t, "v1", docstore.ChangeAdded, map[string]any{"patientName": "Alice", "status": "waiting"})
	p.Apply(event)
	p.Apply(event)
	p.Apply(visitEvent(t, "v1", docstore.ChangeModified, map[string]any{"patientName": "Alice", "status": "in_progress"}))

	if items := p.Items(); len(items) != 1 || items[0].Status != models.StatusInProgress {
		t.Fatalf("items = %+v", items)
	}
}

func TestApplyNormalizesLegacyStatus(t *testing.T) {
	p := New()
	p.Apply(visitEvent(t, "v1", docstore.ChangeAdded, map[string]any{"patientName": "Alice", "status": "Pending"}))
	p.Apply(visitEvent(t, "v2", docstore.ChangeAdded, map[string]any{"patientName": "Bob", "status": "In-Progress", "age": 42}))

	v1, _ := p.Get("v1")
	if v1.Status != models.StatusWaiting {
		t.Fatalf("v1 status = %q", v1.Status)
	}
	v2, _ := p.Get("v2")
	if v2.Status != models.StatusInProgress || v2.Age != "42" {
		t.Fatalf("v2 = %+v", v2)
	}
}

func TestApplyIgnoresOtherCollections(t *testing.T) {
	p := New()
	p.Apply(docstore.Event{Collection: docstore.CollectionProviders, ID: "p1", Type: docstore.ChangeAdded, Doc: json.RawMessage(`{"displayName":"Dr One"}`)})
	if items := p.Items(); len(items) != 0 {
		t.Fatalf("items = %+v", items)
	}
}

func TestItemsOrderUrgentFirstThenNewest(t *testing.T) {
	p := New()
	base := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)
	p.Apply(visitEvent(t, "old", docstore.ChangeAdded, map[string]any{
		"patientName": "Old", "status": "waiting", "createdAt": base.Format(time.RFC3339Nano),
	}))
	p.Apply(visitEvent(t, "new", docstore.ChangeAdded, map[string]any{
		"patientName": "New", "status": "waiting", "createdAt": base.Add(time.Hour).Format(time.RFC3339Nano),
	}))
	p.Apply(visitEvent(t, "urgent", docstore.ChangeAdded, map[string]any{
		"patientName": "Urgent", "status": "waiting", "urgent": true, "createdAt": base.Format(time.RFC3339Nano),
	}))

	items := p.Items()
	if len(items) != 3 {
		t.Fatalf("len = %d", len(items))
	}
	if items[0].ID != "urgent" || items[1].ID != "new" || items[2].ID != "old" {
		t.Fatalf("order = %s %s %s", items[0].ID, items[1].ID, items[2].ID)
	}
}

func TestItemsOrderBreaksTiesByID(t *testing.T) {
	p := New()
	created := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC).Format(time.RFC3339Nano)
	p.Apply(visitEvent(t, "b", docstore.ChangeAdded, map[string]any{"patientName": "B", "status": "waiting", "createdAt": created}))
	p.Apply(visitEvent(t, "a", docstore.ChangeAdded, map[string]any{"patientName": "A", "status": "waiting", "createdAt": created}))

	items := p.Items()
	if items[0].ID != "a" || items[1].ID != "b" {
		t.Fatalf("order = %s %s", items[0].ID, items[1].ID)
	}
}

func TestFilters(t *testing.T) {
	visits := []models.Visit{
		{ID: "v1", PatientName: "Alice Kamau", Status: models.StatusWaiting, Service: "General", AssignedProviderID: "p1", PreferredDate: "2026-09-01"},
		{ID: "v2", PatientName: "Bob Otieno", Status: models.StatusInProgress, Symptoms: "fever", AttendingProviderID: "p1", Urgent: true},
		{ID: "v3", PatientName: "Carol", Status: models.StatusWaiting, Phone: "0712345678", PreferredDate: "2026-09-02"},
	}

	if got := ByStatus(visits, "waiting"); len(got) != 2 {
		t.Fatalf("ByStatus = %d", len(got))
	}
	if got := ByStatus(visits, "Pending"); len(got) != 2 {
		t.Fatalf("ByStatus legacy = %d", len(got))
	}
	if got := Mine(visits, "p1"); len(got) != 2 {
		t.Fatalf("Mine = %d", len(got))
	}
	if got := Search(visits, "fever"); len(got) != 1 || got[0].ID != "v2" {
		t.Fatalf("Search symptoms = %+v", got)
	}
	if got := Search(visits, "ALICE"); len(got) != 1 || got[0].ID != "v1" {
		t.Fatalf("Search name = %+v", got)
	}
	if got := Search(visits, "0712"); len(got) != 1 || got[0].ID != "v3" {
		t.Fatalf("Search phone = %+v", got)
	}
	if got := ByDate(visits, "2026-09-01"); len(got) != 1 || got[0].ID != "v1" {
		t.Fatalf("ByDate = %+v", got)
	}
	if got := UrgentOnly(visits); len(got) != 1 || got[0].ID != "v2" {
		t.Fatalf("UrgentOnly = %+v", got)
	}
}

func TestAvailableSlots(t *testing.T) {
	visits := []models.Visit{
		{ID: "v1", Status: models.StatusWaiting, PreferredDate: "2026-09-01", PreferredTime: "08:00"},
		{ID: "v2", Status: models.StatusCompleted, PreferredDate: "2026-09-01", PreferredTime: "08:15"},
		{ID: "v3", Status: models.StatusInProgress, PreferredDate: "2026-09-02", PreferredTime: "08:30"},
	}

	slots := AvailableSlots(visits, "2026-09-01", "")
	// 10 hours of 15-minute slots, one taken; completed visits free theirs.
	if len(slots) != 39 {
		t.Fatalf("len = %d", len(slots))
	}
	for _, slot := range slots {
		if slot == "08:00" {
			t.Fatal("08:00 should be occupied")
		}
	}
	if slots[0] != "08:15" {
		t.Fatalf("first slot = %q", slots[0])
	}
	if slots[len(slots)-1] != "17:45" {
		t.Fatalf("last slot = %q", slots[len(slots)-1])
	}

	// The excluded visit does not occupy its own slot.
	slots = AvailableSlots(visits, "2026-09-01", "v1")
	if len(slots) != 40 {
		t.Fatalf("len with except = %d", len(slots))
	}
}
