package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"clinicq/internal/docstore"
)

type captureProvider struct {
	mu         sync.Mutex
	messages   []string
	recipients []string
}

func (p *captureProvider) Send(ctx context.Context, message, recipient string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
	p.recipients = append(p.recipients, recipient)
	return nil
}

func workerEvent(t *testing.T, id string, fields map[string]any) docstore.Event {
	t.Helper()
	raw, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return docstore.Event{Collection: docstore.CollectionVisits, ID: id, Type: docstore.ChangeModified, Doc: raw}
}

func TestWorkerSendsOnCompletionTransition(t *testing.T) {
	capture := &captureProvider{}
	worker := NewWorker(WorkerConfig{})
	worker.whatsapp = capture
	ctx := context.Background()

	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{
		"patientName": "Alice", "status": "in_progress", "phone": "0712345678",
	}))
	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{
		"patientName": "Alice", "status": "completed", "phone": "0712345678",
	}))

	if len(capture.messages) != 1 {
		t.Fatalf("messages = %d", len(capture.messages))
	}
	if capture.recipients[0] != "254712345678" {
		t.Fatalf("recipient = %q", capture.recipients[0])
	}
}

func TestWorkerSkipsFirstSightCompletion(t *testing.T) {
	capture := &captureProvider{}
	worker := NewWorker(WorkerConfig{})
	worker.whatsapp = capture

	// A completed visit replayed from the initial snapshot is not a fresh
	// transition.
	worker.Apply(context.Background(), workerEvent(t, "v1", map[string]any{
		"patientName": "Alice", "status": "completed", "phone": "0712345678",
	}))

	if len(capture.messages) != 0 {
		t.Fatalf("messages = %d", len(capture.messages))
	}
}

func TestWorkerSkipsMissingPhone(t *testing.T) {
	capture := &captureProvider{}
	worker := NewWorker(WorkerConfig{})
	worker.whatsapp = capture
	ctx := context.Background()

	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{"patientName": "Alice", "status": "in_progress"}))
	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{"patientName": "Alice", "status": "completed"}))

	if len(capture.messages) != 0 {
		t.Fatalf("messages = %d", len(capture.messages))
	}
}

func TestWorkerForgetsRemovedVisits(t *testing.T) {
	capture := &captureProvider{}
	worker := NewWorker(WorkerConfig{})
	worker.whatsapp = capture
	ctx := context.Background()

	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{"patientName": "Alice", "status": "in_progress", "phone": "0712345678"}))
	worker.Apply(ctx, docstore.Event{Collection: docstore.CollectionVisits, ID: "v1", Type: docstore.ChangeRemoved})
	worker.Apply(ctx, workerEvent(t, "v1", map[string]any{"patientName": "Alice", "status": "completed", "phone": "0712345678"}))

	if len(capture.messages) != 0 {
		t.Fatalf("messages = %d", len(capture.messages))
	}
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0712345678", "254712345678"},
		{"712345678", "254712345678"},
		{"+254 712 345 678", "254712345678"},
		{"254712345678", "254712345678"},
		{"0712-345-678", "254712345678"},
		{"12025550123", "12025550123"},
	}
	for _, tt := range cases {
		if got := normalizePhone(tt.in); got != tt.want {
			t.Fatalf("normalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
