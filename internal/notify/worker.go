package notify

import (
	"context"
	"log"
	"strings"
	"sync"

	"clinicq/internal/docstore"
	"clinicq/internal/models"
)

// Worker watches visit transitions and sends outbound patient messages.
// Delivery is best effort and never blocks or reverses a transition.
type Worker struct {
	whatsapp Provider

	mu         sync.Mutex
	lastStatus map[string]string
}

type WorkerConfig struct {
	// WhatsAppProvider selects the delivery backend: log, noop, fail,
	// webhook, or a webhook URL.
	WhatsAppProvider string
}

func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		whatsapp:   newProvider(cfg.WhatsAppProvider, "whatsapp"),
		lastStatus: make(map[string]string),
	}
}

func (w *Worker) Apply(ctx context.Context, event docstore.Event) {
	if event.Collection != docstore.CollectionVisits {
		return
	}
	if event.Type == docstore.ChangeRemoved {
		w.mu.Lock()
		delete(w.lastStatus, event.ID)
		w.mu.Unlock()
		return
	}
	visit, err := models.DecodeVisit(event.Doc)
	if err != nil {
		return
	}

	w.mu.Lock()
	previous, seen := w.lastStatus[event.ID]
	w.lastStatus[event.ID] = visit.Status
	w.mu.Unlock()

	if !seen || previous == visit.Status {
		return
	}
	if visit.Status != models.StatusCompleted || visit.Phone == "" {
		return
	}

	message := completionMessage(visit)
	if err := w.whatsapp.Send(ctx, message, normalizePhone(visit.Phone)); err != nil {
		log.Printf("notify: completion message failed visit=%s: %v", event.ID, err)
	}
}

func completionMessage(visit models.Visit) string {
	return "Hello " + visit.PatientName + ", your consultation has been completed. " +
		"Your provider will send any prescriptions or follow-up instructions shortly."
}

// normalizePhone strips punctuation and prefixes the default country code
// for local-format numbers.
func normalizePhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	clean := digits.String()
	if len(clean) == 9 && !strings.HasPrefix(clean, "254") {
		return "254" + clean
	}
	if len(clean) == 10 && strings.HasPrefix(clean, "0") {
		return "254" + clean[1:]
	}
	return clean
}
