package projection

import (
	"log"
	"sort"
	"strings"
	"sync"

	"clinicq/internal/docstore"
	"clinicq/internal/models"
)

// Projection folds the raw change stream into an ordered in-memory queue
// view. Applying a snapshot is last-write-wins per document, so redelivery
// of the same event is harmless.
type Projection struct {
	mu    sync.RWMutex
	items map[string]models.Visit
}

func New() *Projection {
	return &Projection{items: make(map[string]models.Visit)}
}

func (p *Projection) Apply(event docstore.Event) {
	if event.Collection != docstore.CollectionVisits {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if event.Type == docstore.ChangeRemoved {
		delete(p.items, event.ID)
		return
	}
	visit, err := models.DecodeVisit(event.Doc)
	if err != nil {
		log.Printf("projection: drop undecodable snapshot id=%s: %v", event.ID, err)
		return
	}
	visit.ID = event.ID
	p.items[event.ID] = visit
}

func (p *Projection) Get(id string) (models.Visit, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	visit, ok := p.items[id]
	return visit, ok
}

// Items returns the full queue ordered urgent-first, newest-first, with the
// visit id as a deterministic tie-break.
func (p *Projection) Items() []models.Visit {
	p.mu.RLock()
	visits := make([]models.Visit, 0, len(p.items))
	for _, visit := range p.items {
		visits = append(visits, visit)
	}
	p.mu.RUnlock()

	sort.Slice(visits, func(i, j int) bool {
		if visits[i].Urgent != visits[j].Urgent {
			return visits[i].Urgent
		}
		if !visits[i].CreatedAt.Equal(visits[j].CreatedAt) {
			return visits[i].CreatedAt.After(visits[j].CreatedAt)
		}
		return visits[i].ID < visits[j].ID
	})
	return visits
}

// The filter views below are pure functions over an already projected list.

func ByStatus(visits []models.Visit, status string) []models.Visit {
	status = models.NormalizeStatus(status)
	var out []models.Visit
	for _, visit := range visits {
		if visit.Status == status {
			out = append(out, visit)
		}
	}
	return out
}

// Mine keeps visits the caller either attends or is reserved for.
func Mine(visits []models.Visit, callerID string) []models.Visit {
	var out []models.Visit
	for _, visit := range visits {
		if visit.AttendingProviderID == callerID || visit.AssignedProviderID == callerID {
			out = append(out, visit)
		}
	}
	return out
}

func Search(visits []models.Visit, term string) []models.Visit {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return visits
	}
	var out []models.Visit
	for _, visit := range visits {
		if containsFold(visit.PatientName, term) ||
			containsFold(visit.Service, term) ||
			containsFold(visit.Symptoms, term) ||
			containsFold(visit.Phone, term) {
			out = append(out, visit)
		}
	}
	return out
}

func ByDate(visits []models.Visit, date string) []models.Visit {
	var out []models.Visit
	for _, visit := range visits {
		if visit.PreferredDate == date {
			out = append(out, visit)
		}
	}
	return out
}

func UrgentOnly(visits []models.Visit) []models.Visit {
	var out []models.Visit
	for _, visit := range visits {
		if visit.Urgent {
			out = append(out, visit)
		}
	}
	return out
}

func containsFold(value, lowerTerm string) bool {
	return strings.Contains(strings.ToLower(value), lowerTerm)
}
