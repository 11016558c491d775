package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"clinicq/internal/docstore"

	"github.com/google/uuid"
)

// Event is one audited action on a visit. Events are hash-chained per visit
// so a removed or edited record breaks verification.
type Event struct {
	EventID   string         `json:"eventId"`
	VisitID   string         `json:"visitId"`
	Seq       int            `json:"seq"`
	Action    string         `json:"action"`
	ActorID   string         `json:"actorId"`
	ActorName string         `json:"actorName,omitempty"`
	Admin     bool           `json:"admin,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	PrevHash  string         `json:"prevHash,omitempty"`
	Hash      string         `json:"hash"`
}

type head struct {
	seq  int
	hash string
}

// Log appends audit events to the store. The chain head is tracked per visit
// for the lifetime of the process; a restart starts a fresh chain segment.
type Log struct {
	store docstore.Store
	now   func() time.Time

	mu    sync.Mutex
	heads map[string]head
}

func New(store docstore.Store, now func() time.Time) *Log {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Log{store: store, now: now, heads: make(map[string]head)}
}

func (l *Log) Append(ctx context.Context, visitID, action, actorID, actorName string, admin bool, details map[string]any) error {
	l.mu.Lock()
	prev := l.heads[visitID]
	seq := prev.seq + 1
	createdAt := l.now()
	hash := ComputeHash(prev.hash, visitID, action, actorID, createdAt, seq)
	l.heads[visitID] = head{seq: seq, hash: hash}
	l.mu.Unlock()

	event := Event{
		EventID:   uuid.NewString(),
		VisitID:   visitID,
		Seq:       seq,
		Action:    action,
		ActorID:   actorID,
		ActorName: actorName,
		Admin:     admin,
		Details:   details,
		CreatedAt: createdAt,
		PrevHash:  prev.hash,
		Hash:      hash,
	}
	fields := map[string]any{}
	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	_, err = l.store.Create(ctx, docstore.CollectionAudit, fields)
	return err
}

func ComputeHash(prevHash, visitID, action, actorID string, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, visitID, action, actorID, seq, createdAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain checks seq continuity and hash linkage of one visit's events,
// ordered by seq.
func VerifyChain(events []Event) error {
	prevHash := ""
	prevSeq := 0
	for _, event := range events {
		if event.Seq != prevSeq+1 {
			return fmt.Errorf("audit chain gap at seq %d for visit %s", event.Seq, event.VisitID)
		}
		if event.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at seq %d for visit %s", event.Seq, event.VisitID)
		}
		expected := ComputeHash(event.PrevHash, event.VisitID, event.Action, event.ActorID, event.CreatedAt, event.Seq)
		if event.Hash != expected {
			return fmt.Errorf("audit event hash mismatch at seq %d for visit %s", event.Seq, event.VisitID)
		}
		prevHash = event.Hash
		prevSeq = event.Seq
	}
	return nil
}
