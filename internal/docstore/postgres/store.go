package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"clinicq/internal/docstore"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store keeps each document as a JSONB row and every change in an append-only
// outbox. Subscribers replay the current rows, then tail the outbox.
//
// Schema:
//
//	CREATE TABLE documents (
//	    collection  TEXT        NOT NULL,
//	    doc_id      TEXT        NOT NULL,
//	    doc         JSONB       NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (collection, doc_id)
//	);
//
//	CREATE TABLE document_outbox (
//	    seq         BIGSERIAL   PRIMARY KEY,
//	    collection  TEXT        NOT NULL,
//	    doc_id      TEXT        NOT NULL,
//	    change_type TEXT        NOT NULL,
//	    doc         JSONB,
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX document_outbox_collection_seq ON document_outbox (collection, seq);
type Store struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
}

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	Now          func() time.Time
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	pollInterval := options.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Store{pool: pool, pollInterval: pollInterval, batchSize: batchSize, now: now}
}

func (s *Store) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	var doc []byte
	row := s.pool.QueryRow(ctx, `
		SELECT doc
		FROM documents
		WHERE collection = $1 AND doc_id = $2
	`, collection, id)
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, docstore.ErrNotFound
		}
		return nil, storeError(err)
	}
	return withID(id, doc), nil
}

func (s *Store) Create(ctx context.Context, collection string, fields map[string]any) (string, error) {
	id := uuid.NewString()

	doc := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		if value == nil {
			continue
		}
		doc[key] = value
	}
	doc["lastUpdated"] = s.now().Format(time.RFC3339Nano)
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", storeError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (collection, doc_id, doc, updated_at)
		VALUES ($1, $2, $3, $4)
	`, collection, id, docJSON, s.now())
	if err != nil {
		return "", storeError(err)
	}
	if err = insertOutbox(ctx, tx, collection, id, docstore.ChangeAdded, withID(id, docJSON), s.now()); err != nil {
		return "", storeError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return "", storeError(err)
	}
	return id, nil
}

func (s *Store) UpdateFields(ctx context.Context, collection, id string, fields map[string]any, pre *docstore.Precondition) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var docJSON []byte
	row := tx.QueryRow(ctx, `
		SELECT doc
		FROM documents
		WHERE collection = $1 AND doc_id = $2
		FOR UPDATE
	`, collection, id)
	if err = row.Scan(&docJSON); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return docstore.ErrNotFound
		}
		return storeError(err)
	}

	var doc map[string]any
	if err = json.Unmarshal(docJSON, &doc); err != nil {
		return err
	}
	if pre != nil {
		for key, expected := range pre.Fields {
			if !valueEqual(doc[key], expected) {
				err = docstore.ErrStale
				return err
			}
		}
	}
	mergeFields(doc, fields)
	doc["lastUpdated"] = s.now().Format(time.RFC3339Nano)
	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE documents
		SET doc = $1, updated_at = $2
		WHERE collection = $3 AND doc_id = $4
	`, updated, s.now(), collection, id)
	if err != nil {
		return storeError(err)
	}
	if err = insertOutbox(ctx, tx, collection, id, docstore.ChangeModified, withID(id, updated), s.now()); err != nil {
		return storeError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return storeError(err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return storeError(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		DELETE FROM documents
		WHERE collection = $1 AND doc_id = $2
	`, collection, id)
	if err != nil {
		return storeError(err)
	}
	if tag.RowsAffected() == 0 {
		err = docstore.ErrNotFound
		return err
	}
	if err = insertOutbox(ctx, tx, collection, id, docstore.ChangeRemoved, nil, s.now()); err != nil {
		return storeError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return storeError(err)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, collection string) (<-chan docstore.Event, func(), error) {
	// Pin the tail position before the snapshot so changes landing between
	// the two queries are replayed rather than lost. Duplicates are fine,
	// consumers apply events idempotently.
	var lastSeq int64
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(seq), 0)
		FROM document_outbox
		WHERE collection = $1
	`, collection)
	if err := row.Scan(&lastSeq); err != nil {
		return nil, nil, storeError(err)
	}

	snapshot, err := s.listDocuments(ctx, collection)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan docstore.Event, 1024)
	pollCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		for _, event := range snapshot {
			select {
			case ch <- event:
			case <-pollCtx.Done():
				return
			}
		}
		s.pollOutbox(pollCtx, collection, lastSeq, ch)
	}()

	return ch, cancel, nil
}

func (s *Store) listDocuments(ctx context.Context, collection string) ([]docstore.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, doc
		FROM documents
		WHERE collection = $1
		ORDER BY updated_at ASC
	`, collection)
	if err != nil {
		return nil, storeError(err)
	}
	defer rows.Close()

	var events []docstore.Event
	for rows.Next() {
		var id string
		var doc []byte
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, storeError(err)
		}
		events = append(events, docstore.Event{
			Collection: collection,
			ID:         id,
			Type:       docstore.ChangeAdded,
			Doc:        withID(id, doc),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storeError(err)
	}
	return events, nil
}

func (s *Store) pollOutbox(ctx context.Context, collection string, lastSeq int64, ch chan<- docstore.Event) {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.pollInterval
	retry.MaxInterval = 30 * time.Second

	wait := s.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		events, maxSeq, err := s.listOutboxEvents(ctx, collection, lastSeq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = retry.NextBackOff()
			log.Printf("docstore: outbox poll failed collection=%s retry_in=%s err=%v", collection, wait, err)
			continue
		}
		retry.Reset()
		wait = s.pollInterval

		for _, event := range events {
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
		if maxSeq > lastSeq {
			lastSeq = maxSeq
			// Full batch means more may be waiting, drain without delay.
			if len(events) >= s.batchSize {
				wait = 0
			}
		}
	}
}

func (s *Store) listOutboxEvents(ctx context.Context, collection string, after int64) ([]docstore.Event, int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seq, doc_id, change_type, doc
		FROM document_outbox
		WHERE collection = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, collection, after, s.batchSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []docstore.Event
	maxSeq := after
	for rows.Next() {
		var seq int64
		var id string
		var changeType string
		var doc []byte
		if err := rows.Scan(&seq, &id, &changeType, &doc); err != nil {
			return nil, 0, err
		}
		events = append(events, docstore.Event{
			Collection: collection,
			ID:         id,
			Type:       docstore.ChangeType(changeType),
			Doc:        doc,
		})
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return events, maxSeq, nil
}

func insertOutbox(ctx context.Context, tx pgx.Tx, collection, id string, changeType docstore.ChangeType, doc json.RawMessage, createdAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO document_outbox (collection, doc_id, change_type, doc, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, collection, id, string(changeType), []byte(doc), createdAt)
	return err
}

func withID(id string, doc []byte) json.RawMessage {
	var fields map[string]any
	if err := json.Unmarshal(doc, &fields); err != nil {
		log.Printf("docstore: decode document %s: %v", id, err)
		return json.RawMessage(`{}`)
	}
	fields["id"] = id
	raw, err := json.Marshal(fields)
	if err != nil {
		log.Printf("docstore: marshal document %s: %v", id, err)
		return json.RawMessage(`{}`)
	}
	return raw
}

func mergeFields(doc map[string]any, fields map[string]any) {
	for key, value := range fields {
		if value == nil {
			delete(doc, key)
			continue
		}
		patch, ok := value.(map[string]any)
		if !ok {
			doc[key] = value
			continue
		}
		existing, ok := doc[key].(map[string]any)
		if !ok {
			existing = make(map[string]any, len(patch))
		}
		mergeFields(existing, patch)
		doc[key] = existing
	}
}

func valueEqual(current, expected any) bool {
	if current == nil && expected == nil {
		return true
	}
	a, err := json.Marshal(current)
	if err != nil {
		return false
	}
	b, err := json.Marshal(expected)
	if err != nil {
		return false
	}
	return bytes.Equal(a, b)
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Join(docstore.ErrUnavailable, err)
}
