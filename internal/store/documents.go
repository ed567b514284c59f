package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ProcessingStatus is the ingestion state of a document.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Visibility of a document to queries.
type Visibility string

const (
	VisibilityActive   Visibility = "active"
	VisibilityInactive Visibility = "inactive"
)

// Document is an uploaded legal source.
type Document struct {
	ID                  string
	Title               string
	Category            string
	Institution         string
	ProcessingStatus    ProcessingStatus
	Status              Visibility
	FileRef             string
	FileName            string
	ErrorMessage        string
	Attempts            int
	ChunkCount          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
}

// DocumentFilter narrows ListDocuments. Zero fields match everything.
type DocumentFilter struct {
	ProcessingStatuses []ProcessingStatus
	Institution        string
	ActiveOnly         bool
}

const documentColumns = `id, title, category, institution, processing_status, status, file_ref,
	file_name, error_message, attempts, chunk_count, created_at, updated_at, processing_started_at`

// CreateDocument inserts a pending document.
func (s *Store) CreateDocument(ctx context.Context, doc Document) (*Document, error) {
	if doc.ID == "" || doc.FileRef == "" {
		return nil, fmt.Errorf("%w: document id and file ref are required", ErrInvalidArgument)
	}
	if doc.Title == "" {
		doc.Title = doc.FileName
	}
	if doc.Status == "" {
		doc.Status = VisibilityActive
	}
	now := s.now().UTC()
	doc.ProcessingStatus = StatusPending
	doc.CreatedAt, doc.UpdatedAt = now, now
	doc.Attempts, doc.ChunkCount = 0, 0
	doc.ErrorMessage, doc.ProcessingStartedAt = "", nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', 0, 0, ?, ?, NULL)`,
		doc.ID, doc.Title, doc.Category, doc.Institution, doc.ProcessingStatus, doc.Status,
		doc.FileRef, doc.FileName, toMillis(now), toMillis(now))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: document %s", ErrAlreadyExists, doc.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	return &doc, nil
}

// GetDocument returns the document with id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns matching documents ordered by creation time.
func (s *Store) ListDocuments(ctx context.Context, f DocumentFilter) ([]Document, error) {
	var (
		where []string
		args  []any
	)
	if len(f.ProcessingStatuses) > 0 {
		ph := make([]string, len(f.ProcessingStatuses))
		for i, st := range f.ProcessingStatuses {
			ph[i] = "?"
			args = append(args, st)
		}
		where = append(where, "processing_status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.Institution != "" {
		where = append(where, "institution = ?")
		args = append(args, f.Institution)
	}
	if f.ActiveOnly {
		where = append(where, "status = 'active'")
	}

	q := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

// Documents returns the documents with the given ids keyed by id. Unknown
// ids are absent from the map.
func (s *Store) Documents(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+strings.Join(ph, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out[doc.ID] = *doc
	}
	return out, rows.Err()
}

// Searchable reports whether the document's chunks may be served: it is
// active and its last ingestion completed.
func (d Document) Searchable() bool {
	return d.Status == VisibilityActive && d.ProcessingStatus == StatusCompleted
}

// DocumentIDsByInstitution returns the ids of searchable documents from
// institution.
func (s *Store) DocumentIDsByInstitution(ctx context.Context, institution string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM documents
		WHERE institution = ? AND status = 'active' AND processing_status = 'completed'
		ORDER BY id`, institution)
	if err != nil {
		return nil, fmt.Errorf("list document ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ResetForIngestion moves a document back to pending. With resetAttempts the
// attempt counter starts over, as a manual retry does.
func (s *Store) ResetForIngestion(ctx context.Context, id string, resetAttempts bool) error {
	q := `UPDATE documents SET processing_status = 'pending', error_message = '',
		processing_started_at = NULL, updated_at = ?`
	if resetAttempts {
		q += `, attempts = 0`
	}
	q += ` WHERE id = ?`
	return s.execOne(ctx, id, q, toMillis(s.now()), id)
}

// MarkProcessing records the start of an attempt and returns the new attempt
// number.
func (s *Store) MarkProcessing(ctx context.Context, id string) (int, error) {
	now := toMillis(s.now())
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET processing_status = 'processing', attempts = attempts + 1, error_message = '',
			processing_started_at = ?, updated_at = ?
		WHERE id = ?
		RETURNING attempts`, now, now, id).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}
	return attempts, nil
}

// MarkCompleted records a successful ingestion.
func (s *Store) MarkCompleted(ctx context.Context, id string, chunkCount int) error {
	return s.execOne(ctx, id, `
		UPDATE documents
		SET processing_status = 'completed', chunk_count = ?, error_message = '', updated_at = ?
		WHERE id = ?`, chunkCount, toMillis(s.now()), id)
}

// MarkFailed records a failed attempt.
func (s *Store) MarkFailed(ctx context.Context, id, message string) error {
	return s.execOne(ctx, id, `
		UPDATE documents
		SET processing_status = 'failed', error_message = ?, updated_at = ?
		WHERE id = ?`, message, toMillis(s.now()), id)
}

// FailStale marks every document processing since before cutoff as failed
// and returns their ids.
func (s *Store) FailStale(ctx context.Context, cutoff time.Time, message string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE documents
		SET processing_status = 'failed', error_message = ?, updated_at = ?
		WHERE processing_status = 'processing'
			AND processing_started_at IS NOT NULL AND processing_started_at < ?
		RETURNING id`, message, toMillis(s.now()), toMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("fail stale documents: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetVisibility activates or deactivates a document for queries.
func (s *Store) SetVisibility(ctx context.Context, id string, v Visibility) error {
	if v != VisibilityActive && v != VisibilityInactive {
		return fmt.Errorf("%w: visibility %q", ErrInvalidArgument, v)
	}
	return s.execOne(ctx, id, `UPDATE documents SET status = ?, updated_at = ? WHERE id = ?`,
		v, toMillis(s.now()), id)
}

func (s *Store) execOne(ctx context.Context, id, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update document %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: document %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var (
		doc               Document
		created, updated  int64
		processingStarted sql.NullInt64
	)
	if err := row.Scan(&doc.ID, &doc.Title, &doc.Category, &doc.Institution, &doc.ProcessingStatus,
		&doc.Status, &doc.FileRef, &doc.FileName, &doc.ErrorMessage, &doc.Attempts, &doc.ChunkCount,
		&created, &updated, &processingStarted); err != nil {
		return nil, err
	}
	doc.CreatedAt = fromMillis(created)
	doc.UpdatedAt = fromMillis(updated)
	doc.ProcessingStartedAt = timePtr(processingStarted)
	return &doc, nil
}
