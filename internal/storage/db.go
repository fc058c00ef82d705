// Package storage provides Postgres persistence for the KRAI engine:
// documents, chunks, media, intelligence rows, embeddings, and the
// pipeline's tracking tables.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/krai-tech/krai-engine/internal/config"
)

// DB is the minimal database interface used by repositories.
// Satisfied by *sql.DB and *sql.Tx.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Open connects to Postgres using the configured DSN and pool settings.
func Open(cfg config.DatabaseConfig) (*sql.DB, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url not configured")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// Repositories bundles all repository instances over one database handle.
type Repositories struct {
	Documents    *DocumentsRepo
	Chunks       *ChunksRepo
	Markers      *MarkersRepo
	Statuses     *StatusRepo
	Queue        *QueueRepo
	Media        *MediaRepo
	Tables       *TablesRepo
	Intelligence *IntelligenceRepo
	Embeddings   *EmbeddingsRepo
	Analytics    *AnalyticsRepo
}

// NewRepositories creates all repositories sharing the given handle.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Documents:    NewDocumentsRepo(db),
		Chunks:       NewChunksRepo(db),
		Markers:      NewMarkersRepo(db),
		Statuses:     NewStatusRepo(db),
		Queue:        NewQueueRepo(db),
		Media:        NewMediaRepo(db),
		Tables:       NewTablesRepo(db),
		Intelligence: NewIntelligenceRepo(db),
		Embeddings:   NewEmbeddingsRepo(db),
		Analytics:    NewAnalyticsRepo(db),
	}
}
