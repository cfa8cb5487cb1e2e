// Package storage defines the persistence interface for the document registry.
package storage

import (
	"context"
	"errors"

	"github.com/hyperjump/yakkan/internal/models"
)

// ErrNotFound is returned when a document or chunk does not exist.
var ErrNotFound = errors.New("not found")

// Storage keeps documents, their chunks with provenance, and pending delete intents.
type Storage interface {
	// Document operations
	SaveDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error)
	PatchDocument(ctx context.Context, id string, patch *models.DocumentPatch) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error)
	FindBySourcePath(ctx context.Context, path string) (*models.Document, error)

	// Chunk operations
	ReplaceChunks(ctx context.Context, docID string, chunks []*models.Chunk) error
	GetChunk(ctx context.Context, id string) (*models.Chunk, error)
	GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error)
	GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error)
	ListChunkIDs(ctx context.Context) (map[string]string, error)

	// Delete intents survive crashes between index deletes
	AddPendingDelete(ctx context.Context, docID string) error
	RemovePendingDelete(ctx context.Context, docID string) error
	ListPendingDeletes(ctx context.Context) ([]string, error)

	// Stats
	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
