// Package models defines the domain types shared by ingestion and retrieval.
package models

import (
	"time"

	"github.com/hyperjump/yakkan/internal/errs"
)

// DocumentStatus is the lifecycle state of an ingested policy document.
type DocumentStatus string

const (
	StatusActive    DocumentStatus = "active"
	StatusSuspended DocumentStatus = "suspended"
	StatusArchived  DocumentStatus = "archived"
)

// Valid reports whether s is a known lifecycle status.
func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusArchived:
		return true
	}
	return false
}

// Document is an ingested insurance policy file. Everything except Status and Summary
// is fixed at upload time.
type Document struct {
	ID            string                 `json:"id" db:"id"`
	Title         string                 `json:"title" db:"title"`
	Issuer        string                 `json:"issuer" db:"issuer"`
	Category      string                 `json:"category" db:"category"`
	ProductName   string                 `json:"product_name" db:"product_name"`
	SaleStart     *time.Time             `json:"sale_start,omitempty" db:"sale_start"`
	SaleEnd       *time.Time             `json:"sale_end,omitempty" db:"sale_end"`
	Status        DocumentStatus         `json:"status" db:"status"`
	Tier          Tier                   `json:"tier" db:"tier"`
	Summary       string                 `json:"summary,omitempty" db:"summary"`
	OriginalPath  string                 `json:"original_path,omitempty" db:"original_path"`
	ConvertedPath string                 `json:"converted_path,omitempty" db:"converted_path"`
	Metadata      map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" db:"updated_at"`
}

// Validate checks required fields and fills Status when unset.
func (d *Document) Validate() error {
	if d.ID == "" {
		return errs.Validation("document.validate", "document id is required")
	}
	if !d.Tier.Valid() {
		return errs.Validation("document.validate", "document %s has invalid tier %q", d.ID, d.Tier)
	}
	if d.Status == "" {
		d.Status = StatusActive
	}
	if !d.Status.Valid() {
		return errs.Validation("document.validate", "document %s has invalid status %q", d.ID, d.Status)
	}
	if d.SaleStart != nil && d.SaleEnd != nil && d.SaleEnd.Before(*d.SaleStart) {
		return errs.Validation("document.validate", "document %s sale window ends before it starts", d.ID)
	}
	return nil
}

// DocumentPatch carries the only mutable Document attributes.
type DocumentPatch struct {
	Status  *DocumentStatus `json:"status,omitempty"`
	Summary *string         `json:"summary,omitempty"`
}

// Validate rejects empty patches and unknown statuses.
func (p *DocumentPatch) Validate() error {
	if p.Status == nil && p.Summary == nil {
		return errs.Validation("document.patch", "patch must set status or summary")
	}
	if p.Status != nil && !p.Status.Valid() {
		return errs.Validation("document.patch", "invalid status %q", *p.Status)
	}
	return nil
}
