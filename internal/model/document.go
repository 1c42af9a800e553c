// Package model defines the persistent entities shared across services:
// documents, users, credit transactions, query logs, feedback and the
// maintenance flag.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus tracks a document through the ingestion pipeline.
type ProcessingStatus string

const (
	// ProcessingPending means the document is uploaded and queued.
	ProcessingPending ProcessingStatus = "pending"
	// ProcessingActive means a worker claimed the document and is running
	// the extract/chunk/embed/index pipeline.
	ProcessingActive ProcessingStatus = "processing"
	// ProcessingCompleted means passages are indexed and searchable.
	ProcessingCompleted ProcessingStatus = "completed"
	// ProcessingFailed means the pipeline gave up; ProcessingError holds
	// the reason code.
	ProcessingFailed ProcessingStatus = "failed"
)

// Terminal reports whether the status is an end state of the pipeline.
func (s ProcessingStatus) Terminal() bool {
	return s == ProcessingCompleted || s == ProcessingFailed
}

// Visibility controls whether a document participates in retrieval.
type Visibility string

const (
	// VisibilityActive documents are searchable once processing completes.
	VisibilityActive Visibility = "active"
	// VisibilityArchived documents are hidden from retrieval but keep
	// their passages indexed.
	VisibilityArchived Visibility = "archived"
	// VisibilityDeleted documents are tombstoned; their passages are
	// purged from the vector index asynchronously.
	VisibilityDeleted Visibility = "deleted"
)

// DocumentType classifies the kind of legal instrument.
type DocumentType string

const (
	DocTypeLaw        DocumentType = "law"
	DocTypeRegulation DocumentType = "regulation"
	DocTypeCommunique DocumentType = "communique"
	DocTypeCircular   DocumentType = "circular"
	DocTypeDecision   DocumentType = "decision"
	DocTypeOther      DocumentType = "other"
)

// ValidDocumentType reports whether t is a known classification.
func ValidDocumentType(t DocumentType) bool {
	switch t {
	case DocTypeLaw, DocTypeRegulation, DocTypeCommunique, DocTypeCircular, DocTypeDecision, DocTypeOther:
		return true
	}
	return false
}

// Failure reason codes stored in Document.ProcessingError.
const (
	// FailureEmptyDocument marks a source file that yielded no usable text.
	FailureEmptyDocument = "empty_document"
	// FailureExtractionFailed marks an unreadable or corrupt source file.
	FailureExtractionFailed = "extraction_failed"
)

// Document is the metadata record for one uploaded source file. The file
// body lives in the blob store; derived passages live in the vector index.
type Document struct {
	// ID is the unique document identifier.
	ID uuid.UUID `json:"id"`

	// Title is the human-readable document title.
	Title string `json:"title"`

	// Filename is the original upload filename.
	Filename string `json:"filename"`

	// BlobURL locates the stored source file (gs://bucket/key).
	BlobURL string `json:"blob_url"`

	// SizeBytes is the stored file size.
	SizeBytes int64 `json:"size_bytes"`

	// Institution is the issuing body, used as a retrieval filter.
	Institution string `json:"institution"`

	// DocType classifies the legal instrument.
	DocType DocumentType `json:"doc_type"`

	// Category is a free-form grouping label.
	Category string `json:"category,omitempty"`

	// Keywords are editorial tags attached at upload time.
	Keywords []string `json:"keywords,omitempty"`

	// PublishedAt is the official publication date, when known. It feeds
	// the recency component of answer reliability.
	PublishedAt *time.Time `json:"published_at,omitempty"`

	// Language is a BCP-47 tag; "tr" unless stated otherwise.
	Language string `json:"language"`

	// UploaderID identifies the admin who uploaded the file.
	UploaderID string `json:"uploader_id"`

	// Metadata carries provenance details that have no dedicated column.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ProcessingStatus tracks the ingestion pipeline state.
	ProcessingStatus ProcessingStatus `json:"processing_status"`

	// ProcessingError holds the failure reason code when status is failed.
	ProcessingError string `json:"processing_error,omitempty"`

	// PassageCount is the number of passages indexed for this document.
	PassageCount int `json:"passage_count"`

	// Visibility controls retrieval participation.
	Visibility Visibility `json:"status"`

	// PurgedAt records when tombstoned passages were removed from the
	// vector index; nil while the purge is still pending.
	PurgedAt *time.Time `json:"purged_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Searchable reports whether passages of this document may be returned by
// retrieval.
func (d *Document) Searchable() bool {
	return d.Visibility == VisibilityActive && d.ProcessingStatus == ProcessingCompleted
}
