// Package models holds the gorm table types for every durable entity
// outside the blockstore: uploads, publish records, archive locations,
// dead letters, the archiver cursor and the disk-cache index.
package models

import (
	"time"
)

// Upload statuses. Only the upload orchestration layer mutates Status.
const (
	UploadStatusPending   = "pending"
	UploadStatusMigrating = "migrating"
	UploadStatusCompleted = "completed"
	UploadStatusCancelled = "cancelled"
	UploadStatusFailed    = "failed"
)

const (
	UploadTypeFile   = "file"
	UploadTypeFolder = "folder"
)

type Upload struct {
	ID           string `gorm:"primaryKey"`
	RootUploadID string `gorm:"index"`
	RelativeID   *string
	ParentID     *string `gorm:"index"`
	Type         string
	Status       string `gorm:"index"`
	Name         string
	MimeType     string
	RootCid      *string `gorm:"index"`
	TotalSize    uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ChunkerState carries a file upload's partially processed byte tail
// and the chunk links emitted so far, so multi-part uploads can re-enter
// the chunker (even across a restart).
type ChunkerState struct {
	UploadID  string `gorm:"primaryKey"`
	Tail      []byte
	Links     []byte // CBOR-encoded []dag.Link
	TotalSize uint64
	UpdatedAt time.Time
}

// PublishRecord is one terminal result of attempting to publish a node.
// A cid with a successful record is never resubmitted.
type PublishRecord struct {
	ID          uint   `gorm:"primaryKey"`
	Cid         string `gorm:"index"`
	Success     bool
	TxHash      *string
	BlockHash   *string
	BlockNumber *uint64
	ErrorReason *string
	CreatedAt   time.Time
}

// DeadLetter records a node whose publish retry budget ran out. Rows
// stay until an operator deals with them.
type DeadLetter struct {
	ID        uint   `gorm:"primaryKey"`
	Cid       string `gorm:"index"`
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// ArchiveLocation is where a published node now lives in the storage
// network. Set at most once per cid.
type ArchiveLocation struct {
	Cid              string `gorm:"primaryKey"`
	PieceIndex       uint64
	PieceOffset      uint32
	BlockPublishedOn uint64
	CreatedAt        time.Time
}

// ArchiverCursor is the archiver's resume point (one row).
type ArchiverCursor struct {
	ID         uint `gorm:"primaryKey"`
	PieceIndex uint64
	UpdatedAt  time.Time
}

// CacheEntry indexes one disk-cache file.
type CacheEntry struct {
	Cid            string `gorm:"primaryKey"`
	Size           uint64
	LastAccessedAt time.Time `gorm:"index"`
	CreatedAt      time.Time
}

// All lists every model for AutoMigrate.
func All() []interface{} {
	return []interface{}{
		&Upload{},
		&ChunkerState{},
		&PublishRecord{},
		&DeadLetter{},
		&ArchiveLocation{},
		&ArchiverCursor{},
		&CacheEntry{},
	}
}
