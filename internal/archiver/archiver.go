// Package archiver consumes piece-location notifications from the
// storage network and records where each published node now lives.
// Retrieval consults these records to pick a fetch source.
package archiver

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

// Notification is one archived-node location report.
type Notification struct {
	Cid         cid.Cid
	PieceIndex  uint64
	PieceOffset uint32
	BlockNumber uint64
}

// Subscription delivers notification batches. Next blocks until a batch
// is available, returns io.EOF when the feed ends, or ctx's error.
type Subscription interface {
	Next(ctx context.Context) ([]Notification, error)
}

type Config struct {
	Logger *logrus.Logger
}

// Archiver persists archive locations and a resume cursor, so a
// restarted process re-subscribes from the last processed piece index.
type Archiver struct {
	db  *gorm.DB
	sub Subscription
	log *logrus.Logger
}

func New(db *gorm.DB, sub Subscription, cfg Config) *Archiver {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Archiver{db: db, sub: sub, log: cfg.Logger}
}

// Cursor returns the piece index to resume from.
func (a *Archiver) Cursor() (uint64, error) {
	var cur models.ArchiverCursor
	err := a.db.First(&cur, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cur.PieceIndex, nil
}

// Run consumes the subscription until ctx is cancelled or the feed
// ends. Batches at or below the cursor are skipped, so redelivery after
// a restart is harmless.
func (a *Archiver) Run(ctx context.Context) error {
	cursor, err := a.Cursor()
	if err != nil {
		return err
	}
	a.log.WithField("pieceIndex", cursor).Info("archiver resuming")

	for {
		batch, err := a.sub.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		advanced := cursor
		for _, n := range batch {
			// Entries strictly below the cursor were fully processed
			// before a restart; entries at the cursor may be partial
			// redeliveries and are deduplicated by the insert itself.
			if n.PieceIndex < cursor {
				continue
			}
			if err := a.record(n); err != nil {
				a.log.WithError(err).WithField("cid", n.Cid.Short()).Error("recording archive location")
				continue
			}
			if n.PieceIndex > advanced {
				advanced = n.PieceIndex
			}
		}

		if advanced != cursor {
			cursor = advanced
			if err := a.saveCursor(cursor); err != nil {
				a.log.WithError(err).Error("saving archiver cursor")
			}
		}
	}
}

// record stores the location. Archival is permanent: an existing row is
// never overwritten.
func (a *Archiver) record(n Notification) error {
	row := models.ArchiveLocation{
		Cid:              n.Cid.String(),
		PieceIndex:       n.PieceIndex,
		PieceOffset:      n.PieceOffset,
		BlockPublishedOn: n.BlockNumber,
		CreatedAt:        time.Now(),
	}
	return a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (a *Archiver) saveCursor(pieceIndex uint64) error {
	cur := models.ArchiverCursor{ID: 1, PieceIndex: pieceIndex}
	return a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"piece_index", "updated_at"}),
	}).Create(&cur).Error
}

// IsArchived reports whether a node has an archive location.
func IsArchived(db *gorm.DB, c cid.Cid) (bool, error) {
	var n int64
	err := db.Model(&models.ArchiveLocation{}).Where("cid = ?", c.String()).Count(&n).Error
	return n > 0, err
}

// ChannelSubscription adapts an in-process channel to Subscription.
// External broker clients implement the same interface.
type ChannelSubscription struct {
	C chan []Notification
}

func NewChannelSubscription(buffer int) *ChannelSubscription {
	return &ChannelSubscription{C: make(chan []Notification, buffer)}
}

func (s *ChannelSubscription) Next(ctx context.Context) ([]Notification, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case batch, ok := <-s.C:
		if !ok {
			return nil, io.EOF
		}
		return batch, nil
	}
}
