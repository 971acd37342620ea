// Package uploads orchestrates the upload lifecycle: create, feed parts
// through the chunker, complete into a root cid, cancel or fail. All
// durable state lives in the metadata db and the blockstore, keyed by
// the root upload id, so multi-part uploads survive a restart.
package uploads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/pkg/blockstore"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

var (
	ErrUploadNotFound = errors.New("uploads: upload not found")
	// ErrBadTransition is returned when an operation is attempted on an
	// upload whose status does not permit it.
	ErrBadTransition = errors.New("uploads: invalid status transition")
	// ErrChildrenPending blocks folder completion while any child upload
	// has not completed.
	ErrChildrenPending = errors.New("uploads: folder has incomplete children")
)

type Config struct {
	MaxChunkSize    int
	MaxLinksPerNode int
	Logger          *logrus.Logger
}

// Store drives uploads end to end.
type Store struct {
	db      *gorm.DB
	blocks  blockstore.Store
	builder *dag.Builder
	log     *logrus.Logger
}

func NewStore(gdb *gorm.DB, blocks blockstore.Store, cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Store{
		db:      gdb,
		blocks:  blocks,
		builder: dag.NewBuilder(cfg.MaxChunkSize, cfg.MaxLinksPerNode),
		log:     cfg.Logger,
	}
}

// CreateFileUpload opens a new standalone file upload.
func (s *Store) CreateFileUpload(ctx context.Context, name, mimeType string) (*models.Upload, error) {
	up := &models.Upload{
		ID:       uuid.NewString(),
		Type:     models.UploadTypeFile,
		Status:   models.UploadStatusPending,
		Name:     name,
		MimeType: mimeType,
	}
	up.RootUploadID = up.ID
	if err := s.db.WithContext(ctx).Create(up).Error; err != nil {
		return nil, err
	}
	return up, nil
}

// CreateFolderUpload opens a new standalone folder upload. Entries are
// added with CreateFileInFolder / CreateFolderInFolder and the folder
// closes via CompleteFolder once every entry completed.
func (s *Store) CreateFolderUpload(ctx context.Context, name string) (*models.Upload, error) {
	up := &models.Upload{
		ID:     uuid.NewString(),
		Type:   models.UploadTypeFolder,
		Status: models.UploadStatusPending,
		Name:   name,
	}
	up.RootUploadID = up.ID
	if err := s.db.WithContext(ctx).Create(up).Error; err != nil {
		return nil, err
	}
	return up, nil
}

// CreateFileInFolder opens a file upload nested under a pending folder
// upload. relativeID is the entry's path within the folder tree.
func (s *Store) CreateFileInFolder(ctx context.Context, parentID, relativeID, name, mimeType string) (*models.Upload, error) {
	return s.createChild(ctx, parentID, relativeID, name, mimeType, models.UploadTypeFile)
}

func (s *Store) CreateFolderInFolder(ctx context.Context, parentID, relativeID, name string) (*models.Upload, error) {
	return s.createChild(ctx, parentID, relativeID, name, "", models.UploadTypeFolder)
}

func (s *Store) createChild(ctx context.Context, parentID, relativeID, name, mimeType, typ string) (*models.Upload, error) {
	parent, err := s.load(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if parent.Type != models.UploadTypeFolder {
		return nil, fmt.Errorf("%w: parent %s is not a folder", ErrBadTransition, parentID)
	}
	if parent.Status != models.UploadStatusPending {
		return nil, fmt.Errorf("%w: parent %s is %s", ErrBadTransition, parentID, parent.Status)
	}

	up := &models.Upload{
		ID:           uuid.NewString(),
		RootUploadID: parent.RootUploadID,
		RelativeID:   &relativeID,
		ParentID:     &parent.ID,
		Type:         typ,
		Status:       models.UploadStatusPending,
		Name:         name,
		MimeType:     mimeType,
	}
	if err := s.db.WithContext(ctx).Create(up).Error; err != nil {
		return nil, err
	}
	return up, nil
}

func (s *Store) load(ctx context.Context, id string) (*models.Upload, error) {
	var up models.Upload
	err := s.db.WithContext(ctx).First(&up, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// Get returns the upload row.
func (s *Store) Get(ctx context.Context, id string) (*models.Upload, error) {
	return s.load(ctx, id)
}

// sinkTo stores every node the chunker emits under the upload's root
// upload id, so a whole folder tree shares one blockstore scope.
func (s *Store) sinkTo(ctx context.Context, scope string) dag.Sink {
	return func(c cid.Cid, n *dag.Node, encoded []byte) error {
		return s.blocks.Put(ctx, scope, c, blockstore.Record{
			Type:    n.Type,
			Size:    n.Size,
			Encoded: encoded,
		})
	}
}

// resumeBuilder reconstructs the upload's FileBuilder from the carried
// chunker state, or starts fresh if no part was written yet.
func (s *Store) resumeBuilder(ctx context.Context, up *models.Upload) (*dag.FileBuilder, error) {
	sink := s.sinkTo(ctx, up.RootUploadID)

	var state models.ChunkerState
	err := s.db.WithContext(ctx).First(&state, "upload_id = ?", up.ID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.builder.NewFile(up.Name, sink), nil
	}
	if err != nil {
		return nil, err
	}

	var links []dag.Link
	if len(state.Links) > 0 {
		if err := cbor.Unmarshal(state.Links, &links); err != nil {
			return nil, fmt.Errorf("decoding chunker state for %s: %w", up.ID, err)
		}
	}
	return s.builder.ResumeFile(up.Name, sink, state.Tail, links, state.TotalSize), nil
}

func (s *Store) saveState(ctx context.Context, up *models.Upload, fb *dag.FileBuilder) error {
	rawLinks, err := cbor.Marshal(fb.Links())
	if err != nil {
		return fmt.Errorf("encoding chunker state for %s: %w", up.ID, err)
	}
	state := models.ChunkerState{
		UploadID:  up.ID,
		Tail:      fb.Tail(),
		Links:     rawLinks,
		TotalSize: fb.TotalSize(),
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Save(&state).Error
}

// WritePart feeds the next slice of file bytes through the chunker.
// Full chunks land in the blockstore immediately; the unconsumed tail
// is persisted so the next part (or CompleteFile) picks it up.
func (s *Store) WritePart(ctx context.Context, uploadID string, r io.Reader) (int64, error) {
	up, err := s.load(ctx, uploadID)
	if err != nil {
		return 0, err
	}
	if up.Type != models.UploadTypeFile {
		return 0, fmt.Errorf("%w: %s is a folder", ErrBadTransition, uploadID)
	}
	if up.Status != models.UploadStatusPending {
		return 0, fmt.Errorf("%w: %s is %s", ErrBadTransition, uploadID, up.Status)
	}

	fb, err := s.resumeBuilder(ctx, up)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(fb, r)
	if err != nil {
		return n, fmt.Errorf("chunking part of %s: %w", uploadID, err)
	}
	return n, s.saveState(ctx, up, fb)
}

// CompleteFile finalizes the upload's DAG and records the root cid.
func (s *Store) CompleteFile(ctx context.Context, uploadID string) (cid.Cid, error) {
	up, err := s.load(ctx, uploadID)
	if err != nil {
		return cid.Zero, err
	}
	if up.Type != models.UploadTypeFile {
		return cid.Zero, fmt.Errorf("%w: %s is a folder", ErrBadTransition, uploadID)
	}
	if up.Status != models.UploadStatusPending {
		return cid.Zero, fmt.Errorf("%w: %s is %s", ErrBadTransition, uploadID, up.Status)
	}

	fb, err := s.resumeBuilder(ctx, up)
	if err != nil {
		return cid.Zero, err
	}
	root, err := fb.Finalize()
	if err != nil {
		return cid.Zero, err
	}

	rootStr := root.String()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Upload{}).Where("id = ?", up.ID).Updates(map[string]interface{}{
			"root_cid":   rootStr,
			"total_size": fb.TotalSize(),
			"status":     s.completionStatus(up),
		}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChunkerState{}, "upload_id = ?", up.ID).Error
	})
	if err != nil {
		return cid.Zero, err
	}

	s.log.WithFields(logrus.Fields{
		"upload": up.ID,
		"cid":    root.Short(),
		"size":   fb.TotalSize(),
	}).Info("file upload completed")
	return root, nil
}

// CompleteFolder builds the folder node over its completed children and
// records the root cid. Children enter the folder in creation order.
func (s *Store) CompleteFolder(ctx context.Context, uploadID string) (cid.Cid, error) {
	up, err := s.load(ctx, uploadID)
	if err != nil {
		return cid.Zero, err
	}
	if up.Type != models.UploadTypeFolder {
		return cid.Zero, fmt.Errorf("%w: %s is a file", ErrBadTransition, uploadID)
	}
	if up.Status != models.UploadStatusPending {
		return cid.Zero, fmt.Errorf("%w: %s is %s", ErrBadTransition, uploadID, up.Status)
	}

	var children []models.Upload
	if err := s.db.WithContext(ctx).
		Where("parent_id = ?", up.ID).
		Order("created_at ASC").
		Find(&children).Error; err != nil {
		return cid.Zero, err
	}

	links := make([]dag.FolderLink, 0, len(children))
	for _, child := range children {
		if child.Status != models.UploadStatusCompleted || child.RootCid == nil {
			return cid.Zero, fmt.Errorf("%w: %s (%s)", ErrChildrenPending, child.ID, child.Status)
		}
		childCid, err := cid.Parse(*child.RootCid)
		if err != nil {
			return cid.Zero, fmt.Errorf("child %s has malformed root cid: %w", child.ID, err)
		}
		linkType := dag.NodeTypeFile
		if child.Type == models.UploadTypeFolder {
			linkType = dag.NodeTypeFolder
		}
		links = append(links, dag.FolderLink{
			Cid:       childCid,
			Name:      child.Name,
			Type:      linkType,
			TotalSize: child.TotalSize,
		})
	}

	root, err := s.builder.Folder(up.Name, links, s.sinkTo(ctx, up.RootUploadID))
	if err != nil {
		return cid.Zero, err
	}

	var total uint64
	for _, l := range links {
		total += l.TotalSize
	}
	rootStr := root.String()
	if err := s.db.WithContext(ctx).Model(&models.Upload{}).Where("id = ?", up.ID).Updates(map[string]interface{}{
		"root_cid":   rootStr,
		"total_size": total,
		"status":     s.completionStatus(up),
	}).Error; err != nil {
		return cid.Zero, err
	}

	s.log.WithFields(logrus.Fields{
		"upload":  up.ID,
		"cid":     root.Short(),
		"entries": len(links),
	}).Info("folder upload completed")
	return root, nil
}

// Cancel abandons a root upload: every pending upload in its tree turns
// cancelled and the tree's blockstore scope is emptied.
func (s *Store) Cancel(ctx context.Context, uploadID string) error {
	up, err := s.load(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.ID != up.RootUploadID {
		return fmt.Errorf("%w: cancel targets the root upload, not %s", ErrBadTransition, uploadID)
	}
	if up.Status == models.UploadStatusCompleted || up.Status == models.UploadStatusMigrating {
		return fmt.Errorf("%w: %s is %s", ErrBadTransition, uploadID, up.Status)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Upload{}).
			Where("root_upload_id = ? AND status IN ?", up.RootUploadID,
				[]string{models.UploadStatusPending, models.UploadStatusFailed}).
			Update("status", models.UploadStatusCancelled).Error; err != nil {
			return err
		}
		return tx.Delete(&models.ChunkerState{},
			"upload_id IN (?)",
			tx.Model(&models.Upload{}).Select("id").Where("root_upload_id = ?", up.RootUploadID),
		).Error
	})
	if err != nil {
		return err
	}

	it := s.blocks.Keys(up.RootUploadID)
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		if err := s.blocks.Delete(ctx, up.RootUploadID, c); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	s.log.WithField("upload", up.ID).Info("upload cancelled")
	return nil
}

// Fail marks a pending upload failed. Stored nodes are kept so the
// upload can be inspected; Cancel reclaims them.
func (s *Store) Fail(ctx context.Context, uploadID string, reason error) error {
	up, err := s.load(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.Status != models.UploadStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrBadTransition, uploadID, up.Status)
	}
	if err := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("id = ?", up.ID).
		Update("status", models.UploadStatusFailed).Error; err != nil {
		return err
	}
	s.log.WithError(reason).WithField("upload", up.ID).Warn("upload failed")
	return nil
}

// completionStatus picks the post-finalization status: a root upload
// enters Migrating until its node set has been handed over for
// publication, a nested entry is done as soon as its DAG is built.
func (s *Store) completionStatus(up *models.Upload) string {
	if up.ID == up.RootUploadID {
		return models.UploadStatusMigrating
	}
	return models.UploadStatusCompleted
}

// MarkCompleted closes the migration phase of a root upload.
func (s *Store) MarkCompleted(ctx context.Context, uploadID string) error {
	res := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("id = ? AND status = ?", uploadID, models.UploadStatusMigrating).
		Update("status", models.UploadStatusCompleted)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s is not migrating", ErrBadTransition, uploadID)
	}
	return nil
}

// NodeCids enumerates every stored node cid of the upload tree in
// insertion order, chunks before the heads that link them.
func (s *Store) NodeCids(ctx context.Context, rootUploadID string) ([]cid.Cid, error) {
	var out []cid.Cid
	it := s.blocks.Keys(rootUploadID)
	for {
		c, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, c)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
