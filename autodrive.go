// Package autodrive assembles the object store: uploads are chunked
// into a content-addressed DAG, published to the ledger as remark
// transactions, tracked through archival, and retrieved back as byte
// streams through a tiered download cache.
package autodrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/autonomys/auto-drive-sub003/internal/archiver"
	"github.com/autonomys/auto-drive-sub003/internal/cache"
	"github.com/autonomys/auto-drive-sub003/internal/db"
	"github.com/autonomys/auto-drive-sub003/internal/ledger"
	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/internal/publisher"
	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/internal/uploads"
	"github.com/autonomys/auto-drive-sub003/pkg/blockstore"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

var (
	ErrNotStarted = errors.New("autodrive: not started")
	ErrClosed     = errors.New("autodrive: closed")
)

// AutoDrive is the main handle. It owns the blockstore, the metadata
// db and the lifecycle of the background components.
type AutoDrive struct {
	log    *logrus.Logger
	config Config

	blocks  blockstore.Store
	gdb     *gorm.DB
	uploads *uploads.Store
	manager *publisher.Manager
	arch    *archiver.Archiver
	archSub *archiver.ChannelSubscription
	cache   *cache.Cache

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	bgCancel  context.CancelFunc
	bgDone    sync.WaitGroup
}

// New constructs a handle. New does not perform I/O or start background
// goroutines; call Start.
func New(conf Config) (*AutoDrive, error) {
	if conf.DataDir == "" {
		return nil, fmt.Errorf("config: DataDir must be set")
	}
	conf.applyDefaults()
	return &AutoDrive{log: conf.Logger, config: conf}, nil
}

// Start opens the stores and launches the publisher and archiver. Only
// the first call has effect.
func (ad *AutoDrive) Start(ctx context.Context) error {
	var startErr error
	ad.startOnce.Do(func() {
		conf := ad.config
		if err := os.MkdirAll(conf.DataDir, 0o755); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", conf.DataDir, err)
			return
		}

		gdb, err := db.Open(filepath.Join(conf.DataDir, "metadata.db"))
		if err != nil {
			startErr = err
			return
		}
		ad.gdb = gdb

		blocks, err := blockstore.NewBadgerStore(blockstore.Config{
			Path:   filepath.Join(conf.DataDir, "blockstore"),
			Logger: ad.log,
		})
		if err != nil {
			startErr = err
			return
		}
		ad.blocks = blocks

		ad.uploads = uploads.NewStore(gdb, blocks, uploads.Config{
			MaxChunkSize:    conf.MaxChunkSize,
			MaxLinksPerNode: conf.MaxLinksPerNode,
			Logger:          ad.log,
		})

		bgCtx, cancel := context.WithCancel(context.Background())
		ad.bgCancel = cancel

		if conf.RPCURL != "" && len(conf.Accounts) > 0 {
			client := ledger.NewRPCClient(conf.RPCURL)
			pool := publisher.NewAccountPool(client, publisher.PoolConfig{
				Accounts:         conf.Accounts,
				FailureThreshold: conf.AccountFailureThreshold,
				Logger:           ad.log,
			})
			ad.manager = publisher.NewManager(gdb, pool, client, blocks, publisher.ManagerConfig{
				MaxRetries: conf.PublishMaxRetries,
				RetryDelay: conf.PublishRetryDelay,
				Logger:     ad.log,
			})
			ad.bgDone.Add(1)
			go func() {
				defer ad.bgDone.Done()
				ad.manager.Run(bgCtx)
			}()
		}

		ad.archSub = archiver.NewChannelSubscription(64)
		ad.arch = archiver.New(gdb, ad.archSub, archiver.Config{Logger: ad.log})
		ad.bgDone.Add(1)
		go func() {
			defer ad.bgDone.Done()
			if err := ad.arch.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				ad.log.WithError(err).Error("archiver stopped")
			}
		}()

		var gateway retriever.Fetcher
		if conf.GatewayURL != "" {
			gateway = retriever.NewGatewayFetcher(conf.GatewayURL)
		} else {
			gateway = unavailableFetcher{}
		}
		engine := retriever.NewEngine(
			&retriever.LocalFetcher{Store: blocks},
			gateway,
			func(ctx context.Context, root cid.Cid) (bool, error) {
				return archiver.IsArchived(gdb, root)
			},
			retriever.Config{FetchWindow: conf.FetchWindow, Logger: ad.log},
		)

		diskCache, err := cache.NewDiskCache(gdb, cache.DiskConfig{
			Root:     filepath.Join(conf.DataDir, "cache"),
			MaxBytes: conf.DiskCacheBytes,
			TTL:      conf.DiskCacheTTL,
			Logger:   ad.log,
		})
		if err != nil {
			startErr = err
			return
		}
		ad.cache = cache.New(
			cache.NewMemoryCache(conf.MemoryCacheBytes),
			diskCache,
			engine,
			cache.Config{Logger: ad.log},
		)

		ad.started.Store(true)
		ad.log.WithField("path", conf.DataDir).Info("autodrive started")
	})
	return startErr
}

// Run starts the instance, blocks until ctx is cancelled, then shuts
// down gracefully with a bounded deadline. A convenience for services.
func (ad *AutoDrive) Run(ctx context.Context) error {
	if err := ad.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ad.Close(shutdownCtx)
}

// Close stops the background components and closes the stores. Close is
// idempotent.
func (ad *AutoDrive) Close(ctx context.Context) error {
	var closeErr error
	ad.closeOnce.Do(func() {
		ad.started.Store(false)
		if ad.bgCancel != nil {
			ad.bgCancel()
		}
		ad.bgDone.Wait()

		if ad.blocks != nil {
			if err := ad.blocks.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("closing blockstore: %w", err))
			}
		}
		ad.log.Info("autodrive closed")
	})
	return closeErr
}

func (ad *AutoDrive) ready() error {
	if !ad.started.Load() {
		return ErrNotStarted
	}
	return nil
}

// CreateFileUpload opens a standalone file upload.
func (ad *AutoDrive) CreateFileUpload(ctx context.Context, name, mimeType string) (*models.Upload, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.uploads.CreateFileUpload(ctx, name, mimeType)
}

// CreateFolderUpload opens a standalone folder upload.
func (ad *AutoDrive) CreateFolderUpload(ctx context.Context, name string) (*models.Upload, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.uploads.CreateFolderUpload(ctx, name)
}

func (ad *AutoDrive) CreateFileInFolder(ctx context.Context, parentID, relativeID, name, mimeType string) (*models.Upload, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.uploads.CreateFileInFolder(ctx, parentID, relativeID, name, mimeType)
}

func (ad *AutoDrive) CreateFolderInFolder(ctx context.Context, parentID, relativeID, name string) (*models.Upload, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.uploads.CreateFolderInFolder(ctx, parentID, relativeID, name)
}

// WritePart feeds the next slice of file bytes into the upload.
func (ad *AutoDrive) WritePart(ctx context.Context, uploadID string, r io.Reader) (int64, error) {
	if err := ad.ready(); err != nil {
		return 0, err
	}
	return ad.uploads.WritePart(ctx, uploadID, r)
}

// CompleteFile finalizes a file upload. Completing a root upload hands
// its nodes to the publisher.
func (ad *AutoDrive) CompleteFile(ctx context.Context, uploadID string) (cid.Cid, error) {
	if err := ad.ready(); err != nil {
		return cid.Zero, err
	}
	root, err := ad.uploads.CompleteFile(ctx, uploadID)
	if err != nil {
		return cid.Zero, err
	}
	if err := ad.publishIfRoot(ctx, uploadID); err != nil {
		return root, err
	}
	return root, nil
}

// CompleteFolder finalizes a folder upload once every entry completed.
func (ad *AutoDrive) CompleteFolder(ctx context.Context, uploadID string) (cid.Cid, error) {
	if err := ad.ready(); err != nil {
		return cid.Zero, err
	}
	root, err := ad.uploads.CompleteFolder(ctx, uploadID)
	if err != nil {
		return cid.Zero, err
	}
	if err := ad.publishIfRoot(ctx, uploadID); err != nil {
		return root, err
	}
	return root, nil
}

// publishIfRoot hands a finalized root upload's node set to the
// publisher and closes the migration phase. Publication itself is
// fire-and-forget; outcomes land in publish records.
func (ad *AutoDrive) publishIfRoot(ctx context.Context, uploadID string) error {
	up, err := ad.uploads.Get(ctx, uploadID)
	if err != nil {
		return err
	}
	if up.ID != up.RootUploadID {
		return nil
	}
	if ad.manager != nil {
		cids, err := ad.uploads.NodeCids(ctx, up.RootUploadID)
		if err != nil {
			return err
		}
		ad.manager.PublishNodes(cids)
	}
	return ad.uploads.MarkCompleted(ctx, up.ID)
}

// Cancel abandons a root upload and reclaims its stored nodes.
func (ad *AutoDrive) Cancel(ctx context.Context, uploadID string) error {
	if err := ad.ready(); err != nil {
		return err
	}
	return ad.uploads.Cancel(ctx, uploadID)
}

// Upload returns the upload row.
func (ad *AutoDrive) Upload(ctx context.Context, uploadID string) (*models.Upload, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.uploads.Get(ctx, uploadID)
}

// Download resolves a root cid to its byte stream, served through the
// cache tiers. br slices files to an inclusive byte range.
func (ad *AutoDrive) Download(ctx context.Context, root cid.Cid, br *retriever.ByteRange) (io.ReadCloser, error) {
	if err := ad.ready(); err != nil {
		return nil, err
	}
	return ad.cache.Download(ctx, root, cache.Options{Range: br})
}

// CacheStatus reports whether a root is currently cached.
func (ad *AutoDrive) CacheStatus(root cid.Cid) (string, error) {
	if err := ad.ready(); err != nil {
		return "", err
	}
	return ad.cache.Status(root), nil
}

// ArchiveNotifications exposes the channel the archiver consumes, for
// wiring an external notification source.
func (ad *AutoDrive) ArchiveNotifications() chan<- []archiver.Notification {
	return ad.archSub.C
}

// unavailableFetcher stands in when no gateway is configured.
type unavailableFetcher struct{}

func (unavailableFetcher) Fetch(ctx context.Context, c cid.Cid) (*dag.Node, error) {
	return nil, fmt.Errorf("no gateway configured, cannot fetch archived node %s", c.Short())
}
