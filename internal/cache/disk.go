package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

type DiskConfig struct {
	Root     string
	MaxBytes uint64
	// TTL expires entries by age; expired entries are treated as absent
	// even before they are physically purged. 0 disables expiry.
	TTL    time.Duration
	Logger *logrus.Logger
}

// DiskCache stores one file per cid, sharded by trailing cid characters
// into a fixed-depth directory tree. The metadata index (size, last
// access, age) lives in the metadata db.
type DiskCache struct {
	root     string
	db       *gorm.DB
	maxBytes uint64
	ttl      time.Duration
	log      *logrus.Logger
}

func NewDiskCache(db *gorm.DB, cfg DiskConfig) (*DiskCache, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache root %s: %w", cfg.Root, err)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Root, "tmp"), 0o755); err != nil {
		return nil, err
	}

	if usage, err := disk.Usage(cfg.Root); err == nil {
		cfg.Logger.WithFields(logrus.Fields{
			"path":   cfg.Root,
			"freeGB": usage.Free / (1024 * 1024 * 1024),
		}).Info("disk cache opened")
	}

	return &DiskCache{
		root:     cfg.Root,
		db:       db,
		maxBytes: cfg.MaxBytes,
		ttl:      cfg.TTL,
		log:      cfg.Logger,
	}, nil
}

// path shards by the trailing four hex characters, two directory
// levels deep, bounding per-directory entry counts.
func (d *DiskCache) path(c cid.Cid) string {
	s := c.String()
	return filepath.Join(d.root, s[len(s)-2:], s[len(s)-4:len(s)-2], s)
}

func (d *DiskCache) expired(row models.CacheEntry) bool {
	return d.ttl > 0 && time.Since(row.CreatedAt) > d.ttl
}

// Contains reports whether a live (non-expired) entry exists.
func (d *DiskCache) Contains(c cid.Cid) bool {
	var row models.CacheEntry
	err := d.db.First(&row, "cid = ?", c.String()).Error
	if err != nil {
		return false
	}
	if d.expired(row) {
		go d.remove(c)
		return false
	}
	return true
}

// Get opens the cached object, optionally sliced to a byte range, and
// touches its last-access time.
func (d *DiskCache) Get(ctx context.Context, c cid.Cid, br *retriever.ByteRange) (io.ReadCloser, bool) {
	var row models.CacheEntry
	if err := d.db.First(&row, "cid = ?", c.String()).Error; err != nil {
		return nil, false
	}
	if d.expired(row) {
		go d.remove(c)
		return nil, false
	}

	f, err := os.Open(d.path(c))
	if err != nil {
		// Index row without a file: self-heal and miss.
		d.log.WithError(err).WithField("cid", c.Short()).Warn("cache file missing, dropping index row")
		go d.remove(c)
		return nil, false
	}

	if err := d.db.Model(&models.CacheEntry{}).Where("cid = ?", c.String()).
		Update("last_accessed_at", time.Now()).Error; err != nil {
		d.log.WithError(err).Warn("touching cache entry")
	}

	if br == nil {
		return f, true
	}
	if br.Start >= row.Size {
		f.Close()
		return nil, false
	}
	if _, err := f.Seek(int64(br.Start), io.SeekStart); err != nil {
		f.Close()
		return nil, false
	}
	end := row.Size - 1
	if br.End != nil && *br.End < end {
		end = *br.End
	}
	return &limitedFile{f: f, remaining: int64(end - br.Start + 1)}, true
}

// Put streams the object into the cache and evicts least-recently-used
// entries once the byte ceiling is exceeded.
func (d *DiskCache) Put(ctx context.Context, c cid.Cid, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "dl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("writing cache file for %s: %w", c.Short(), err)
	}
	if d.maxBytes > 0 && uint64(written) > d.maxBytes {
		return fmt.Errorf("object %s larger than cache ceiling", c.Short())
	}

	target := d.path(c)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return err
	}

	now := time.Now()
	row := models.CacheEntry{Cid: c.String(), Size: uint64(written), LastAccessedAt: now, CreatedAt: now}
	if err := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cid"}},
		DoUpdates: clause.AssignmentColumns([]string{"size", "last_accessed_at", "created_at"}),
	}).Create(&row).Error; err != nil {
		return err
	}

	return d.evict(ctx)
}

func (d *DiskCache) evict(ctx context.Context) error {
	if d.maxBytes == 0 {
		return nil
	}

	for {
		var total struct{ Total uint64 }
		if err := d.db.Model(&models.CacheEntry{}).
			Select("COALESCE(SUM(size), 0) AS total").Scan(&total).Error; err != nil {
			return err
		}
		if total.Total <= d.maxBytes {
			return nil
		}

		var oldest models.CacheEntry
		err := d.db.Order("last_accessed_at ASC").First(&oldest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		victim, perr := cid.Parse(oldest.Cid)
		if perr != nil {
			d.db.Delete(&models.CacheEntry{}, "cid = ?", oldest.Cid)
			continue
		}
		d.log.WithField("cid", victim.Short()).Debug("evicting disk cache entry")
		if err := d.remove(victim); err != nil {
			return err
		}
	}
}

func (d *DiskCache) remove(c cid.Cid) error {
	if err := os.Remove(d.path(c)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return d.db.Delete(&models.CacheEntry{}, "cid = ?", c.String()).Error
}

// limitedFile yields exactly the requested window of the backing file.
type limitedFile struct {
	f         *os.File
	remaining int64
}

func (l *limitedFile) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.f.Read(p)
	l.remaining -= int64(n)
	return n, err
}

func (l *limitedFile) Close() error { return l.f.Close() }
