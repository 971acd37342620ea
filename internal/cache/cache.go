package cache

import (
	"bytes"
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

// Status values for one cid.
const (
	StatusCached    = "cached"
	StatusNotCached = "not-cached"
)

type Options struct {
	Range *retriever.ByteRange
}

// Engine is the cache's view of the retrieval engine.
type Engine interface {
	Retrieve(ctx context.Context, root cid.Cid, br *retriever.ByteRange) (io.ReadCloser, error)
}

type Config struct {
	Logger *logrus.Logger
}

// Cache is the multi-tier download front: memory, then disk, then the
// retrieval engine. Only full-object reads populate the tiers, so no
// partial byte window is ever cached as if it were canonical.
type Cache struct {
	mem    *MemoryCache
	disk   *DiskCache
	engine Engine
	log    *logrus.Logger
}

func New(mem *MemoryCache, disk *DiskCache, engine Engine, cfg Config) *Cache {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Cache{mem: mem, disk: disk, engine: engine, log: cfg.Logger}
}

// Download returns the object's bytes (or the requested range of them)
// from the fastest tier that holds it.
func (c *Cache) Download(ctx context.Context, root cid.Cid, opts Options) (io.ReadCloser, error) {
	if data, ok := c.mem.Get(root, opts.Range); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	if rc, ok := c.disk.Get(ctx, root, opts.Range); ok {
		return rc, nil
	}

	src, err := c.engine.Retrieve(ctx, root, opts.Range)
	if err != nil {
		return nil, err
	}

	if opts.Range != nil {
		return src, nil
	}
	return c.forkAndPopulate(root, src), nil
}

// Status reports whether any tier currently holds the object.
func (c *Cache) Status(root cid.Cid) string {
	if c.mem.Contains(root) || c.disk.Contains(root) {
		return StatusCached
	}
	return StatusNotCached
}

// forkAndPopulate duplicates the source stream into the caller's reader
// plus background writers for both tiers. Population is detached from
// the response path: branch failures are logged and the branch drained,
// never surfaced to the caller.
func (c *Cache) forkAndPopulate(root cid.Cid, src io.ReadCloser) io.ReadCloser {
	memR, memW := io.Pipe()
	diskR, diskW := io.Pipe()

	go func() {
		limit := int64(c.mem.MaxBytes()) + 1
		data, err := io.ReadAll(io.LimitReader(memR, limit))
		if err != nil {
			c.log.WithError(err).WithField("cid", root.Short()).Debug("memory cache population aborted")
			memR.CloseWithError(err)
			return
		}
		// Oversized objects never fit the memory tier; keep draining so
		// the fork is not backpressured.
		if int64(len(data)) >= limit {
			io.Copy(io.Discard, memR)
			return
		}
		io.Copy(io.Discard, memR)
		c.mem.Put(root, data)
	}()

	go func() {
		// Population survives the caller's context by design.
		if err := c.disk.Put(context.Background(), root, diskR); err != nil {
			c.log.WithError(err).WithField("cid", root.Short()).Warn("disk cache population failed")
			io.Copy(io.Discard, diskR)
		}
	}()

	return &forkedStream{src: src, branches: []*io.PipeWriter{memW, diskW}}
}

// forkedStream copies everything the caller reads into the branch
// pipes. The branches read eagerly, so the copy holds no more than one
// read's worth of buffered bytes. A dead branch is detached; the
// caller's stream is never affected.
type forkedStream struct {
	src      io.ReadCloser
	branches []*io.PipeWriter
}

func (f *forkedStream) Read(p []byte) (int, error) {
	n, err := f.src.Read(p)
	if n > 0 {
		for i, bw := range f.branches {
			if bw == nil {
				continue
			}
			if _, werr := bw.Write(p[:n]); werr != nil {
				f.branches[i] = nil
			}
		}
	}
	if err != nil {
		for _, bw := range f.branches {
			if bw == nil {
				continue
			}
			if err == io.EOF {
				bw.Close()
			} else {
				bw.CloseWithError(err)
			}
		}
	}
	return n, err
}

func (f *forkedStream) Close() error {
	for _, bw := range f.branches {
		if bw != nil {
			bw.CloseWithError(io.ErrClosedPipe)
		}
	}
	return f.src.Close()
}
