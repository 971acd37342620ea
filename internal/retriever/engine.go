package retriever

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

// DefaultFetchWindow bounds concurrent chunk fetches; memory use is
// window × max chunk size.
const DefaultFetchWindow = 100

// ArchivedFunc reports whether a root has migrated into the storage
// network. The decision is per-root: archiving a completed upload is
// atomic, so all of its nodes share one source.
type ArchivedFunc func(ctx context.Context, root cid.Cid) (bool, error)

type Config struct {
	FetchWindow int
	Logger      *logrus.Logger
}

// Engine reconstructs object bytes from the DAG.
type Engine struct {
	local    Fetcher
	gateway  Fetcher
	archived ArchivedFunc
	window   int
	log      *logrus.Logger
}

func NewEngine(local, gateway Fetcher, archived ArchivedFunc, cfg Config) *Engine {
	if cfg.FetchWindow <= 0 {
		cfg.FetchWindow = DefaultFetchWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Engine{
		local:    local,
		gateway:  gateway,
		archived: archived,
		window:   cfg.FetchWindow,
		log:      cfg.Logger,
	}
}

// Retrieve resolves a root cid into a byte stream, optionally sliced to
// an inclusive byte range (files only; folders reject ranges). Metadata
// errors surface before any bytes are produced; a failure mid-stream
// destroys the stream with the error attached.
func (e *Engine) Retrieve(ctx context.Context, root cid.Cid, br *ByteRange) (io.ReadCloser, error) {
	src, err := e.sourceFor(ctx, root)
	if err != nil {
		return nil, err
	}

	head, err := src.Fetch(ctx, root)
	if err != nil {
		return nil, err
	}

	switch head.Type {
	case dag.NodeTypeFolder:
		if br != nil {
			return nil, fmt.Errorf("%w: folders do not support byte ranges", ErrByteRangeInvalid)
		}
		return e.folderStream(ctx, src, head), nil

	case dag.NodeTypeFile, dag.NodeTypeFileInlink:
		return e.fileStream(ctx, src, head, br)

	case dag.NodeTypeFileChunk:
		if br != nil {
			w, err := coveringChunks([]dag.ChunkInfo{{Cid: root, Size: head.Size}}, *br)
			if err != nil {
				return nil, err
			}
			return io.NopCloser(newSliceReader(head.Data, br.Start, w.length)), nil
		}
		return io.NopCloser(newSliceReader(head.Data, 0, head.Size)), nil
	}
	return nil, fmt.Errorf("retrieving %s: unhandled node type %s", root.Short(), head.Type)
}

func (e *Engine) sourceFor(ctx context.Context, root cid.Cid) (Fetcher, error) {
	archived, err := e.archived(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("checking archive state of %s: %w", root.Short(), err)
	}
	if archived {
		return e.gateway, nil
	}
	return e.local, nil
}

func (e *Engine) fileStream(ctx context.Context, src Fetcher, head *dag.Node, br *ByteRange) (io.ReadCloser, error) {
	chunks, err := dag.FlattenChunks(ctx, head, src.Fetch)
	if err != nil {
		return nil, err
	}

	w := chunkWindow{first: 0, last: len(chunks) - 1, length: head.Size}
	sliceStart := uint64(0)
	if br != nil {
		w, err = coveringChunks(chunks, *br)
		if err != nil {
			return nil, err
		}
		sliceStart = br.Start - w.firstNodeFileOffset
	}

	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	go func() {
		err := e.writeChunks(ctx, src, chunks[w.first:w.last+1], pw, sliceStart, w.length)
		pw.CloseWithError(err)
	}()
	return &stream{pr: pr, cancel: cancel}, nil
}

// writeChunks fetches the chunk window with bounded fan-out and writes
// the requested slice in strict chunk order. The window only advances
// once every in-flight fetch in it resolved.
func (e *Engine) writeChunks(ctx context.Context, src Fetcher, chunks []dag.ChunkInfo, w io.Writer, skip, length uint64) error {
	remaining := length

	for start := 0; start < len(chunks) && remaining > 0; start += e.window {
		end := start + e.window
		if end > len(chunks) {
			end = len(chunks)
		}
		window := chunks[start:end]
		bufs := make([][]byte, len(window))

		g, gctx := errgroup.WithContext(ctx)
		for i := range window {
			i := i
			g.Go(func() error {
				n, err := src.Fetch(gctx, window[i].Cid)
				if err != nil {
					return err
				}
				if n.Type != dag.NodeTypeFileChunk {
					return fmt.Errorf("node %s is %s, expected a chunk", window[i].Cid.Short(), n.Type)
				}
				bufs[i] = n.Data
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		// Re-serialize: emit in original chunk order.
		for _, buf := range bufs {
			if skip >= uint64(len(buf)) {
				skip -= uint64(len(buf))
				continue
			}
			buf = buf[skip:]
			skip = 0
			if uint64(len(buf)) > remaining {
				buf = buf[:remaining]
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
			remaining -= uint64(len(buf))
			if remaining == 0 {
				break
			}
		}
	}

	if remaining > 0 {
		return fmt.Errorf("%w: stream ended %d bytes short", ErrNotFound, remaining)
	}
	return nil
}

// folderStream packages a folder depth-first into a zip archive, one
// entry per file, streamed without buffering whole objects.
func (e *Engine) folderStream(ctx context.Context, src Fetcher, head *dag.Node) io.ReadCloser {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()

	go func() {
		zw := zip.NewWriter(pw)
		err := e.writeFolder(ctx, src, head, head.Name, zw)
		if err == nil {
			err = zw.Close()
		}
		pw.CloseWithError(err)
	}()
	return &stream{pr: pr, cancel: cancel}
}

func (e *Engine) writeFolder(ctx context.Context, src Fetcher, folder *dag.Node, prefix string, zw *zip.Writer) error {
	for _, child := range folder.Children {
		entryPath := path.Join(prefix, child.Name)

		switch child.Type {
		case dag.NodeTypeFolder:
			sub, err := src.Fetch(ctx, child.Cid)
			if err != nil {
				return err
			}
			if err := e.writeFolder(ctx, src, sub, entryPath, zw); err != nil {
				return err
			}

		case dag.NodeTypeFile:
			head, err := src.Fetch(ctx, child.Cid)
			if err != nil {
				return err
			}
			chunks, err := dag.FlattenChunks(ctx, head, src.Fetch)
			if err != nil {
				return err
			}
			w, err := zw.Create(entryPath)
			if err != nil {
				return err
			}
			if err := e.writeChunks(ctx, src, chunks, w, 0, head.Size); err != nil {
				return err
			}

		default:
			return fmt.Errorf("folder %s: unexpected child type %s", prefix, child.Type)
		}
	}
	return nil
}

// stream is the returned pull-based byte stream: finite, not
// restartable, and Close propagates cancellation to in-flight fetches.
type stream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
}

func (s *stream) Read(p []byte) (int, error) { return s.pr.Read(p) }

func (s *stream) Close() error {
	s.cancel()
	return s.pr.Close()
}

// newSliceReader yields exactly [skip, skip+length) of one chunk payload.
func newSliceReader(data []byte, skip, length uint64) io.Reader {
	if skip > uint64(len(data)) {
		skip = uint64(len(data))
	}
	rest := data[skip:]
	if length < uint64(len(rest)) {
		rest = rest[:length]
	}
	return bytes.NewReader(rest)
}
