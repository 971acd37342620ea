// Package retriever reconstructs byte streams from the DAG: full
// objects, exact byte ranges of files, and zip-packaged folders, fetched
// from the local blockstore or the storage-network gateway.
package retriever

import (
	"errors"
	"fmt"

	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

var (
	// ErrNotFound is surfaced when metadata or a chunk node is absent.
	ErrNotFound = errors.New("retriever: object not found")
	// ErrByteRangeInvalid is surfaced for ranges outside the file, or
	// for range requests against folders.
	ErrByteRangeInvalid = errors.New("retriever: byte range not satisfiable")
)

// ByteRange is an inclusive [Start, End] request. A nil End means
// "through end of file".
type ByteRange struct {
	Start uint64
	End   *uint64
}

// chunkWindow is the minimal covering set of chunk indices for a range.
type chunkWindow struct {
	first int
	last  int
	// firstNodeFileOffset is the file offset at which chunk `first`
	// begins; the requested slice starts Start-firstNodeFileOffset
	// bytes into the fetched window.
	firstNodeFileOffset uint64
	// length is the exact byte count the stream must yield.
	length uint64
}

// coveringChunks walks the ordered chunk sizes and finds the covering
// window for the requested range.
func coveringChunks(chunks []dag.ChunkInfo, r ByteRange) (chunkWindow, error) {
	var totalSize uint64
	for _, c := range chunks {
		totalSize += c.Size
	}
	if r.Start >= totalSize {
		return chunkWindow{}, fmt.Errorf("%w: start %d beyond size %d", ErrByteRangeInvalid, r.Start, totalSize)
	}

	end := totalSize - 1
	if r.End != nil {
		if *r.End < r.Start {
			return chunkWindow{}, fmt.Errorf("%w: end %d before start %d", ErrByteRangeInvalid, *r.End, r.Start)
		}
		if *r.End < end {
			end = *r.End
		}
	}

	w := chunkWindow{first: -1, last: -1}
	var offset uint64
	for i, c := range chunks {
		if w.first < 0 && r.Start < offset+c.Size {
			w.first = i
			w.firstNodeFileOffset = offset
		}
		if end < offset+c.Size {
			w.last = i
			break
		}
		offset += c.Size
	}

	w.length = end - r.Start + 1
	return w, nil
}
