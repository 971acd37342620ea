package dag

import (
	"bytes"
	"fmt"
	"io"

	chunker "github.com/ipfs/boxo/chunker"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

const (
	// DefaultMaxChunkSize bounds the raw payload of one chunk node.
	DefaultMaxChunkSize = 64 * 1024
	// DefaultMaxLinksPerNode bounds the link fan-out of head and inlink
	// nodes; exceeding it introduces an intermediate inlink layer.
	DefaultMaxLinksPerNode = 64
)

// Sink receives every node the builder produces, in production order
// (chunks first, then inlink layers bottom-up, head last).
type Sink func(c cid.Cid, n *Node, encoded []byte) error

// Builder carries the chunking parameters.
type Builder struct {
	maxChunkSize    int
	maxLinksPerNode int
}

func NewBuilder(maxChunkSize, maxLinksPerNode int) *Builder {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if maxLinksPerNode <= 1 {
		maxLinksPerNode = DefaultMaxLinksPerNode
	}
	return &Builder{maxChunkSize: maxChunkSize, maxLinksPerNode: maxLinksPerNode}
}

func (b *Builder) MaxChunkSize() int { return b.maxChunkSize }

// FileBuilder assembles one file's DAG incrementally. Parts can be fed
// across multiple calls (and processes): Tail, Links and TotalSize
// expose the carried state, ResumeFile restores it.
type FileBuilder struct {
	b         *Builder
	sink      Sink
	name      string
	tail      []byte
	links     []Link
	totalSize uint64
	finalized bool
}

func (b *Builder) NewFile(name string, sink Sink) *FileBuilder {
	return &FileBuilder{b: b, sink: sink, name: name}
}

// ResumeFile restores a FileBuilder from carried state persisted
// between upload parts.
func (b *Builder) ResumeFile(name string, sink Sink, tail []byte, links []Link, totalSize uint64) *FileBuilder {
	return &FileBuilder{
		b:         b,
		sink:      sink,
		name:      name,
		tail:      tail,
		links:     links,
		totalSize: totalSize,
	}
}

func (fb *FileBuilder) Tail() []byte      { return fb.tail }
func (fb *FileBuilder) Links() []Link     { return fb.links }
func (fb *FileBuilder) TotalSize() uint64 { return fb.totalSize }

// Write feeds the next part. Full-size chunks are emitted immediately;
// an unconsumed byte tail shorter than the chunk size is carried
// forward for the next part (or for Finalize).
func (fb *FileBuilder) Write(p []byte) (int, error) {
	if fb.finalized {
		return 0, fmt.Errorf("file builder already finalized")
	}

	data := append(fb.tail, p...)
	fb.tail = nil

	split := chunker.NewSizeSplitter(bytes.NewReader(data), int64(fb.b.maxChunkSize))
	for {
		piece, err := split.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("splitting part: %w", err)
		}
		if len(piece) < fb.b.maxChunkSize {
			// Short piece can only be the last one; carry it.
			fb.tail = piece
			break
		}
		if err := fb.emitChunk(piece); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (fb *FileBuilder) emitChunk(data []byte) error {
	n := &Node{
		Type: NodeTypeFileChunk,
		Size: uint64(len(data)),
		Data: data,
	}
	c, raw, err := Encode(n)
	if err != nil {
		return err
	}
	if err := fb.sink(c, n, raw); err != nil {
		return fmt.Errorf("sinking chunk: %w", err)
	}
	fb.links = append(fb.links, Link{Cid: c, Size: n.Size})
	fb.totalSize += n.Size
	return nil
}

// Finalize flushes the carried tail, builds inlink layers until the
// fan-out bound holds and emits the file head. Returns the root cid.
func (fb *FileBuilder) Finalize() (cid.Cid, error) {
	if fb.finalized {
		return cid.Zero, fmt.Errorf("file builder already finalized")
	}
	fb.finalized = true

	if len(fb.tail) > 0 {
		if err := fb.emitChunk(fb.tail); err != nil {
			return cid.Zero, err
		}
		fb.tail = nil
	}

	links := fb.links
	depth := uint32(1)
	for len(links) > fb.b.maxLinksPerNode {
		parents := make([]Link, 0, (len(links)+fb.b.maxLinksPerNode-1)/fb.b.maxLinksPerNode)
		for start := 0; start < len(links); start += fb.b.maxLinksPerNode {
			end := start + fb.b.maxLinksPerNode
			if end > len(links) {
				end = len(links)
			}
			group := links[start:end]

			var groupSize uint64
			for _, l := range group {
				groupSize += l.Size
			}

			inlink := &Node{
				Type:  NodeTypeFileInlink,
				Size:  groupSize,
				Depth: depth,
				Links: group,
			}
			c, raw, err := Encode(inlink)
			if err != nil {
				return cid.Zero, err
			}
			if err := fb.sink(c, inlink, raw); err != nil {
				return cid.Zero, fmt.Errorf("sinking inlink: %w", err)
			}
			parents = append(parents, Link{Cid: c, Size: groupSize})
		}
		links = parents
		depth++
	}

	head := &Node{
		Type:  NodeTypeFile,
		Size:  fb.totalSize,
		Depth: depth,
		Name:  fb.name,
		Links: links,
	}
	c, raw, err := Encode(head)
	if err != nil {
		return cid.Zero, err
	}
	if err := fb.sink(c, head, raw); err != nil {
		return cid.Zero, fmt.Errorf("sinking file head: %w", err)
	}
	return c, nil
}

// Folder builds a folder head node over completed children. Size
// aggregates the children's total sizes.
func (b *Builder) Folder(name string, children []FolderLink, sink Sink) (cid.Cid, error) {
	var total uint64
	for _, ch := range children {
		total += ch.TotalSize
	}

	n := &Node{
		Type:     NodeTypeFolder,
		Size:     total,
		Name:     name,
		Children: children,
	}
	c, raw, err := Encode(n)
	if err != nil {
		return cid.Zero, err
	}
	if err := sink(c, n, raw); err != nil {
		return cid.Zero, fmt.Errorf("sinking folder head: %w", err)
	}
	return c, nil
}

// ChunkAll is the one-shot path: feed the whole reader and finalize.
// Produced nodes are collected and returned alongside the root cid.
func (b *Builder) ChunkAll(r io.Reader, name string) (cid.Cid, []*Node, error) {
	var nodes []*Node
	sink := func(c cid.Cid, n *Node, encoded []byte) error {
		nodes = append(nodes, n)
		return nil
	}

	fb := b.NewFile(name, sink)
	if _, err := io.Copy(fb, r); err != nil {
		return cid.Zero, nil, err
	}
	root, err := fb.Finalize()
	if err != nil {
		return cid.Zero, nil, err
	}
	return root, nodes, nil
}
