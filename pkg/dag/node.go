// Package dag models the hash-linked node graph built over chunked
// content. Files become ordered chunk nodes under a file head (with
// intermediate inlink layers when the fan-out bound is exceeded);
// folders become head nodes referencing their children's heads.
package dag

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

type NodeType uint8

const (
	NodeTypeFileChunk NodeType = iota
	NodeTypeFile
	NodeTypeFileInlink
	NodeTypeFolder
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeFileChunk:
		return "file-chunk"
	case NodeTypeFile:
		return "file"
	case NodeTypeFileInlink:
		return "file-inlink"
	case NodeTypeFolder:
		return "folder"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Link is an ordered reference to a child node. Size is the number of
// content bytes reachable through the child, which is what the
// byte-range math works on.
type Link struct {
	Cid  cid.Cid `cbor:"1,keyasint"`
	Size uint64  `cbor:"2,keyasint"`
}

// FolderLink carries the denormalized child attributes a folder listing
// needs, so listing never has to fetch the child heads.
type FolderLink struct {
	Cid       cid.Cid  `cbor:"1,keyasint"`
	Name      string   `cbor:"2,keyasint"`
	Type      NodeType `cbor:"3,keyasint"`
	TotalSize uint64   `cbor:"4,keyasint"`
}

// Node is one DAG vertex. Depth is the distance to the chunk layer:
// chunks are 0, a head linking chunks directly is 1, each inlink layer
// adds one. Depth lets a reader know whether links point at chunks or
// at inlinks without fetching them.
type Node struct {
	Type     NodeType     `cbor:"1,keyasint"`
	Size     uint64       `cbor:"2,keyasint"`
	Depth    uint32       `cbor:"3,keyasint,omitempty"`
	Name     string       `cbor:"4,keyasint,omitempty"`
	Links    []Link       `cbor:"5,keyasint,omitempty"`
	Data     []byte       `cbor:"6,keyasint,omitempty"`
	Children []FolderLink `cbor:"7,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	// The cid is derived from the encoded bytes, so encoding must be
	// deterministic across processes and versions.
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em

	dm, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	decMode = dm
}

// Encode serializes the node and derives its cid from the encoded bytes.
func Encode(n *Node) (cid.Cid, []byte, error) {
	raw, err := encMode.Marshal(n)
	if err != nil {
		return cid.Zero, nil, fmt.Errorf("encoding node: %w", err)
	}
	return cid.FromBytes(raw), raw, nil
}

// Decode parses encoded node bytes back into a Node.
func Decode(raw []byte) (*Node, error) {
	var n Node
	if err := decMode.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decoding node: %w", err)
	}
	return &n, nil
}

// ChunkInfo is one entry of a file's flattened, ordered chunk list.
type ChunkInfo struct {
	Cid  cid.Cid
	Size uint64
}

// FetchFunc resolves a cid to its node from whatever source holds it.
type FetchFunc func(ctx context.Context, c cid.Cid) (*Node, error)

// FlattenChunks resolves a file head into its ordered chunk list,
// descending through inlink layers. Only inlink nodes are fetched;
// chunk sizes come from the links themselves.
func FlattenChunks(ctx context.Context, head *Node, fetch FetchFunc) ([]ChunkInfo, error) {
	if head.Type != NodeTypeFile && head.Type != NodeTypeFileInlink {
		return nil, fmt.Errorf("cannot flatten node of type %s", head.Type)
	}

	if head.Depth <= 1 {
		chunks := make([]ChunkInfo, 0, len(head.Links))
		for _, l := range head.Links {
			chunks = append(chunks, ChunkInfo{Cid: l.Cid, Size: l.Size})
		}
		return chunks, nil
	}

	var chunks []ChunkInfo
	for _, l := range head.Links {
		child, err := fetch(ctx, l.Cid)
		if err != nil {
			return nil, fmt.Errorf("fetching inlink %s: %w", l.Cid.Short(), err)
		}
		sub, err := FlattenChunks(ctx, child, fetch)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, sub...)
	}
	return chunks, nil
}
