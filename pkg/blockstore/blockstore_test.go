package blockstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autonomys/auto-drive-sub003/pkg/cid"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func chunkRecord(data []byte) (cid.Cid, Record) {
	n := &dag.Node{Type: dag.NodeTypeFileChunk, Size: uint64(len(data)), Data: data}
	c, raw, err := dag.Encode(n)
	if err != nil {
		panic(err)
	}
	return c, Record{Type: n.Type, Size: n.Size, Encoded: raw}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, rec := chunkRecord([]byte("hello blockstore"))
	require.NoError(t, s.Put(ctx, "up-1", c, rec))

	got, err := s.Get(ctx, "up-1", c)
	require.NoError(t, err)
	require.Equal(t, rec, got)

	ok, err := s.Has(ctx, "up-1", c)
	require.NoError(t, err)
	require.True(t, ok)

	size, err := s.Size(ctx, "up-1", c)
	require.NoError(t, err)
	require.Equal(t, rec.Size, size)
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, _ := chunkRecord([]byte("never stored"))
	_, err := s.Get(ctx, "up-1", c)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := s.Has(ctx, "up-1", c)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUploadScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, rec := chunkRecord([]byte("scoped"))
	require.NoError(t, s.Put(ctx, "up-a", c, rec))

	_, err := s.Get(ctx, "up-b", c)
	require.ErrorIs(t, err, ErrNotFound)

	// Lookup resolves across uploads.
	got, err := s.Lookup(ctx, c)
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestPutIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, rec := chunkRecord([]byte("same bytes"))
	require.NoError(t, s.Put(ctx, "up-1", c, rec))
	require.NoError(t, s.Put(ctx, "up-1", c, rec))

	var count int
	it := s.Keys("up-1")
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		count++
	}
	require.NoError(t, it.Err())
	require.Equal(t, 1, count, "re-put must not add an enumeration entry")
}

func TestEnumerationOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var want []cid.Cid
	for i := 0; i < 300; i++ { // more than one iterator batch
		c, rec := chunkRecord([]byte(fmt.Sprintf("chunk %d", i)))
		require.NoError(t, s.Put(ctx, "up-1", c, rec))
		want = append(want, c)
	}

	var got []cid.Cid
	it := s.Keys("up-1")
	for c, ok := it.Next(); ok; c, ok = it.Next() {
		got = append(got, c)
	}
	require.NoError(t, it.Err())
	require.Equal(t, want, got, "enumeration must preserve insertion order")

	// Restartable: a fresh iterator yields the same sequence.
	var again []cid.Cid
	it2 := s.Keys("up-1")
	for c, ok := it2.Next(); ok; c, ok = it2.Next() {
		again = append(again, c)
	}
	require.NoError(t, it2.Err())
	require.Equal(t, want, again)
}

func TestKeysByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c1, r1 := chunkRecord([]byte("data"))
	require.NoError(t, s.Put(ctx, "up-1", c1, r1))

	head := &dag.Node{Type: dag.NodeTypeFile, Size: 4, Depth: 1, Links: []dag.Link{{Cid: c1, Size: 4}}}
	hc, raw, err := dag.Encode(head)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "up-1", hc, Record{Type: head.Type, Size: head.Size, Encoded: raw}))

	it := s.KeysByType("up-1", dag.NodeTypeFile)
	c, ok := it.Next()
	require.True(t, ok)
	require.Equal(t, hc, c)
	_, ok = it.Next()
	require.False(t, ok)
	require.NoError(t, it.Err())
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c, rec := chunkRecord([]byte("to be removed"))
	require.NoError(t, s.Put(ctx, "up-1", c, rec))
	require.NoError(t, s.Delete(ctx, "up-1", c))

	_, err := s.Get(ctx, "up-1", c)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Lookup(ctx, c)
	require.ErrorIs(t, err, ErrNotFound)

	it := s.Keys("up-1")
	_, ok := it.Next()
	require.False(t, ok)
	require.NoError(t, it.Err())

	// Deleting an absent cid is not an error.
	require.NoError(t, s.Delete(ctx, "up-1", c))
}
