package uploads

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/autonomys/auto-drive-sub003/internal/db"
	"github.com/autonomys/auto-drive-sub003/internal/models"
	"github.com/autonomys/auto-drive-sub003/pkg/blockstore"
	"github.com/autonomys/auto-drive-sub003/pkg/dag"
)

func testStore(t *testing.T) (*Store, blockstore.Store) {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	blocks, err := blockstore.NewBadgerStore(blockstore.Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { blocks.Close() })
	return NewStore(gdb, blocks, Config{MaxChunkSize: 256, MaxLinksPerNode: 4}), blocks
}

func randBytes(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func TestMultiPartMatchesOneShot(t *testing.T) {
	ctx := context.Background()
	data := randBytes(1, 256*9+99)

	s1, _ := testStore(t)
	one, err := s1.CreateFileUpload(ctx, "f.bin", "application/octet-stream")
	require.NoError(t, err)
	_, err = s1.WritePart(ctx, one.ID, bytes.NewReader(data))
	require.NoError(t, err)
	rootOne, err := s1.CompleteFile(ctx, one.ID)
	require.NoError(t, err)

	// Same bytes fed in uneven parts, with state persisted between calls,
	// must land on the same root cid.
	s2, _ := testStore(t)
	many, err := s2.CreateFileUpload(ctx, "f.bin", "application/octet-stream")
	require.NoError(t, err)
	for _, cut := range [][2]int{{0, 100}, {100, 700}, {700, 701}, {701, len(data)}} {
		_, err = s2.WritePart(ctx, many.ID, bytes.NewReader(data[cut[0]:cut[1]]))
		require.NoError(t, err)
	}
	rootMany, err := s2.CompleteFile(ctx, many.ID)
	require.NoError(t, err)

	require.Equal(t, rootOne, rootMany)

	// A root upload sits in Migrating until its nodes are handed over.
	up, err := s2.Get(ctx, many.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusMigrating, up.Status)
	require.NotNil(t, up.RootCid)
	require.EqualValues(t, len(data), up.TotalSize)

	require.NoError(t, s2.MarkCompleted(ctx, many.ID))
	up, err = s2.Get(ctx, many.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCompleted, up.Status)
}

func TestCompleteFileStoresAllNodes(t *testing.T) {
	ctx := context.Background()
	s, blocks := testStore(t)

	up, err := s.CreateFileUpload(ctx, "f.bin", "")
	require.NoError(t, err)
	_, err = s.WritePart(ctx, up.ID, bytes.NewReader(randBytes(2, 256*6)))
	require.NoError(t, err)
	root, err := s.CompleteFile(ctx, up.ID)
	require.NoError(t, err)

	rec, err := blocks.Get(ctx, up.RootUploadID, root)
	require.NoError(t, err)
	require.Equal(t, dag.NodeTypeFile, rec.Type)

	cids, err := s.NodeCids(ctx, up.RootUploadID)
	require.NoError(t, err)
	// 6 chunks + 2 inlinks (fan-out 4) + head, head last.
	require.Len(t, cids, 9)
	require.Equal(t, root, cids[len(cids)-1])
}

func TestEmptyFileCompletes(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	up, err := s.CreateFileUpload(ctx, "empty", "")
	require.NoError(t, err)
	root, err := s.CompleteFile(ctx, up.ID)
	require.NoError(t, err)
	require.False(t, root.IsZero())
}

func TestFolderCompletionGatedOnChildren(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	folder, err := s.CreateFolderUpload(ctx, "home")
	require.NoError(t, err)
	child, err := s.CreateFileInFolder(ctx, folder.ID, "home/a.bin", "a.bin", "")
	require.NoError(t, err)

	_, err = s.CompleteFolder(ctx, folder.ID)
	require.ErrorIs(t, err, ErrChildrenPending)

	_, err = s.WritePart(ctx, child.ID, bytes.NewReader(randBytes(3, 300)))
	require.NoError(t, err)
	_, err = s.CompleteFile(ctx, child.ID)
	require.NoError(t, err)

	root, err := s.CompleteFolder(ctx, folder.ID)
	require.NoError(t, err)
	require.False(t, root.IsZero())

	// The child completed outright; the root folder migrates.
	got, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCompleted, got.Status)

	up, err := s.Get(ctx, folder.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusMigrating, up.Status)
	require.EqualValues(t, 300, up.TotalSize)
}

func TestNestedFolderSharesBlockstoreScope(t *testing.T) {
	ctx := context.Background()
	s, blocks := testStore(t)

	top, err := s.CreateFolderUpload(ctx, "top")
	require.NoError(t, err)
	sub, err := s.CreateFolderInFolder(ctx, top.ID, "top/sub", "sub")
	require.NoError(t, err)
	file, err := s.CreateFileInFolder(ctx, sub.ID, "top/sub/f", "f", "")
	require.NoError(t, err)

	_, err = s.WritePart(ctx, file.ID, bytes.NewReader(randBytes(4, 100)))
	require.NoError(t, err)
	fileRoot, err := s.CompleteFile(ctx, file.ID)
	require.NoError(t, err)
	_, err = s.CompleteFolder(ctx, sub.ID)
	require.NoError(t, err)
	topRoot, err := s.CompleteFolder(ctx, top.ID)
	require.NoError(t, err)

	// Every node of the tree is findable under the root upload's scope.
	_, err = blocks.Get(ctx, top.RootUploadID, fileRoot)
	require.NoError(t, err)
	_, err = blocks.Get(ctx, top.RootUploadID, topRoot)
	require.NoError(t, err)
}

func TestWriteAfterCompleteRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	up, err := s.CreateFileUpload(ctx, "f", "")
	require.NoError(t, err)
	_, err = s.CompleteFile(ctx, up.ID)
	require.NoError(t, err)

	_, err = s.WritePart(ctx, up.ID, bytes.NewReader([]byte("late")))
	require.ErrorIs(t, err, ErrBadTransition)
	_, err = s.CompleteFile(ctx, up.ID)
	require.ErrorIs(t, err, ErrBadTransition)
}

func TestCancelClearsTree(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	folder, err := s.CreateFolderUpload(ctx, "home")
	require.NoError(t, err)
	child, err := s.CreateFileInFolder(ctx, folder.ID, "home/a", "a", "")
	require.NoError(t, err)
	_, err = s.WritePart(ctx, child.ID, bytes.NewReader(randBytes(5, 1000)))
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, folder.ID))

	up, err := s.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusCancelled, up.Status)

	cids, err := s.NodeCids(ctx, folder.RootUploadID)
	require.NoError(t, err)
	require.Empty(t, cids)

	// Cancel is terminal.
	_, err = s.WritePart(ctx, child.ID, bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrBadTransition)
}

func TestCancelTargetsRootOnly(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	folder, err := s.CreateFolderUpload(ctx, "home")
	require.NoError(t, err)
	child, err := s.CreateFileInFolder(ctx, folder.ID, "home/a", "a", "")
	require.NoError(t, err)

	require.ErrorIs(t, s.Cancel(ctx, child.ID), ErrBadTransition)
}

func TestFailKeepsNodes(t *testing.T) {
	ctx := context.Background()
	s, _ := testStore(t)

	up, err := s.CreateFileUpload(ctx, "f", "")
	require.NoError(t, err)
	_, err = s.WritePart(ctx, up.ID, bytes.NewReader(randBytes(6, 600)))
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, up.ID, io.ErrUnexpectedEOF))

	got, err := s.Get(ctx, up.ID)
	require.NoError(t, err)
	require.Equal(t, models.UploadStatusFailed, got.Status)

	cids, err := s.NodeCids(ctx, up.RootUploadID)
	require.NoError(t, err)
	require.NotEmpty(t, cids)
}
