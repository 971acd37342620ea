package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autonomys/auto-drive-sub003/internal/db"
	"github.com/autonomys/auto-drive-sub003/internal/retriever"
	"github.com/autonomys/auto-drive-sub003/pkg/cid"
)

type fakeEngine struct {
	mu    sync.Mutex
	data  map[cid.Cid][]byte
	calls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{data: map[cid.Cid][]byte{}}
}

func (f *fakeEngine) add(data []byte) cid.Cid {
	c := cid.FromBytes(data)
	f.data[c] = data
	return c
}

func (f *fakeEngine) Retrieve(ctx context.Context, root cid.Cid, br *retriever.ByteRange) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	data, ok := f.data[root]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", retriever.ErrNotFound, root.Short())
	}
	if br != nil {
		if br.Start >= uint64(len(data)) {
			return nil, retriever.ErrByteRangeInvalid
		}
		end := uint64(len(data)) - 1
		if br.End != nil && *br.End < end {
			end = *br.End
		}
		data = data[br.Start : end+1]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testDisk(t *testing.T, maxBytes uint64, ttl time.Duration) *DiskCache {
	t.Helper()
	gdb, err := db.Open(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	dc, err := NewDiskCache(gdb, DiskConfig{
		Root:     filepath.Join(t.TempDir(), "cache"),
		MaxBytes: maxBytes,
		TTL:      ttl,
	})
	require.NoError(t, err)
	return dc
}

func randBytes(seed int64, n int) []byte {
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	return data
}

func u64(v uint64) *uint64 { return &v }

func TestMemoryLRUEviction(t *testing.T) {
	m := NewMemoryCache(300)

	a := cid.FromBytes([]byte("a"))
	b := cid.FromBytes([]byte("b"))
	c := cid.FromBytes([]byte("c"))
	m.Put(a, make([]byte, 100))
	m.Put(b, make([]byte, 100))
	m.Put(c, make([]byte, 100))

	// Touch a so b becomes the least recently used.
	_, ok := m.Get(a, nil)
	require.True(t, ok)

	m.Put(cid.FromBytes([]byte("d")), make([]byte, 100))
	require.True(t, m.Contains(a))
	require.False(t, m.Contains(b), "least recently used entry must go first")
	require.True(t, m.Contains(c))
	require.LessOrEqual(t, m.Bytes(), uint64(300))
}

func TestMemoryRejectsOversize(t *testing.T) {
	m := NewMemoryCache(10)
	c := cid.FromBytes([]byte("big"))
	m.Put(c, make([]byte, 11))
	require.False(t, m.Contains(c))
	require.Zero(t, m.Bytes())
}

func TestMemoryRangeSlice(t *testing.T) {
	m := NewMemoryCache(1024)
	data := randBytes(1, 100)
	c := cid.FromBytes(data)
	m.Put(c, data)

	got, ok := m.Get(c, &retriever.ByteRange{Start: 10, End: u64(19)})
	require.True(t, ok)
	require.Equal(t, data[10:20], got)

	got, ok = m.Get(c, &retriever.ByteRange{Start: 90, End: u64(9999)})
	require.True(t, ok)
	require.Equal(t, data[90:], got)

	_, ok = m.Get(c, &retriever.ByteRange{Start: 100})
	require.False(t, ok)
}

func TestDiskRoundTrip(t *testing.T) {
	d := testDisk(t, 0, 0)
	data := randBytes(2, 5000)
	c := cid.FromBytes(data)

	require.NoError(t, d.Put(context.Background(), c, bytes.NewReader(data)))
	require.True(t, d.Contains(c))

	rc, ok := d.Get(context.Background(), c, nil)
	require.True(t, ok)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, data, got)

	rc, ok = d.Get(context.Background(), c, &retriever.ByteRange{Start: 1000, End: u64(1999)})
	require.True(t, ok)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, data[1000:2000], got)
}

func TestDiskEvictsOldestAccess(t *testing.T) {
	d := testDisk(t, 250, 0)
	ctx := context.Background()

	a := cid.FromBytes([]byte("a"))
	b := cid.FromBytes([]byte("b"))
	require.NoError(t, d.Put(ctx, a, bytes.NewReader(make([]byte, 100))))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, d.Put(ctx, b, bytes.NewReader(make([]byte, 100))))
	time.Sleep(5 * time.Millisecond)

	// Touch a so b holds the oldest access time.
	rc, ok := d.Get(ctx, a, nil)
	require.True(t, ok)
	rc.Close()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, d.Put(ctx, cid.FromBytes([]byte("c")), bytes.NewReader(make([]byte, 100))))
	require.True(t, d.Contains(a))
	require.False(t, d.Contains(b))
}

func TestDiskTTLTreatedAsAbsent(t *testing.T) {
	d := testDisk(t, 0, 20*time.Millisecond)
	data := randBytes(3, 100)
	c := cid.FromBytes(data)

	require.NoError(t, d.Put(context.Background(), c, bytes.NewReader(data)))
	require.True(t, d.Contains(c))

	time.Sleep(40 * time.Millisecond)
	require.False(t, d.Contains(c))
	_, ok := d.Get(context.Background(), c, nil)
	require.False(t, ok)
}

func TestDownloadPopulatesTiers(t *testing.T) {
	engine := newFakeEngine()
	data := randBytes(4, 8000)
	c := engine.add(data)

	cc := New(NewMemoryCache(1<<20), testDisk(t, 0, 0), engine, Config{})

	rc, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)

	require.Eventually(t, func() bool {
		return cc.Status(c) == StatusCached
	}, time.Second, 5*time.Millisecond)

	// Second hit is served from cache: no additional engine call, same bytes.
	rc, err = cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	got, err = io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, data, got)
	require.Equal(t, 1, engine.callCount())
}

func TestDownloadSameBytesFromEveryTier(t *testing.T) {
	engine := newFakeEngine()
	data := randBytes(5, 3000)
	c := engine.add(data)

	mem := NewMemoryCache(1 << 20)
	dsk := testDisk(t, 0, 0)
	cc := New(mem, dsk, engine, Config{})

	fromEngine, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	engineBytes, err := io.ReadAll(fromEngine)
	require.NoError(t, err)
	fromEngine.Close()

	require.Eventually(t, func() bool {
		return mem.Contains(c) && dsk.Contains(c)
	}, time.Second, 5*time.Millisecond)

	fromMem, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	memBytes, err := io.ReadAll(fromMem)
	require.NoError(t, err)
	fromMem.Close()

	// Drop the memory entry so the disk tier serves.
	mem.Put(cid.FromBytes([]byte("filler")), make([]byte, 1<<20))
	require.False(t, mem.Contains(c))

	fromDisk, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	diskBytes, err := io.ReadAll(fromDisk)
	require.NoError(t, err)
	fromDisk.Close()

	require.Equal(t, data, engineBytes)
	require.Equal(t, data, memBytes)
	require.Equal(t, data, diskBytes)
}

func TestRangeRequestDoesNotPopulate(t *testing.T) {
	engine := newFakeEngine()
	data := randBytes(6, 4000)
	c := engine.add(data)

	cc := New(NewMemoryCache(1<<20), testDisk(t, 0, 0), engine, Config{})

	rc, err := cc.Download(context.Background(), c, Options{
		Range: &retriever.ByteRange{Start: 100, End: u64(199)},
	})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, data[100:200], got)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StatusNotCached, cc.Status(c))
}

func TestRangeServedFromCachedObject(t *testing.T) {
	engine := newFakeEngine()
	data := randBytes(7, 4000)
	c := engine.add(data)

	mem := NewMemoryCache(1 << 20)
	cc := New(mem, testDisk(t, 0, 0), engine, Config{})

	rc, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	io.Copy(io.Discard, rc)
	rc.Close()

	require.Eventually(t, func() bool { return mem.Contains(c) }, time.Second, 5*time.Millisecond)

	rc, err = cc.Download(context.Background(), c, Options{
		Range: &retriever.ByteRange{Start: 3000},
	})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, data[3000:], got)
	require.Equal(t, 1, engine.callCount())
}

func TestPopulationFailureDoesNotAffectCaller(t *testing.T) {
	engine := newFakeEngine()
	data := randBytes(8, 2000)
	c := engine.add(data)

	// Disk ceiling far below the object size: the disk branch fails while
	// the caller's stream must stay intact.
	cc := New(NewMemoryCache(10), testDisk(t, 100, 0), engine, Config{})

	rc, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, data, got)
}

func TestEarlyCloseDetachesBranches(t *testing.T) {
	engine := newFakeEngine()
	c := engine.add(randBytes(9, 5000))

	cc := New(NewMemoryCache(1<<20), testDisk(t, 0, 0), engine, Config{})

	rc, err := cc.Download(context.Background(), c, Options{})
	require.NoError(t, err)
	buf := make([]byte, 100)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	require.NoError(t, rc.Close())

	// A truncated fork never becomes a cache entry.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StatusNotCached, cc.Status(c))
}
