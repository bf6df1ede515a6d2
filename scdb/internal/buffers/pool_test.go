package buffers

import (
	"os"
	"testing"
	"time"

	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/kvscdb/scdb/scdb/internal/entries"
	"github.com/stretchr/testify/assert"
)

func newTestPool(t *testing.T, fileName string, maxKeys uint64, redundantBlocks uint16, poolCapacity uint64) *BufferPool {
	t.Helper()
	_ = os.Remove(fileName)
	pool, err := NewBufferPool(fileName, &maxKeys, &redundantBlocks, &poolCapacity)
	if err != nil {
		t.Fatalf("error creating buffer pool: %s", err)
	}
	return pool
}

func TestNewBufferPool(t *testing.T) {
	fileName := "testpool_new.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	maxKeys := uint64(100)
	redundantBlocks := uint16(2)
	poolCapacity := uint64(10)

	pool := newTestPool(t, fileName, maxKeys, redundantBlocks, poolCapacity)
	defer func() {
		_ = pool.Close()
	}()

	assert.Equal(t, fileName, pool.FilePath)
	assert.Equal(t, pool.Header.GetValuesStartPoint(), pool.KeyValuesStartPoint)
	assert.Equal(t, pool.Header.GetValuesStartPoint(), pool.FileSize)
}

func TestNewBufferPool_ReopensExistingFile(t *testing.T) {
	fileName := "testpool_reopen.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	maxKeys := uint64(100)
	redundantBlocks := uint16(2)
	poolCapacity := uint64(10)

	first := newTestPool(t, fileName, maxKeys, redundantBlocks, poolCapacity)
	if _, err := first.Append([]byte("hello")); err != nil {
		t.Fatalf("error appending: %s", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("error closing first pool: %s", err)
	}

	second, err := NewBufferPool(fileName, nil, nil, nil)
	if err != nil {
		t.Fatalf("error reopening pool: %s", err)
	}
	defer func() {
		_ = second.Close()
	}()

	assert.Equal(t, first.FileSize, second.FileSize)
	assert.True(t, first.Eq(second))
}

func TestBufferPool_AppendAndReadAt(t *testing.T) {
	fileName := "testpool_append.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	offset, err := pool.Append([]byte("hello world"))
	if err != nil {
		t.Fatalf("error appending: %s", err)
	}

	got, err := pool.ReadAt(offset, 11, KindKeyValue)
	if err != nil {
		t.Fatalf("error reading: %s", err)
	}
	assert.Equal(t, []byte("hello world"), got)

	// a second read should hit the cached page
	got, err = pool.ReadAt(offset, 5, KindKeyValue)
	if err != nil {
		t.Fatalf("error reading cached page: %s", err)
	}
	assert.Equal(t, []byte("hello"), got)
}

func TestBufferPool_Replace(t *testing.T) {
	fileName := "testpool_replace.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	offset, err := pool.Append([]byte("hello world"))
	if err != nil {
		t.Fatalf("error appending: %s", err)
	}

	// warm the cache
	if _, err := pool.ReadAt(offset, 11, KindKeyValue); err != nil {
		t.Fatalf("error warming cache: %s", err)
	}

	if err := pool.Replace(offset+6, []byte("there")); err != nil {
		t.Fatalf("error replacing: %s", err)
	}

	got, err := pool.ReadAt(offset, 11, KindKeyValue)
	if err != nil {
		t.Fatalf("error reading: %s", err)
	}
	assert.Equal(t, []byte("hello there"), got)
}

func TestBufferPool_ReadEntryAndGetValue(t *testing.T) {
	fileName := "testpool_entry.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	now := uint64(time.Now().Unix())
	entry := entries.NewKeyValueEntry([]byte("foo"), []byte("bar"), 0)
	offset, err := pool.Append(entry.AsBytes())
	if err != nil {
		t.Fatalf("error appending entry: %s", err)
	}

	t.Run("ReadEntryDecodesWrittenEntry", func(t *testing.T) {
		got, err := pool.ReadEntry(offset)
		if err != nil {
			t.Fatalf("error reading entry: %s", err)
		}
		assert.Equal(t, []byte("foo"), got.Key)
		assert.Equal(t, []byte("bar"), got.Value)
	})

	t.Run("ReadEntryReturnsNilPastFileSize", func(t *testing.T) {
		got, err := pool.ReadEntry(pool.FileSize + 1000)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("GetValueReturnsValueForMatchingLiveKey", func(t *testing.T) {
		got, err := pool.GetValue(offset, []byte("foo"), now)
		if err != nil {
			t.Fatalf("error getting value: %s", err)
		}
		assert.Equal(t, []byte("bar"), got)
	})

	t.Run("GetValueReturnsNilForMismatchedKey", func(t *testing.T) {
		got, err := pool.GetValue(offset, []byte("baz"), now)
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("AddrBelongsToKeyIsTrueForLiveMatchingKey", func(t *testing.T) {
		ok, err := pool.AddrBelongsToKey(offset, []byte("foo"))
		assert.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("AddrBelongsToKeyIsFalseForMismatchedKey", func(t *testing.T) {
		ok, err := pool.AddrBelongsToKey(offset, []byte("baz"))
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ReadKeyAtReturnsStoredKey", func(t *testing.T) {
		got, err := pool.ReadKeyAt(offset)
		assert.NoError(t, err)
		assert.Equal(t, []byte("foo"), got)
	})
}

func TestBufferPool_GetValueExpiredEntry(t *testing.T) {
	fileName := "testpool_expiry.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	now := uint64(time.Now().Unix())
	entry := entries.NewKeyValueEntry([]byte("foo"), []byte("bar"), now-3600)
	offset, err := pool.Append(entry.AsBytes())
	if err != nil {
		t.Fatalf("error appending entry: %s", err)
	}

	got, err := pool.GetValue(offset, []byte("foo"), now)
	assert.NoError(t, err)
	assert.Nil(t, got)

	// expired entries still "belong" to their key for probing purposes
	ok, err := pool.AddrBelongsToKey(offset, []byte("foo"))
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestBufferPool_TryDeleteKvEntry(t *testing.T) {
	fileName := "testpool_delete.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	entry := entries.NewKeyValueEntry([]byte("foo"), []byte("bar"), 0)
	offset, err := pool.Append(entry.AsBytes())
	if err != nil {
		t.Fatalf("error appending entry: %s", err)
	}

	if err := pool.TryDeleteKvEntry(offset); err != nil {
		t.Fatalf("error deleting entry: %s", err)
	}

	got, err := pool.ReadEntry(offset)
	if err != nil {
		t.Fatalf("error reading entry: %s", err)
	}
	assert.True(t, got.IsDeleted)

	ok, err := pool.AddrBelongsToKey(offset, []byte("foo"))
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestBufferPool_ClearFile(t *testing.T) {
	fileName := "testpool_clear.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	if _, err := pool.Append([]byte("hello world")); err != nil {
		t.Fatalf("error appending: %s", err)
	}

	if err := pool.ClearFile(); err != nil {
		t.Fatalf("error clearing file: %s", err)
	}

	assert.Equal(t, pool.Header.GetValuesStartPoint(), pool.FileSize)
}

func TestBufferPool_CompactFile(t *testing.T) {
	fileName := "testpool_compact.scdb"
	defer func() {
		_ = os.Remove(fileName)
	}()

	pool := newTestPool(t, fileName, 100, 1, 10)
	defer func() {
		_ = pool.Close()
	}()

	now := uint64(time.Now().Unix())

	liveEntry := entries.NewKeyValueEntry([]byte("live"), []byte("value"), 0)
	liveOffset, err := pool.Append(liveEntry.AsBytes())
	if err != nil {
		t.Fatalf("error appending live entry: %s", err)
	}

	deletedEntry := entries.NewKeyValueEntry([]byte("deleted"), []byte("value"), 0)
	deletedOffset, err := pool.Append(deletedEntry.AsBytes())
	if err != nil {
		t.Fatalf("error appending deleted entry: %s", err)
	}
	if err := pool.TryDeleteKvEntry(deletedOffset); err != nil {
		t.Fatalf("error deleting entry: %s", err)
	}

	expiredEntry := entries.NewKeyValueEntry([]byte("expired"), []byte("value"), now-3600)
	if _, err := pool.Append(expiredEntry.AsBytes()); err != nil {
		t.Fatalf("error appending expired entry: %s", err)
	}

	// point an index slot at the still-live entry so compaction can find it
	slotOffset, err := entries.GetIndexOffsetInNthBlock(pool.Header, entries.GetIndexOffset(pool.Header, []byte("live")), 0)
	if err != nil {
		t.Fatalf("error computing index offset: %s", err)
	}
	if err := pool.Replace(slotOffset, internal.Uint64ToByteArray(liveOffset)); err != nil {
		t.Fatalf("error pointing index slot at live entry: %s", err)
	}

	if err := pool.CompactFile(now); err != nil {
		t.Fatalf("error compacting file: %s", err)
	}

	slotBytes, err := pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, KindIndex)
	if err != nil {
		t.Fatalf("error reading index slot post-compaction: %s", err)
	}
	newAddr, err := internal.Uint64FromByteArray(slotBytes)
	if err != nil {
		t.Fatalf("error decoding index slot: %s", err)
	}
	assert.NotZero(t, newAddr)

	got, err := pool.ReadEntry(newAddr)
	if err != nil {
		t.Fatalf("error reading compacted entry: %s", err)
	}
	assert.Equal(t, []byte("live"), got.Key)
	assert.False(t, got.IsDeleted)
}
