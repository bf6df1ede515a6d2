package buffers

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/kvscdb/scdb/scdb/internal/entries"
)

// Kind distinguishes the two logical regions of the primary file, each
// getting its own LRU partition within the pool.
type Kind int

const (
	KindIndex Kind = iota
	KindKeyValue
)

// indexToKvRatioNumerator and indexToKvRatioDenominator express the 2:3
// split of the pool's total buffer budget between the index and key-value
// partitions. Scan-heavy kv loads must never be allowed to evict the small,
// hot set of index pages.
const indexToKvRatioNumerator = 2
const indexToKvRatioDenominator = 5

// BufferPool owns the primary file's handle and a bounded, two-partition
// LRU cache of page-sized buffers over it.
type BufferPool struct {
	mu sync.Mutex

	File     *os.File
	FilePath string
	Header   *entries.DbFileHeader

	BufferSize          uint64
	FileSize            uint64
	KeyValuesStartPoint uint64

	indexCapacity int
	kvCapacity    int

	// indexBuffers and kvBuffers are kept ordered least-recently-used
	// first, most-recently-used last.
	indexBuffers []*Buffer
	kvBuffers    []*Buffer
}

// NewBufferPool opens (or creates) the primary file at filePath and returns
// a pool ready to serve reads and writes over it.
func NewBufferPool(filePath string, maxKeys *uint64, redundantBlocks *uint16, poolCapacity *uint64) (*BufferPool, error) {
	fileExists, err := internal.PathExists(filePath)
	if err != nil {
		return nil, err
	}

	openFlag := os.O_RDWR
	if !fileExists {
		openFlag |= os.O_CREATE
	}

	file, err := os.OpenFile(filePath, openFlag, 0666)
	if err != nil {
		return nil, err
	}

	var header *entries.DbFileHeader
	if !fileExists {
		header = entries.NewDbFileHeader(maxKeys, redundantBlocks, nil)
		if _, err = entries.InitializeFile(file, header); err != nil {
			return nil, err
		}
	} else {
		header, err = entries.ExtractDbFileHeaderFromFile(file)
		if err != nil {
			return nil, err
		}
	}

	fileSize, err := internal.GetFileSize(file)
	if err != nil {
		return nil, err
	}

	capacity := entries.DefaultPoolCapacity
	if poolCapacity != nil {
		capacity = *poolCapacity
	}

	indexCapacity := int(capacity * indexToKvRatioNumerator / indexToKvRatioDenominator)
	if indexCapacity < 1 {
		indexCapacity = 1
	}
	kvCapacity := int(capacity) - indexCapacity
	if kvCapacity < 1 {
		kvCapacity = 1
	}

	return &BufferPool{
		File:                file,
		FilePath:            filePath,
		Header:              header,
		BufferSize:          uint64(header.GetBlockSize()),
		FileSize:            fileSize,
		KeyValuesStartPoint: header.GetValuesStartPoint(),
		indexCapacity:       indexCapacity,
		kvCapacity:          kvCapacity,
	}, nil
}

func (pool *BufferPool) kindFor(offset uint64) Kind {
	if offset < pool.KeyValuesStartPoint {
		return KindIndex
	}
	return KindKeyValue
}

func (pool *BufferPool) pageStart(offset uint64) uint64 {
	return (offset / pool.BufferSize) * pool.BufferSize
}

func (pool *BufferPool) partition(kind Kind) ([]*Buffer, int) {
	if kind == KindIndex {
		return pool.indexBuffers, pool.indexCapacity
	}
	return pool.kvBuffers, pool.kvCapacity
}

func (pool *BufferPool) setPartition(kind Kind, buffers []*Buffer) {
	if kind == KindIndex {
		pool.indexBuffers = buffers
	} else {
		pool.kvBuffers = buffers
	}
}

// touch moves the buffer at index i to the most-recently-used position.
func (pool *BufferPool) touch(kind Kind, i int) {
	buffers, _ := pool.partition(kind)
	buf := buffers[i]
	buffers = append(buffers[:i], buffers[i+1:]...)
	buffers = append(buffers, buf)
	pool.setPartition(kind, buffers)
}

// cache inserts a freshly-loaded buffer as most-recently-used, evicting the
// least-recently-used buffer in the same partition if it is full.
func (pool *BufferPool) cache(kind Kind, buf *Buffer) {
	buffers, capacity := pool.partition(kind)
	if len(buffers) >= capacity && capacity > 0 {
		buffers = buffers[1:]
	}
	buffers = append(buffers, buf)
	pool.setPartition(kind, buffers)
}

func (pool *BufferPool) readPageFromDisk(pageOffset uint64) ([]byte, error) {
	size := pool.BufferSize
	if pageOffset >= pool.FileSize {
		return []byte{}, nil
	}
	if pageOffset+size > pool.FileSize {
		size = pool.FileSize - pageOffset
	}

	buf := make([]byte, size)
	n, err := pool.File.ReadAt(buf, int64(pageOffset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (pool *BufferPool) readDirect(offset uint64, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := pool.File.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

// ReadAt returns size bytes starting at offset, serving from a cached page
// when possible. Reads that span more than one page bypass the cache
// entirely, since a page buffer never covers more than BufferSize bytes;
// this only affects large kv values, not the fixed-width index slots the
// cache exists to keep hot.
func (pool *BufferPool) ReadAt(offset uint64, size uint64, kind Kind) ([]byte, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	pageOffset := pool.pageStart(offset)
	if offset+size > pageOffset+pool.BufferSize {
		return pool.readDirect(offset, size)
	}

	buffers, _ := pool.partition(kind)
	for i, buf := range buffers {
		if buf.LeftOffset == pageOffset && buf.Contains(offset, size) {
			pool.touch(kind, i)
			return buf.ReadAt(offset, size)
		}
	}

	data, err := pool.readPageFromDisk(pageOffset)
	if err != nil {
		return nil, err
	}
	buf := NewBuffer(pageOffset, data, pool.BufferSize)
	pool.cache(kind, buf)
	return buf.ReadAt(offset, size)
}

// Append writes data to the current tail of the file and returns the
// absolute offset it was written at.
func (pool *BufferPool) Append(data []byte) (uint64, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	offset := pool.FileSize
	if _, err := pool.File.WriteAt(data, int64(offset)); err != nil {
		return 0, err
	}
	pool.FileSize += uint64(len(data))

	for _, buf := range pool.kvBuffers {
		if buf.LeftOffset+uint64(len(buf.Data)) == offset {
			buf.Append(data, offset)
		}
	}

	return offset, nil
}

// Replace overwrites bytes in place on disk and patches any cached buffer
// that covers the affected range.
func (pool *BufferPool) Replace(offset uint64, data []byte) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if _, err := pool.File.WriteAt(data, int64(offset)); err != nil {
		return err
	}

	kind := pool.kindFor(offset)
	buffers, _ := pool.partition(kind)
	for _, buf := range buffers {
		buf.Replace(offset, data)
	}

	return nil
}

// ReadEntry decodes the KeyValueEntry at address, or returns nil if
// address is past the current end of file (a zeroed/never-written slot).
func (pool *BufferPool) ReadEntry(address uint64) (*entries.KeyValueEntry, error) {
	if address == 0 || address >= pool.FileSize {
		return nil, nil
	}

	sizeBytes, err := pool.ReadAt(address, 4, KindKeyValue)
	if err != nil {
		return nil, err
	}
	size, err := internal.Uint32FromByteArray(sizeBytes)
	if err != nil {
		return nil, err
	}

	data, err := pool.ReadAt(address, uint64(size), KindKeyValue)
	if err != nil {
		return nil, err
	}

	return entries.ExtractKeyValueEntryFromByteArray(data, 0)
}

// GetValue reads the kv entry at address and returns its value iff the
// stored key matches key, the entry is live, and it has not expired.
func (pool *BufferPool) GetValue(address uint64, key []byte, now uint64) ([]byte, error) {
	entry, err := pool.ReadEntry(address)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.IsDeleted {
		return nil, nil
	}
	if entries.IsExpired(entry.Expiry, now) {
		return nil, nil
	}
	if !bytes.Equal(entry.Key, key) {
		return nil, nil
	}
	return entry.Value, nil
}

// AddrBelongsToKey reports whether the live entry at address has the given
// key, regardless of expiry (expired-but-not-deleted entries still "belong"
// to their key for probing purposes).
func (pool *BufferPool) AddrBelongsToKey(address uint64, key []byte) (bool, error) {
	entry, err := pool.ReadEntry(address)
	if err != nil {
		return false, err
	}
	if entry == nil || entry.IsDeleted {
		return false, nil
	}
	return bytes.Equal(entry.Key, key), nil
}

// ReadKeyAt returns the stored key of the live entry at address, or nil if
// the slot is empty or tombstoned. It is used to rebuild the bloom-filter
// prefilter by sweeping the index on open.
func (pool *BufferPool) ReadKeyAt(address uint64) ([]byte, error) {
	entry, err := pool.ReadEntry(address)
	if err != nil || entry == nil || entry.IsDeleted {
		return nil, err
	}
	return entry.Key, nil
}

// TryDeleteKvEntry flips the is_deleted flag of the entry at address, used
// by search-mode deletes where the kv slot itself is kept (zeroed
// separately by the caller) so the inverted index can still identify the
// stale record during its own removal walk.
func (pool *BufferPool) TryDeleteKvEntry(address uint64) error {
	entry, err := pool.ReadEntry(address)
	if err != nil || entry == nil {
		return err
	}

	isDeletedOffset := address + entries.OffsetForKeyInKVArray + uint64(entry.KeySize) + 8
	return pool.Replace(isDeletedOffset, internal.BoolToByteArray(true))
}

// ClearFile truncates the file back to just the header and a zeroed index
// region, and drops all cached buffers.
func (pool *BufferPool) ClearFile() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	newSize, err := entries.InitializeFile(pool.File, pool.Header)
	if err != nil {
		return err
	}

	pool.FileSize = uint64(newSize)
	pool.indexBuffers = nil
	pool.kvBuffers = nil
	return nil
}

// CompactFile rewrites the primary file into a fresh temporary file,
// dropping tombstoned and expired kv entries, then atomically replaces the
// original. Index slot positions are preserved verbatim since they depend
// only on the (unchanged) header parameters, not on file contents.
func (pool *BufferPool) CompactFile(now uint64) error {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	dir := filepath.Dir(pool.FilePath)
	tmpFile, err := os.CreateTemp(dir, "scdb-compact-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	newTail, err := entries.InitializeFile(tmpFile, pool.Header)
	if err != nil {
		tmpFile.Close()
		return err
	}
	tail := uint64(newTail)

	for slotOffset := entries.HeaderSizeInBytes; slotOffset < pool.KeyValuesStartPoint; slotOffset += entries.IndexEntrySizeInBytes {
		slotBytes := make([]byte, entries.IndexEntrySizeInBytes)
		n, err := pool.File.ReadAt(slotBytes, int64(slotOffset))
		if err != nil && err != io.EOF {
			tmpFile.Close()
			return err
		}
		if uint64(n) < entries.IndexEntrySizeInBytes {
			continue
		}

		addr, err := internal.Uint64FromByteArray(slotBytes)
		if err != nil {
			tmpFile.Close()
			return err
		}
		if addr == 0 {
			continue
		}

		entry, err := pool.ReadEntry(addr)
		if err != nil {
			tmpFile.Close()
			return err
		}
		if entry == nil || entry.IsDeleted || entries.IsExpired(entry.Expiry, now) {
			continue
		}

		entryBytes := entry.AsBytes()
		if _, err := tmpFile.WriteAt(entryBytes, int64(tail)); err != nil {
			tmpFile.Close()
			return err
		}
		if _, err := tmpFile.WriteAt(internal.Uint64ToByteArray(tail), int64(slotOffset)); err != nil {
			tmpFile.Close()
			return err
		}
		tail += uint64(len(entryBytes))
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := pool.File.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, pool.FilePath); err != nil {
		return err
	}

	file, err := os.OpenFile(pool.FilePath, os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	pool.File = file
	pool.FileSize = tail
	pool.indexBuffers = nil
	pool.kvBuffers = nil
	return nil
}

// Eq reports whether two pools are backed by the same file path and agree
// on file size and header shape — used by tests asserting two independently
// opened handles onto the same store converge to the same view.
func (pool *BufferPool) Eq(other *BufferPool) bool {
	if other == nil {
		return false
	}
	return pool.FilePath == other.FilePath &&
		pool.FileSize == other.FileSize &&
		pool.KeyValuesStartPoint == other.KeyValuesStartPoint &&
		pool.BufferSize == other.BufferSize
}

// Close releases the pool's file handle.
func (pool *BufferPool) Close() error {
	pool.indexBuffers = nil
	pool.kvBuffers = nil
	return pool.File.Close()
}
