// Package scdb is an embedded, single-file persistent key-value store with
// an API modeled on localStorage: Set, Get, Delete, Clear, an optional
// prefix Search, and an offline Compact.
package scdb

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	scdbErrs "github.com/kvscdb/scdb/scdb/errors"
	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/kvscdb/scdb/scdb/internal/buffers"
	"github.com/kvscdb/scdb/scdb/internal/entries"
	"github.com/kvscdb/scdb/scdb/internal/inverted_index"
)

// DefaultDbFile is the name of the primary file within a store's directory.
const DefaultDbFile = "dump.scdb"

// DefaultIndexFile is the name of the inverted-index file within a store's
// directory.
const DefaultIndexFile = "dump.iscdb"

// defaultLockFileSuffix names the advisory-lock sidecar file.
const defaultLockFileSuffix = ".lock"

// bloomFalsePositiveRate bounds the bloom prefilter's false-positive rate;
// it is only ever used to short-circuit a definite miss, so a false
// positive merely costs an extra (still-correct) probe.
const bloomFalsePositiveRate = 0.01

// Store is a single open handle onto an scdb directory. It owns the
// primary file's buffer pool, the inverted-index file, and the
// write mutex serializing Set/Delete/Clear/Compact within this process.
type Store struct {
	mu       sync.Mutex
	pool     *buffers.BufferPool
	index    *inverted_index.InvertedIndex
	fileLock *flock.Flock
	filter   *bloom.BloomFilter
	logger   *zap.Logger

	closeCh  chan struct{}
	isClosed bool

	// filterMu guards filter. The kv region itself is safe to read without
	// a lock (append-only, 8-byte slot overwrites are atomic), but
	// bloom.BloomFilter carries no internal synchronization of its own, so
	// Get's read of the filter still needs to be ordered against
	// Set/Clear's writes to it.
	filterMu sync.RWMutex
}

// New opens (or creates) a store rooted at path. A nil parameter means "use
// the documented default": maxKeys (1,000,000), redundantBlocks (1),
// poolCapacity (10), compactionInterval (no background compaction),
// maxIndexKeyLen (3). Search is always available; maxIndexKeyLen only tunes
// its prefix depth.
func New(path string, maxKeys *uint64, redundantBlocks *uint16, poolCapacity *uint64, compactionInterval *uint32, maxIndexKeyLen *uint32) (*Store, error) {
	return NewWithLogger(path, maxKeys, redundantBlocks, poolCapacity, compactionInterval, maxIndexKeyLen, nil)
}

// NewWithLogger is New plus an optional diagnostic logger (nil defaults to
// a no-op logger). The store only ever logs at Debug, for compaction
// progress, and at Warn, when inverted-index compaction or a background
// compaction returns an error; it never blocks or fails a caller because of
// a logging problem.
func NewWithLogger(path string, maxKeys *uint64, redundantBlocks *uint16, poolCapacity *uint64, compactionInterval *uint32, maxIndexKeyLen *uint32, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(path, 0777); err != nil {
		return nil, err
	}

	dbFilePath := filepath.Join(path, DefaultDbFile)
	indexFilePath := filepath.Join(path, DefaultIndexFile)
	lockFilePath := dbFilePath + defaultLockFileSuffix

	pool, err := buffers.NewBufferPool(dbFilePath, maxKeys, redundantBlocks, poolCapacity)
	if err != nil {
		return nil, err
	}

	idx, err := inverted_index.NewInvertedIndex(indexFilePath, maxIndexKeyLen, maxKeys, redundantBlocks)
	if err != nil {
		pool.Close()
		return nil, err
	}

	filter, err := buildBloomFilter(pool)
	if err != nil {
		pool.Close()
		idx.Close()
		return nil, err
	}

	store := &Store{
		pool:     pool,
		index:    idx,
		fileLock: flock.New(lockFilePath),
		filter:   filter,
		logger:   logger,
		closeCh:  make(chan struct{}),
	}

	if compactionInterval != nil {
		store.startBackgroundCompaction(*compactionInterval)
	}

	return store, nil
}

// buildBloomFilter sweeps the primary index once, seeding a prefilter that
// lets Get short-circuit a definite miss without probing the index at all.
func buildBloomFilter(pool *buffers.BufferPool) (*bloom.BloomFilter, error) {
	estimate := pool.Header.GetMaxKeys()
	if estimate == 0 {
		estimate = entries.DefaultMaxKeys
	}
	filter := bloom.NewWithEstimates(estimate, bloomFalsePositiveRate)

	for slotOffset := entries.HeaderSizeInBytes; slotOffset < pool.KeyValuesStartPoint; slotOffset += entries.IndexEntrySizeInBytes {
		slotBytes, err := pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, buffers.KindIndex)
		if err != nil {
			return nil, err
		}
		addr, err := internal.Uint64FromByteArray(slotBytes)
		if err != nil {
			return nil, err
		}
		if addr == 0 {
			continue
		}

		key, err := pool.ReadKeyAt(addr)
		if err != nil {
			return nil, err
		}
		if key != nil {
			filter.Add(key)
		}
	}

	return filter, nil
}

// Set stores value under key. A nil ttl means no expiry; otherwise the
// entry expires ttl seconds from now.
func (s *Store) Set(key []byte, value []byte, ttl *uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return scdbErrs.NewErrOutOfBounds("store is closed")
	}

	if err := s.fileLock.Lock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	expiry := uint64(0)
	if ttl != nil {
		expiry = internal.CurrentUnixTimestamp() + uint64(*ttl)
	}

	kvAddr, err := s.setInPrimary(key, value, expiry)
	if err != nil {
		return err
	}

	if err := s.index.Add(key, kvAddr, expiry); err != nil {
		return err
	}

	s.filterMu.Lock()
	s.filter.Add(key)
	s.filterMu.Unlock()
	return nil
}

// setInPrimary runs the §4.3 probe: walk candidate slots across index
// blocks, appending at the first empty slot or the slot already pointing at
// this key, failing with ErrCollisionSaturation if none is available.
func (s *Store) setInPrimary(key []byte, value []byte, expiry uint64) (uint64, error) {
	header := s.pool.Header
	initialOffset := entries.GetIndexOffset(header, key)

	for block := uint64(0); block < header.NumberOfIndexBlocks; block++ {
		slotOffset, err := entries.GetIndexOffsetInNthBlock(header, initialOffset, block)
		if err != nil {
			return 0, err
		}

		slotBytes, err := s.pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, buffers.KindIndex)
		if err != nil {
			return 0, err
		}
		addr, err := internal.Uint64FromByteArray(slotBytes)
		if err != nil {
			return 0, err
		}

		if addr == 0 {
			return s.appendAndPointSlot(key, value, expiry, slotOffset)
		}

		belongs, err := s.pool.AddrBelongsToKey(addr, key)
		if err != nil {
			return 0, err
		}
		if belongs {
			return s.appendAndPointSlot(key, value, expiry, slotOffset)
		}
	}

	return 0, scdbErrs.NewErrCollisionSaturation(key)
}

func (s *Store) appendAndPointSlot(key []byte, value []byte, expiry uint64, slotOffset uint64) (uint64, error) {
	entry := entries.NewKeyValueEntry(key, value, expiry)
	newAddr, err := s.pool.Append(entry.AsBytes())
	if err != nil {
		return 0, err
	}
	if err := s.pool.Replace(slotOffset, internal.Uint64ToByteArray(newAddr)); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// Get returns the value stored under key, or nil if it is absent, deleted,
// or expired.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.filterMu.RLock()
	maybePresent := s.filter == nil || s.filter.Test(key)
	s.filterMu.RUnlock()
	if !maybePresent {
		return nil, nil
	}

	header := s.pool.Header
	initialOffset := entries.GetIndexOffset(header, key)

	for block := uint64(0); block < header.NumberOfIndexBlocks; block++ {
		slotOffset, err := entries.GetIndexOffsetInNthBlock(header, initialOffset, block)
		if err != nil {
			return nil, err
		}

		slotBytes, err := s.pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, buffers.KindIndex)
		if err != nil {
			return nil, err
		}
		addr, err := internal.Uint64FromByteArray(slotBytes)
		if err != nil {
			return nil, err
		}
		if addr == 0 {
			return nil, nil
		}

		belongs, err := s.pool.AddrBelongsToKey(addr, key)
		if err != nil {
			return nil, err
		}
		if belongs {
			return s.pool.GetValue(addr, key, internal.CurrentUnixTimestamp())
		}
	}

	return nil, nil
}

// Delete removes key. It is idempotent: deleting an absent key succeeds
// silently.
func (s *Store) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return scdbErrs.NewErrOutOfBounds("store is closed")
	}

	if err := s.fileLock.Lock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	header := s.pool.Header
	initialOffset := entries.GetIndexOffset(header, key)

	for block := uint64(0); block < header.NumberOfIndexBlocks; block++ {
		slotOffset, err := entries.GetIndexOffsetInNthBlock(header, initialOffset, block)
		if err != nil {
			return err
		}

		slotBytes, err := s.pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, buffers.KindIndex)
		if err != nil {
			return err
		}
		addr, err := internal.Uint64FromByteArray(slotBytes)
		if err != nil {
			return err
		}
		if addr == 0 {
			return nil
		}

		belongs, err := s.pool.AddrBelongsToKey(addr, key)
		if err != nil {
			return err
		}
		if belongs {
			if err := s.pool.TryDeleteKvEntry(addr); err != nil {
				return err
			}
			if err := s.pool.Replace(slotOffset, make([]byte, entries.IndexEntrySizeInBytes)); err != nil {
				return err
			}
			return s.index.Remove(key)
		}
	}

	return nil
}

// Clear wipes all stored data but preserves the header parameters
// (block_size, max_keys, redundant_blocks, max_index_key_len).
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return scdbErrs.NewErrOutOfBounds("store is closed")
	}

	if err := s.fileLock.Lock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	if err := s.pool.ClearFile(); err != nil {
		return err
	}
	if err := s.index.Clear(); err != nil {
		return err
	}

	s.filterMu.Lock()
	s.filter.ClearAll()
	s.filterMu.Unlock()
	return nil
}

// Search returns (key, value) pairs whose key contains term, in
// list-traversal order, after dropping the first skip matches and keeping
// at most limit of the rest (limit == 0 means "no limit").
func (s *Store) Search(term []byte, skip uint64, limit uint64) ([]KeyValuePair, error) {
	addrs, err := s.index.Search(term, skip, limit)
	if err != nil {
		return nil, err
	}

	now := internal.CurrentUnixTimestamp()
	results := make([]KeyValuePair, 0, len(addrs))
	for _, addr := range addrs {
		entry, err := s.pool.ReadEntry(addr)
		if err != nil {
			return nil, err
		}
		if entry == nil || entry.IsDeleted || entries.IsExpired(entry.Expiry, now) {
			continue
		}
		results = append(results, KeyValuePair{K: entry.Key, V: entry.Value})
	}

	return results, nil
}

// Compact rewrites both files, dropping tombstoned and expired records. It
// does not change visible contents.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return scdbErrs.NewErrOutOfBounds("store is closed")
	}

	if err := s.fileLock.Lock(); err != nil {
		return err
	}
	defer s.fileLock.Unlock()

	s.logger.Debug("compaction starting")

	now := internal.CurrentUnixTimestamp()
	if err := s.pool.CompactFile(now); err != nil {
		return err
	}

	isLive := func(key []byte) (bool, error) {
		header := s.pool.Header
		initialOffset := entries.GetIndexOffset(header, key)
		for block := uint64(0); block < header.NumberOfIndexBlocks; block++ {
			slotOffset, err := entries.GetIndexOffsetInNthBlock(header, initialOffset, block)
			if err != nil {
				return false, err
			}
			slotBytes, err := s.pool.ReadAt(slotOffset, entries.IndexEntrySizeInBytes, buffers.KindIndex)
			if err != nil {
				return false, err
			}
			addr, err := internal.Uint64FromByteArray(slotBytes)
			if err != nil {
				return false, err
			}
			if addr == 0 {
				return false, nil
			}
			belongs, err := s.pool.AddrBelongsToKey(addr, key)
			if err != nil {
				return false, err
			}
			if belongs {
				value, err := s.pool.GetValue(addr, key, now)
				if err != nil {
					return false, err
				}
				return value != nil, nil
			}
		}
		return false, nil
	}

	if err := s.index.Compact(isLive); err != nil {
		s.logger.Warn("inverted index compaction encountered an anomaly", zap.Error(err))
		return err
	}

	s.logger.Debug("compaction finished")
	return nil
}

// Close releases the store's file handles and stops any background
// compaction. A closed store may not be used again.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil
	}

	close(s.closeCh)
	s.isClosed = true

	if err := s.pool.Close(); err != nil {
		return err
	}
	return s.index.Close()
}

// startBackgroundCompaction starts a ticker driving Compact every
// intervalSeconds, stopping when the store is closed. Per the core design,
// this ticker is an external collaborator wired in as a thin optional
// driver, not part of the engine's required surface.
func (s *Store) startBackgroundCompaction(intervalSeconds uint32) {
	ticker := time.NewTicker(time.Duration(intervalSeconds) * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-s.closeCh:
				return
			case <-ticker.C:
				if err := s.Compact(); err != nil {
					s.logger.Warn("background compaction failed", zap.Error(err))
				}
			}
		}
	}()
}
