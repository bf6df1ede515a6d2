// Package inverted_index implements the secondary, optional file backing
// prefix search: a hashed pointer array mirroring the primary index, whose
// payload region holds per-prefix circular doubly-linked lists of
// InvertedIndexEntry records. It talks to its file directly rather than
// through the buffer pool, since it is a secondary structure the core store
// does not need to keep hot in the same cache as kv reads.
package inverted_index

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"

	scdbErrs "github.com/kvscdb/scdb/scdb/errors"
	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/kvscdb/scdb/scdb/internal/entries"
)

var zeroU64Bytes = make([]byte, entries.IndexEntrySizeInBytes)

type InvertedIndex struct {
	File             *os.File
	FilePath         string
	MaxIndexKeyLen   uint32
	ValuesStartPoint uint64
	FileSize         uint64
	header           *entries.InvertedIndexHeader
}

// NewInvertedIndex initializes a new Inverted Index.
//
// When dbMaxKeys is nil, the max keys used in the search file default to
// `max_index_key_len` * `DefaultMaxKeys`, since each db key is represented in
// the index up to `max_index_key_len` times; a non-nil dbMaxKeys is used as
// the search file's max keys unchanged. For example, with a
// `max_index_key_len` of 4 the key `food` is represented by the index keys
// `f`, `fo`, `foo`, `food`.
func NewInvertedIndex(filePath string, maxIndexKeyLen *uint32, dbMaxKeys *uint64, dbRedundantBlocks *uint16) (*InvertedIndex, error) {
	blockSize := uint32(os.Getpagesize())

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

	var header *entries.InvertedIndexHeader
	if !fileExists {
		header = entries.NewInvertedIndexHeader(dbMaxKeys, dbRedundantBlocks, &blockSize, maxIndexKeyLen)
		if _, err = entries.InitializeFile(file, header); err != nil {
			return nil, err
		}
	} else {
		header, err = entries.ExtractInvertedIndexHeaderFromFile(file)
		if err != nil {
			return nil, err
		}
	}

	fileSize, err := internal.GetFileSize(file)
	if err != nil {
		return nil, err
	}

	return &InvertedIndex{
		File:             file,
		FilePath:         filePath,
		MaxIndexKeyLen:   header.MaxIndexKeyLen,
		ValuesStartPoint: header.ValuesStartPoint,
		FileSize:         fileSize,
		header:           header,
	}, nil
}

// slotLookup is the outcome of probing a prefix's hashed slot chain:
// either an empty slot at Offset ready to take a new root entry, or the
// root entry address of the prefix's existing circular list.
type slotLookup struct {
	offset   uint64
	rootAddr uint64
	present  bool
}

// findPrefixSlot walks prefix's candidate slots across redundant index
// blocks, the same probe every one of Add/Search/Remove needs: stop at the
// first empty slot (prefix absent, here's where its root would go) or the
// first slot whose entry's index_key matches prefix (prefix present,
// here's its root). Exhausting every block without either is a collision
// saturation, reported the same way the primary store reports it.
func (idx *InvertedIndex) findPrefixSlot(prefix []byte) (slotLookup, error) {
	initialOffset := entries.GetIndexOffset(idx.header, prefix)

	for block := uint64(0); block < idx.header.NumberOfIndexBlocks; block++ {
		offset, err := entries.GetIndexOffsetInNthBlock(idx.header, initialOffset, block)
		if err != nil {
			return slotLookup{}, err
		}

		addrBytes, err := idx.readSlot(offset)
		if err != nil {
			return slotLookup{}, err
		}

		if bytes.Equal(addrBytes, zeroU64Bytes) {
			return slotLookup{offset: offset}, nil
		}

		belongs, err := idx.addrBelongsToPrefix(addrBytes, prefix)
		if err != nil {
			return slotLookup{}, err
		}
		if belongs {
			rootAddr, err := internal.Uint64FromByteArray(addrBytes)
			if err != nil {
				return slotLookup{}, err
			}
			return slotLookup{offset: offset, rootAddr: rootAddr, present: true}, nil
		}
	}

	return slotLookup{}, scdbErrs.NewErrCollisionSaturation(prefix)
}

// prefixesOf yields every prefix length an Add/Remove must touch for key:
// 1..=min(len(key), MaxIndexKeyLen).
func (idx *InvertedIndex) prefixesOf(key []byte) [][]byte {
	upperBound := uint32(math.Min(float64(len(key)), float64(idx.MaxIndexKeyLen))) + 1
	prefixes := make([][]byte, 0, upperBound-1)
	for n := uint32(1); n < upperBound; n++ {
		prefixes = append(prefixes, key[:n])
	}
	return prefixes
}

// Add adds a key's kv address in the corresponding prefixes' lists,
// one insert per prefix length 1..=min(len(key), MaxIndexKeyLen).
func (idx *InvertedIndex) Add(key []byte, kvAddr uint64, expiry uint64) error {
	for _, prefix := range idx.prefixesOf(key) {
		lookup, err := idx.findPrefixSlot(prefix)
		if err != nil {
			return err
		}

		if !lookup.present {
			if err := idx.appendNewRootEntry(prefix, lookup.offset, key, kvAddr, expiry); err != nil {
				return err
			}
			continue
		}

		if err := idx.upsertEntry(prefix, lookup.rootAddr, key, kvAddr, expiry); err != nil {
			return err
		}
	}

	return nil
}

// Search returns the db key-value addresses whose stored key contains term,
// walking the circular list rooted at term's (possibly truncated) prefix.
// Deleted and expired entries are skipped before skip and limit are applied.
func (idx *InvertedIndex) Search(term []byte, skip uint64, limit uint64) ([]uint64, error) {
	prefixLen := uint32(math.Min(float64(len(term)), float64(idx.MaxIndexKeyLen)))
	prefix := term[:prefixLen]

	lookup, err := idx.findPrefixSlot(prefix)
	if err != nil {
		var saturation *scdbErrs.ErrCollisionSaturation
		if errors.As(err, &saturation) {
			return []uint64{}, nil
		}
		return nil, err
	}
	if !lookup.present {
		return []uint64{}, nil
	}

	return idx.getMatchedKvAddrsForPrefix(term, lookup.rootAddr, skip, limit)
}

// Remove unlinks key from every prefix's circular list it appears in,
// marking the entry deleted and promoting its successor to root if it was
// the root. A prefix key never reaches the index (e.g. it was never added)
// is silently skipped.
func (idx *InvertedIndex) Remove(key []byte) error {
	for _, prefix := range idx.prefixesOf(key) {
		lookup, err := idx.findPrefixSlot(prefix)
		if err != nil {
			var saturation *scdbErrs.ErrCollisionSaturation
			if errors.As(err, &saturation) {
				continue
			}
			return err
		}
		if !lookup.present {
			continue
		}

		if err := idx.removeFromList(prefix, lookup.offset, lookup.rootAddr, key); err != nil {
			return err
		}
	}

	return nil
}

// Clear clears all the data in the search index, except the header and its
// original variables.
func (idx *InvertedIndex) Clear() error {
	header := entries.NewInvertedIndexHeader(&idx.header.MaxKeys, &idx.header.RedundantBlocks, &idx.header.BlockSize, &idx.header.MaxIndexKeyLen)
	fileSize, err := entries.InitializeFile(idx.File, header)
	if err != nil {
		return err
	}

	idx.FileSize = uint64(fileSize)
	return nil
}

// Compact rewrites the inverted-index file, dropping entries whose key no
// longer resolves to a live, non-expired record in the (already-compacted)
// primary store, and re-emitting each prefix's survivors as a fresh
// circular list. isLive is called with a primary-store key and reports
// whether it still has a live, non-expired entry there.
func (idx *InvertedIndex) Compact(isLive func(key []byte) (bool, error)) error {
	type survivor struct {
		indexKey []byte
		key      []byte
		expiry   uint64
		kvAddr   uint64
	}

	byPrefix := make(map[string][]survivor)

	for indexOffset := entries.HeaderSizeInBytes; indexOffset < idx.ValuesStartPoint; indexOffset += entries.IndexEntrySizeInBytes {
		addr, err := idx.readSlot(indexOffset)
		if err != nil {
			return err
		}
		if bytes.Equal(addr, zeroU64Bytes) {
			continue
		}

		rootAddr, err := internal.Uint64FromByteArray(addr)
		if err != nil {
			return err
		}

		visited := make(map[uint64]bool)
		cur := rootAddr
		for {
			if visited[cur] {
				break
			}
			visited[cur] = true

			entryBytes, err := readEntryBytes(idx.File, cur)
			if err != nil {
				return err
			}
			entry, err := entries.ExtractInvertedIndexEntryFromByteArray(entryBytes, 0)
			if err != nil {
				return err
			}

			if !entry.IsDeleted {
				live, err := isLive(entry.Key)
				if err != nil {
					return err
				}
				if live {
					byPrefix[string(entry.IndexKey)] = append(byPrefix[string(entry.IndexKey)], survivor{
						indexKey: entry.IndexKey,
						key:      entry.Key,
						expiry:   entry.Expiry,
						kvAddr:   entry.KvAddress,
					})
				}
			}

			next := entry.NextOffset
			if next == rootAddr || next == 0 {
				break
			}
			cur = next
		}
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(idx.FilePath), "scdb-index-compact-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	header := entries.NewInvertedIndexHeader(&idx.header.MaxKeys, &idx.header.RedundantBlocks, &idx.header.BlockSize, &idx.header.MaxIndexKeyLen)
	newTail, err := entries.InitializeFile(tmpFile, header)
	if err != nil {
		tmpFile.Close()
		return err
	}
	tail := uint64(newTail)

	for prefixStr, group := range byPrefix {
		prefix := []byte(prefixStr)

		// First pass: every survivor's AsBytes size is fixed by its key
		// length, so offsets can be assigned up front without writing
		// anything yet.
		offsets := make([]uint64, len(group))
		cursor := tail
		for i, s := range group {
			offsets[i] = cursor
			cursor += uint64(entries.InvertedIndexEntryMinSizeInBytes + uint32(len(prefix)) + uint32(len(s.key)))
		}

		// Second pass: now that every survivor's offset is known, link the
		// circular list and write the real entries.
		for i, s := range group {
			next := offsets[(i+1)%len(offsets)]
			prev := offsets[(i-1+len(offsets))%len(offsets)]
			entry := entries.NewInvertedIndexEntry(prefix, s.key, s.expiry, i == 0, s.kvAddr, next, prev)
			if _, err := tmpFile.WriteAt(entry.AsBytes(), int64(offsets[i])); err != nil {
				tmpFile.Close()
				return err
			}
		}
		tail = cursor

		slotOffset := entries.GetIndexOffset(header, prefix)
		for block := uint64(0); ; block++ {
			candidate, err := entries.GetIndexOffsetInNthBlock(header, slotOffset, block)
			if err != nil {
				tmpFile.Close()
				return err
			}
			existing := make([]byte, entries.IndexEntrySizeInBytes)
			if _, err := tmpFile.ReadAt(existing, int64(candidate)); err != nil && err != io.EOF {
				tmpFile.Close()
				return err
			}
			if bytes.Equal(existing, zeroU64Bytes) {
				if _, err := tmpFile.WriteAt(internal.Uint64ToByteArray(offsets[0]), int64(candidate)); err != nil {
					tmpFile.Close()
					return err
				}
				break
			}
		}
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := idx.File.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, idx.FilePath); err != nil {
		return err
	}

	file, err := os.OpenFile(idx.FilePath, os.O_RDWR, 0666)
	if err != nil {
		return err
	}

	idx.File = file
	idx.FileSize = tail
	idx.header = header
	return nil
}

// Eq checks if the other InvertedIndex instance equals the current inverted index.
func (idx *InvertedIndex) Eq(other *InvertedIndex) bool {
	return idx.ValuesStartPoint == other.ValuesStartPoint &&
		idx.MaxIndexKeyLen == other.MaxIndexKeyLen &&
		idx.FilePath == other.FilePath &&
		idx.FileSize == other.FileSize
}

// Close closes the inverted index's file, freeing up any resources.
func (idx *InvertedIndex) Close() error {
	return idx.File.Close()
}

// removeFromList splices key's entry out of the circular list rooted at
// rootAddr, promoting its successor to root (or zeroing the slot if the
// list becomes empty).
func (idx *InvertedIndex) removeFromList(prefix []byte, indexOffset uint64, rootAddr uint64, key []byte) error {
	addr := rootAddr
	for {
		entryBytes, err := readEntryBytes(idx.File, addr)
		if err != nil {
			return err
		}
		entry, err := entries.ExtractInvertedIndexEntryFromByteArray(entryBytes, 0)
		if err != nil {
			return err
		}

		if bytes.Equal(entry.Key, key) {
			if entry.NextOffset == addr {
				// only entry in the list
				if _, err := idx.File.WriteAt(zeroU64Bytes, int64(indexOffset)); err != nil {
					return err
				}
				return entry.MarkDeletedOnFile(idx.File, addr)
			}

			prevBytes, err := readEntryBytes(idx.File, entry.PreviousOffset)
			if err != nil {
				return err
			}
			prevEntry, err := entries.ExtractInvertedIndexEntryFromByteArray(prevBytes, 0)
			if err != nil {
				return err
			}
			if err := prevEntry.UpdateNextOffsetOnFile(idx.File, entry.PreviousOffset, entry.NextOffset); err != nil {
				return err
			}

			nextBytes, err := readEntryBytes(idx.File, entry.NextOffset)
			if err != nil {
				return err
			}
			nextEntry, err := entries.ExtractInvertedIndexEntryFromByteArray(nextBytes, 0)
			if err != nil {
				return err
			}
			if err := nextEntry.UpdatePreviousOffsetOnFile(idx.File, entry.NextOffset, entry.PreviousOffset); err != nil {
				return err
			}

			if err := entry.MarkDeletedOnFile(idx.File, addr); err != nil {
				return err
			}

			if entry.IsRoot {
				if err := nextEntry.SetRootOnFile(idx.File, entry.NextOffset, true); err != nil {
					return err
				}
				if _, err := idx.File.WriteAt(internal.Uint64ToByteArray(entry.NextOffset), int64(indexOffset)); err != nil {
					return err
				}
			}

			return nil
		}

		addr = entry.NextOffset
		if addr == rootAddr || addr == 0 {
			return nil
		}
	}
}

// getMatchedKvAddrsForPrefix returns the kv_addresses of all live,
// unexpired items whose stored key contains the given term. rootAddr is the
// already-resolved root of the prefix's circular list.
func (idx *InvertedIndex) getMatchedKvAddrsForPrefix(term []byte, rootAddr uint64, skip uint64, limit uint64) ([]uint64, error) {
	matchedAddrs := make([]uint64, 0)
	skipped := uint64(0)
	shouldSlice := limit > 0
	now := internal.CurrentUnixTimestamp()

	addr := rootAddr
	for {
		entryBytes, err := readEntryBytes(idx.File, addr)
		if err != nil {
			return nil, err
		}

		entry, err := entries.ExtractInvertedIndexEntryFromByteArray(entryBytes, 0)
		if err != nil {
			return nil, err
		}

		if !entry.IsDeleted && !entries.IsExpired(entry.Expiry, now) && bytes.Contains(entry.Key, term) {
			if skipped < skip {
				skipped++
			} else {
				matchedAddrs = append(matchedAddrs, entry.KvAddress)
			}

			if shouldSlice && uint64(len(matchedAddrs)) >= limit {
				break
			}
		}

		addr = entry.NextOffset
		if addr == rootAddr || addr == 0 {
			break
		}
	}

	return matchedAddrs, nil
}

// readSlot reads the index slot at addr and returns its raw 8-byte value.
func (idx *InvertedIndex) readSlot(addr uint64) ([]byte, error) {
	if err := internal.ValidateBounds(addr, addr+entries.IndexEntrySizeInBytes, entries.HeaderSizeInBytes, idx.ValuesStartPoint, "entry address out of bound"); err != nil {
		return nil, err
	}

	buf := make([]byte, entries.IndexEntrySizeInBytes)
	n, err := idx.File.ReadAt(buf, int64(addr))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (idx *InvertedIndex) appendNewRootEntry(prefix []byte, indexOffset uint64, key []byte, kvAddr uint64, expiry uint64) error {
	newAddr := idx.FileSize

	entry := entries.NewInvertedIndexEntry(prefix, key, expiry, true, kvAddr, newAddr, newAddr)
	entryAsBytes := entry.AsBytes()
	if _, err := idx.File.WriteAt(entryAsBytes, int64(newAddr)); err != nil {
		return err
	}

	if _, err := idx.File.WriteAt(internal.Uint64ToByteArray(newAddr), int64(indexOffset)); err != nil {
		return err
	}

	idx.FileSize = newAddr + uint64(len(entryAsBytes))
	return nil
}

// addrBelongsToPrefix checks whether the entry at addr belongs to prefix
// (i.e. has a matching index_key). It returns false if addr is out of
// bounds or the index key there differs.
func (idx *InvertedIndex) addrBelongsToPrefix(addr []byte, prefix []byte) (bool, error) {
	address, err := internal.Uint64FromByteArray(addr)
	if err != nil {
		return false, err
	}
	if address >= idx.FileSize {
		return false, nil
	}

	prefixLen := uint32(len(prefix))
	indexKeySizeBuf := make([]byte, 4)
	n, err := idx.File.ReadAt(indexKeySizeBuf, int64(address+4))
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	indexKeySize, err := internal.Uint32FromByteArray(indexKeySizeBuf[:n])
	if err != nil {
		return false, err
	}
	if prefixLen != indexKeySize {
		return false, nil
	}

	indexKeyBuf := make([]byte, prefixLen)
	n, err = idx.File.ReadAt(indexKeyBuf, int64(address+8))
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	return bytes.Equal(indexKeyBuf[:n], prefix), nil
}

// upsertEntry updates an existing entry for (prefix, key) in place, or
// appends a new entry linked in just before the existing root if none
// matches. rootAddr is the already-resolved root of prefix's circular list.
func (idx *InvertedIndex) upsertEntry(prefix []byte, rootAddrU64 uint64, key []byte, kvAddr uint64, expiry uint64) error {
	addr := rootAddrU64

	for {
		entryBytes, err := readEntryBytes(idx.File, addr)
		if err != nil {
			return err
		}

		entry, err := entries.ExtractInvertedIndexEntryFromByteArray(entryBytes, 0)
		if err != nil {
			return err
		}

		if bytes.Equal(entry.Key, key) {
			entry.KvAddress = kvAddr
			entry.Expiry = expiry
			_, err := writeEntryToFile(idx.File, addr, entry)
			return err
		} else if entry.NextOffset == rootAddrU64 {
			newEntry := entries.NewInvertedIndexEntry(prefix, key, expiry, false, kvAddr, rootAddrU64, addr)
			newEntryLen, err := writeEntryToFile(idx.File, idx.FileSize, newEntry)
			if err != nil {
				return err
			}

			if err := entry.UpdateNextOffsetOnFile(idx.File, addr, idx.FileSize); err != nil {
				return err
			}

			rootEntryBytes, err := readEntryBytes(idx.File, rootAddrU64)
			if err != nil {
				return err
			}
			rootEntry, err := entries.ExtractInvertedIndexEntryFromByteArray(rootEntryBytes, 0)
			if err != nil {
				return err
			}
			if err := rootEntry.UpdatePreviousOffsetOnFile(idx.File, rootAddrU64, idx.FileSize); err != nil {
				return err
			}

			idx.FileSize += uint64(newEntryLen)
			return nil
		}

		addr = entry.NextOffset
		if addr == rootAddrU64 || addr == 0 {
			return nil
		}
	}
}

func writeEntryToFile(file *os.File, addr uint64, entry *entries.InvertedIndexEntry) (int, error) {
	entryAsBytes := entry.AsBytes()
	return file.WriteAt(entryAsBytes, int64(addr))
}

// readEntryBytes reads a byte array for an entry at the given address.
func readEntryBytes(file *os.File, addr uint64) ([]byte, error) {
	address := int64(addr)
	sizeBuf := make([]byte, 4)
	n, err := file.ReadAt(sizeBuf, address)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	size, err := internal.Uint32FromByteArray(sizeBuf[:n])
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n, err = file.ReadAt(buf, address)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	return buf[:n], nil
}
