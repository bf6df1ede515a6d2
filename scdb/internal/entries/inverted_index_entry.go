package entries

import (
	"os"

	"github.com/kvscdb/scdb/scdb/internal"
)

// InvertedIndexEntryMinSizeInBytes is the size, in bytes, of an
// InvertedIndexEntry excluding its variable-length index_key and key:
// size(4) + index_key_size(4) + key_size(4) + is_deleted(1) + is_root(1) +
// expiry(8) + next_offset(8) + previous_offset(8) + kv_address(8).
const InvertedIndexEntryMinSizeInBytes uint32 = 4 + 4 + 4 + 1 + 1 + 8 + 8 + 8 + 8

// InvertedIndexEntry is one record in an inverted-index file's payload
// region: the association of a key-prefix with a primary-store key, linked
// into its prefix's per-prefix circular doubly-linked list.
type InvertedIndexEntry struct {
	Size           uint32
	IndexKeySize   uint32
	IndexKey       []byte
	KeySize        uint32
	Key            []byte
	IsDeleted      bool
	IsRoot         bool
	Expiry         uint64
	NextOffset     uint64
	PreviousOffset uint64
	KvAddress      uint64
}

// NewInvertedIndexEntry builds a fresh, live entry. A freshly-appended
// entry is conventionally its own next/previous until linked otherwise by
// the caller.
func NewInvertedIndexEntry(indexKey []byte, key []byte, expiry uint64, isRoot bool, kvAddr uint64, nextOffset uint64, previousOffset uint64) *InvertedIndexEntry {
	indexKeySize := uint32(len(indexKey))
	keySize := uint32(len(key))
	size := indexKeySize + keySize + InvertedIndexEntryMinSizeInBytes

	return &InvertedIndexEntry{
		Size:           size,
		IndexKeySize:   indexKeySize,
		IndexKey:       indexKey,
		KeySize:        keySize,
		Key:            key,
		IsDeleted:      false,
		IsRoot:         isRoot,
		Expiry:         expiry,
		NextOffset:     nextOffset,
		PreviousOffset: previousOffset,
		KvAddress:      kvAddr,
	}
}

// ExtractInvertedIndexEntryFromByteArray decodes an InvertedIndexEntry
// starting at offset within data.
func ExtractInvertedIndexEntryFromByteArray(data []byte, offset uint64) (*InvertedIndexEntry, error) {
	dataLength := uint64(len(data))

	sizeSlice, err := internal.SafeSlice(data, offset, offset+4, dataLength)
	if err != nil {
		return nil, err
	}
	size, err := internal.Uint32FromByteArray(sizeSlice)
	if err != nil {
		return nil, err
	}

	indexKeySizeSlice, err := internal.SafeSlice(data, offset+4, offset+8, dataLength)
	if err != nil {
		return nil, err
	}
	indexKeySize, err := internal.Uint32FromByteArray(indexKeySizeSlice)
	if err != nil {
		return nil, err
	}
	indexKeySizeU64 := uint64(indexKeySize)

	indexKey, err := internal.SafeSlice(data, offset+8, offset+8+indexKeySizeU64, dataLength)
	if err != nil {
		return nil, err
	}

	base := offset + 8 + indexKeySizeU64

	keySizeSlice, err := internal.SafeSlice(data, base, base+4, dataLength)
	if err != nil {
		return nil, err
	}
	keySize, err := internal.Uint32FromByteArray(keySizeSlice)
	if err != nil {
		return nil, err
	}
	keySizeU64 := uint64(keySize)

	key, err := internal.SafeSlice(data, base+4, base+4+keySizeU64, dataLength)
	if err != nil {
		return nil, err
	}

	base = base + 4 + keySizeU64

	isDeletedSlice, err := internal.SafeSlice(data, base, base+1, dataLength)
	if err != nil {
		return nil, err
	}
	isDeleted, err := internal.BoolFromByteArray(isDeletedSlice)
	if err != nil {
		return nil, err
	}

	isRootSlice, err := internal.SafeSlice(data, base+1, base+2, dataLength)
	if err != nil {
		return nil, err
	}
	isRoot, err := internal.BoolFromByteArray(isRootSlice)
	if err != nil {
		return nil, err
	}

	expirySlice, err := internal.SafeSlice(data, base+2, base+10, dataLength)
	if err != nil {
		return nil, err
	}
	expiry, err := internal.Uint64FromByteArray(expirySlice)
	if err != nil {
		return nil, err
	}

	nextOffsetSlice, err := internal.SafeSlice(data, base+10, base+18, dataLength)
	if err != nil {
		return nil, err
	}
	nextOffset, err := internal.Uint64FromByteArray(nextOffsetSlice)
	if err != nil {
		return nil, err
	}

	prevOffsetSlice, err := internal.SafeSlice(data, base+18, base+26, dataLength)
	if err != nil {
		return nil, err
	}
	prevOffset, err := internal.Uint64FromByteArray(prevOffsetSlice)
	if err != nil {
		return nil, err
	}

	kvAddrSlice, err := internal.SafeSlice(data, base+26, base+34, dataLength)
	if err != nil {
		return nil, err
	}
	kvAddr, err := internal.Uint64FromByteArray(kvAddrSlice)
	if err != nil {
		return nil, err
	}

	return &InvertedIndexEntry{
		Size:           size,
		IndexKeySize:   indexKeySize,
		IndexKey:       indexKey,
		KeySize:        keySize,
		Key:            key,
		IsDeleted:      isDeleted,
		IsRoot:         isRoot,
		Expiry:         expiry,
		NextOffset:     nextOffset,
		PreviousOffset: prevOffset,
		KvAddress:      kvAddr,
	}, nil
}

// GetExpiry returns the entry's expiry in unix seconds (0 means no expiry).
func (ide *InvertedIndexEntry) GetExpiry() uint64 { return ide.Expiry }

// AsBytes encodes the entry in the wire order: size, index_key_size,
// index_key, key_size, key, is_deleted, is_root, expiry, next_offset,
// previous_offset, kv_address.
func (ide *InvertedIndexEntry) AsBytes() []byte {
	return internal.ConcatByteArrays(
		internal.Uint32ToByteArray(ide.Size),
		internal.Uint32ToByteArray(ide.IndexKeySize),
		ide.IndexKey,
		internal.Uint32ToByteArray(ide.KeySize),
		ide.Key,
		internal.BoolToByteArray(ide.IsDeleted),
		internal.BoolToByteArray(ide.IsRoot),
		internal.Uint64ToByteArray(ide.Expiry),
		internal.Uint64ToByteArray(ide.NextOffset),
		internal.Uint64ToByteArray(ide.PreviousOffset),
		internal.Uint64ToByteArray(ide.KvAddress),
	)
}

// UpdateNextOffsetOnFile patches just the next_offset field of the entry
// stored at addr, without rewriting the whole record.
func (ide *InvertedIndexEntry) UpdateNextOffsetOnFile(file *os.File, addr uint64, nextOffset uint64) error {
	offset := addr + 8 + uint64(ide.IndexKeySize) + 4 + uint64(ide.KeySize) + 2 + 8
	_, err := file.WriteAt(internal.Uint64ToByteArray(nextOffset), int64(offset))
	if err == nil {
		ide.NextOffset = nextOffset
	}
	return err
}

// UpdatePreviousOffsetOnFile patches just the previous_offset field of the
// entry stored at addr, without rewriting the whole record.
func (ide *InvertedIndexEntry) UpdatePreviousOffsetOnFile(file *os.File, addr uint64, previousOffset uint64) error {
	offset := addr + 8 + uint64(ide.IndexKeySize) + 4 + uint64(ide.KeySize) + 2 + 8 + 8
	_, err := file.WriteAt(internal.Uint64ToByteArray(previousOffset), int64(offset))
	if err == nil {
		ide.PreviousOffset = previousOffset
	}
	return err
}

// MarkDeletedOnFile patches just the is_deleted flag of the entry stored at
// addr.
func (ide *InvertedIndexEntry) MarkDeletedOnFile(file *os.File, addr uint64) error {
	offset := addr + 8 + uint64(ide.IndexKeySize) + 4 + uint64(ide.KeySize)
	_, err := file.WriteAt(internal.BoolToByteArray(true), int64(offset))
	if err == nil {
		ide.IsDeleted = true
	}
	return err
}

// SetRootOnFile patches just the is_root flag of the entry stored at addr.
func (ide *InvertedIndexEntry) SetRootOnFile(file *os.File, addr uint64, isRoot bool) error {
	offset := addr + 8 + uint64(ide.IndexKeySize) + 4 + uint64(ide.KeySize) + 1
	_, err := file.WriteAt(internal.BoolToByteArray(isRoot), int64(offset))
	if err == nil {
		ide.IsRoot = isRoot
	}
	return err
}
