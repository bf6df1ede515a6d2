package entries

import (
	"github.com/kvscdb/scdb/scdb/internal"
)

// KeyValueMinSizeInBytes is the size, in bytes, of a KeyValueEntry excluding
// its variable-length key and value: size(4) + key_size(4) + expiry(8) +
// is_deleted(1).
const KeyValueMinSizeInBytes uint32 = 4 + 4 + 8 + 1

// OffsetForKeyInKVArray is the byte offset of the key within an encoded
// KeyValueEntry, i.e. past the size and key_size prefixes.
const OffsetForKeyInKVArray uint64 = 8

// KeyValueEntry is one record in the primary file's key-value region.
type KeyValueEntry struct {
	Size      uint32
	KeySize   uint32
	Key       []byte
	Expiry    uint64
	IsDeleted bool
	Value     []byte
}

// NewKeyValueEntry builds a fresh, live (non-deleted) entry for key/value,
// with expiry in unix seconds (0 meaning "no expiry").
func NewKeyValueEntry(key []byte, value []byte, expiry uint64) *KeyValueEntry {
	keySize := uint32(len(key))
	size := keySize + uint32(len(value)) + KeyValueMinSizeInBytes

	return &KeyValueEntry{
		Size:      size,
		KeySize:   keySize,
		Key:       key,
		Expiry:    expiry,
		IsDeleted: false,
		Value:     value,
	}
}

// ExtractKeyValueEntryFromByteArray decodes a KeyValueEntry starting at
// offset within data. Decoding a tombstoned entry succeeds; callers that
// care about liveness check IsDeleted themselves.
func ExtractKeyValueEntryFromByteArray(data []byte, offset uint64) (*KeyValueEntry, error) {
	dataLength := uint64(len(data))

	sizeSlice, err := internal.SafeSlice(data, offset, offset+4, dataLength)
	if err != nil {
		return nil, err
	}
	size, err := internal.Uint32FromByteArray(sizeSlice)
	if err != nil {
		return nil, err
	}

	keySizeSlice, err := internal.SafeSlice(data, offset+4, offset+8, dataLength)
	if err != nil {
		return nil, err
	}
	keySize, err := internal.Uint32FromByteArray(keySizeSlice)
	if err != nil {
		return nil, err
	}

	keySizeU64 := uint64(keySize)
	key, err := internal.SafeSlice(data, offset+8, offset+8+keySizeU64, dataLength)
	if err != nil {
		return nil, err
	}

	expirySlice, err := internal.SafeSlice(data, offset+8+keySizeU64, offset+16+keySizeU64, dataLength)
	if err != nil {
		return nil, err
	}
	expiry, err := internal.Uint64FromByteArray(expirySlice)
	if err != nil {
		return nil, err
	}

	isDeletedSlice, err := internal.SafeSlice(data, offset+16+keySizeU64, offset+17+keySizeU64, dataLength)
	if err != nil {
		return nil, err
	}
	isDeleted, err := internal.BoolFromByteArray(isDeletedSlice)
	if err != nil {
		return nil, err
	}

	valueSize := uint64(size) - uint64(KeyValueMinSizeInBytes) - keySizeU64
	value, err := internal.SafeSlice(data, offset+17+keySizeU64, offset+17+keySizeU64+valueSize, dataLength)
	if err != nil {
		return nil, err
	}

	return &KeyValueEntry{
		Size:      size,
		KeySize:   keySize,
		Key:       key,
		Expiry:    expiry,
		IsDeleted: isDeleted,
		Value:     value,
	}, nil
}

// GetExpiry returns the entry's expiry in unix seconds (0 means no expiry).
func (kv *KeyValueEntry) GetExpiry() uint64 { return kv.Expiry }

// AsBytes encodes the entry in the wire order: size, key_size, key, expiry,
// is_deleted, value.
func (kv *KeyValueEntry) AsBytes() []byte {
	return internal.ConcatByteArrays(
		internal.Uint32ToByteArray(kv.Size),
		internal.Uint32ToByteArray(kv.KeySize),
		kv.Key,
		internal.Uint64ToByteArray(kv.Expiry),
		internal.BoolToByteArray(kv.IsDeleted),
		kv.Value,
	)
}

// IsExpired reports whether a value's expiry has passed relative to now.
func IsExpired(expiry uint64, now uint64) bool {
	return expiry != 0 && expiry <= now
}
