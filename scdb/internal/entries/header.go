// Package entries holds the on-disk record codecs shared by the primary
// store and the inverted index: file headers, the key-value entry, and the
// inverted-index entry. All multi-byte integers are big-endian.
package entries

import (
	"bytes"
	"os"

	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/kvscdb/scdb/scdb/errors"
)

// HeaderSizeInBytes is the fixed size, in bytes, of either file's header.
const HeaderSizeInBytes uint64 = 100

// IndexEntrySizeInBytes is the size, in bytes, of a single index slot.
const IndexEntrySizeInBytes uint64 = 8

// DefaultMaxKeys is the default number of keys a store is sized for.
const DefaultMaxKeys uint64 = 1_000_000

// DefaultRedundantBlocks is the default number of extra index blocks used
// to absorb hash collisions.
const DefaultRedundantBlocks uint16 = 1

// DefaultPoolCapacity is the default total number of buffers in the pool.
const DefaultPoolCapacity uint64 = 10

// DefaultMaxIndexKeyLen is the default maximum prefix length indexed for
// search.
const DefaultMaxIndexKeyLen uint32 = 3

// Header is the shape shared by the primary and inverted-index file
// headers: the fixed fields plus their derived, never-persisted siblings.
type Header interface {
	GetBlockSize() uint32
	GetMaxKeys() uint64
	GetRedundantBlocks() uint16
	GetItemsPerIndexBlock() uint64
	GetNumberOfIndexBlocks() uint64
	GetNetBlockSize() uint64
	GetValuesStartPoint() uint64
	AsBytes() []byte
}

// deriveIndexProps computes the properties that are never stored on disk
// but recomputed from block_size, max_keys and redundant_blocks on every
// open.
func deriveIndexProps(blockSize uint32, maxKeys uint64, redundantBlocks uint16) (itemsPerIndexBlock, numberOfIndexBlocks, netBlockSize uint64) {
	itemsPerIndexBlock = uint64(blockSize) / IndexEntrySizeInBytes
	numberOfBlocksForKeys := (maxKeys + itemsPerIndexBlock - 1) / itemsPerIndexBlock
	numberOfIndexBlocks = numberOfBlocksForKeys + uint64(redundantBlocks)
	netBlockSize = itemsPerIndexBlock * IndexEntrySizeInBytes
	return
}

// GetIndexOffset returns the offset, within the first index block, of the
// slot that the given key hashes to.
func GetIndexOffset(h Header, key []byte) uint64 {
	hash := internal.GetHash(key, h.GetItemsPerIndexBlock())
	return HeaderSizeInBytes + hash*IndexEntrySizeInBytes
}

// GetIndexOffsetInNthBlock translates an offset computed for block zero into
// the equivalent offset in the n-th index block.
func GetIndexOffsetInNthBlock(h Header, initialOffset uint64, n uint64) (uint64, error) {
	if n >= h.GetNumberOfIndexBlocks() {
		return 0, errors.NewErrOutOfBounds("block index out of bounds")
	}
	return initialOffset + n*h.GetNetBlockSize(), nil
}

// InitializeFile truncates file to zero, grows it back to the final size
// implied by header (header + zeroed index region), and writes the header
// bytes at offset zero. It returns the resulting file size.
func InitializeFile(file *os.File, header Header) (int64, error) {
	if err := file.Truncate(0); err != nil {
		return 0, err
	}

	finalSize := int64(HeaderSizeInBytes + header.GetNetBlockSize()*header.GetNumberOfIndexBlocks())
	if err := file.Truncate(finalSize); err != nil {
		return 0, err
	}

	if _, err := file.WriteAt(header.AsBytes(), 0); err != nil {
		return 0, err
	}

	return finalSize, nil
}

// validateMagic checks that the leading bytes of a header match the
// expected magic string, returning a parse error otherwise.
func validateMagic(data []byte, magic []byte) error {
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return errors.NewErrParse("bad magic bytes in file header")
	}
	return nil
}
