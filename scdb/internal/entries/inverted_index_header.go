package entries

import (
	"os"

	"github.com/kvscdb/scdb/scdb/internal"
)

// InvertedIndexHeaderMagic identifies an inverted-index file.
var InvertedIndexHeaderMagic = []byte("ScdbIndex v0.001")

// InvertedIndexHeader is the 100-byte header of the inverted-index file.
// It mirrors DbFileHeader, adding MaxIndexKeyLen at offset 30.
type InvertedIndexHeader struct {
	BlockSize           uint32
	MaxKeys             uint64
	RedundantBlocks     uint16
	MaxIndexKeyLen      uint32
	ItemsPerIndexBlock  uint64
	NumberOfIndexBlocks uint64
	NetBlockSize        uint64
	ValuesStartPoint    uint64
}

// NewInvertedIndexHeader builds a header for a freshly-created
// inverted-index file. Since each db key is represented in the index once
// per prefix length, the default key budget is DefaultMaxKeys multiplied by
// the index's max prefix length.
func NewInvertedIndexHeader(maxKeys *uint64, redundantBlocks *uint16, blockSize *uint32, maxIndexKeyLen *uint32) *InvertedIndexHeader {
	mikl := DefaultMaxIndexKeyLen
	if maxIndexKeyLen != nil {
		mikl = *maxIndexKeyLen
	}

	mk := DefaultMaxKeys * uint64(mikl)
	if maxKeys != nil {
		mk = *maxKeys
	}

	rb := DefaultRedundantBlocks
	if redundantBlocks != nil {
		rb = *redundantBlocks
	}

	bs := uint32(os.Getpagesize())
	if blockSize != nil {
		bs = *blockSize
	}

	itemsPerIndexBlock, numberOfIndexBlocks, netBlockSize := deriveIndexProps(bs, mk, rb)

	return &InvertedIndexHeader{
		BlockSize:           bs,
		MaxKeys:             mk,
		RedundantBlocks:     rb,
		MaxIndexKeyLen:      mikl,
		ItemsPerIndexBlock:  itemsPerIndexBlock,
		NumberOfIndexBlocks: numberOfIndexBlocks,
		NetBlockSize:        netBlockSize,
		ValuesStartPoint:    HeaderSizeInBytes + netBlockSize*numberOfIndexBlocks,
	}
}

// ExtractInvertedIndexHeaderFromFile reads and validates the header at the
// start of an already-open inverted-index file.
func ExtractInvertedIndexHeaderFromFile(file *os.File) (*InvertedIndexHeader, error) {
	buf := make([]byte, HeaderSizeInBytes)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	if err := validateMagic(buf, InvertedIndexHeaderMagic); err != nil {
		return nil, err
	}

	blockSize, err := internal.Uint32FromByteArray(buf[16:20])
	if err != nil {
		return nil, err
	}

	maxKeys, err := internal.Uint64FromByteArray(buf[20:28])
	if err != nil {
		return nil, err
	}

	redundantBlocks, err := internal.Uint16FromByteArray(buf[28:30])
	if err != nil {
		return nil, err
	}

	maxIndexKeyLenU64, err := internal.Uint64FromByteArray(buf[30:38])
	if err != nil {
		return nil, err
	}
	maxIndexKeyLen := uint32(maxIndexKeyLenU64)

	itemsPerIndexBlock, numberOfIndexBlocks, netBlockSize := deriveIndexProps(blockSize, maxKeys, redundantBlocks)

	return &InvertedIndexHeader{
		BlockSize:           blockSize,
		MaxKeys:             maxKeys,
		RedundantBlocks:     redundantBlocks,
		MaxIndexKeyLen:      maxIndexKeyLen,
		ItemsPerIndexBlock:  itemsPerIndexBlock,
		NumberOfIndexBlocks: numberOfIndexBlocks,
		NetBlockSize:        netBlockSize,
		ValuesStartPoint:    HeaderSizeInBytes + netBlockSize*numberOfIndexBlocks,
	}, nil
}

func (h *InvertedIndexHeader) GetBlockSize() uint32          { return h.BlockSize }
func (h *InvertedIndexHeader) GetMaxKeys() uint64             { return h.MaxKeys }
func (h *InvertedIndexHeader) GetRedundantBlocks() uint16     { return h.RedundantBlocks }
func (h *InvertedIndexHeader) GetItemsPerIndexBlock() uint64  { return h.ItemsPerIndexBlock }
func (h *InvertedIndexHeader) GetNumberOfIndexBlocks() uint64 { return h.NumberOfIndexBlocks }
func (h *InvertedIndexHeader) GetNetBlockSize() uint64        { return h.NetBlockSize }
func (h *InvertedIndexHeader) GetValuesStartPoint() uint64    { return h.ValuesStartPoint }

// AsBytes encodes the header into its fixed 100-byte on-disk form, with
// max_index_key_len stored as a u64 at offset 30 per the file format.
func (h *InvertedIndexHeader) AsBytes() []byte {
	buf := make([]byte, HeaderSizeInBytes)
	copy(buf[0:16], InvertedIndexHeaderMagic)
	copy(buf[16:20], internal.Uint32ToByteArray(h.BlockSize))
	copy(buf[20:28], internal.Uint64ToByteArray(h.MaxKeys))
	copy(buf[28:30], internal.Uint16ToByteArray(h.RedundantBlocks))
	copy(buf[30:38], internal.Uint64ToByteArray(uint64(h.MaxIndexKeyLen)))
	return buf
}
