package entries

import (
	"os"

	"github.com/kvscdb/scdb/scdb/internal"
)

// DbFileHeaderMagic identifies a primary store file.
var DbFileHeaderMagic = []byte("Scdb versn 0.001")

// DbFileHeader is the 100-byte header of the primary store file, plus the
// derived properties recomputed from it on every open.
type DbFileHeader struct {
	BlockSize           uint32
	MaxKeys             uint64
	RedundantBlocks      uint16
	ItemsPerIndexBlock  uint64
	NumberOfIndexBlocks uint64
	NetBlockSize        uint64
	KeyValuesStartPoint uint64
}

// NewDbFileHeader builds a header for a freshly-created primary file,
// filling in any nil parameter with its documented default.
func NewDbFileHeader(maxKeys *uint64, redundantBlocks *uint16, blockSize *uint32) *DbFileHeader {
	mk := DefaultMaxKeys
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

	return &DbFileHeader{
		BlockSize:           bs,
		MaxKeys:             mk,
		RedundantBlocks:     rb,
		ItemsPerIndexBlock:  itemsPerIndexBlock,
		NumberOfIndexBlocks: numberOfIndexBlocks,
		NetBlockSize:        netBlockSize,
		KeyValuesStartPoint: HeaderSizeInBytes + netBlockSize*numberOfIndexBlocks,
	}
}

// ExtractDbFileHeaderFromFile reads and validates the header at the start of
// an already-open primary file.
func ExtractDbFileHeaderFromFile(file *os.File) (*DbFileHeader, error) {
	buf := make([]byte, HeaderSizeInBytes)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return nil, err
	}

	if err := validateMagic(buf, DbFileHeaderMagic); err != nil {
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

	itemsPerIndexBlock, numberOfIndexBlocks, netBlockSize := deriveIndexProps(blockSize, maxKeys, redundantBlocks)

	return &DbFileHeader{
		BlockSize:           blockSize,
		MaxKeys:             maxKeys,
		RedundantBlocks:     redundantBlocks,
		ItemsPerIndexBlock:  itemsPerIndexBlock,
		NumberOfIndexBlocks: numberOfIndexBlocks,
		NetBlockSize:        netBlockSize,
		KeyValuesStartPoint: HeaderSizeInBytes + netBlockSize*numberOfIndexBlocks,
	}, nil
}

func (h *DbFileHeader) GetBlockSize() uint32            { return h.BlockSize }
func (h *DbFileHeader) GetMaxKeys() uint64               { return h.MaxKeys }
func (h *DbFileHeader) GetRedundantBlocks() uint16       { return h.RedundantBlocks }
func (h *DbFileHeader) GetItemsPerIndexBlock() uint64    { return h.ItemsPerIndexBlock }
func (h *DbFileHeader) GetNumberOfIndexBlocks() uint64   { return h.NumberOfIndexBlocks }
func (h *DbFileHeader) GetNetBlockSize() uint64          { return h.NetBlockSize }
func (h *DbFileHeader) GetValuesStartPoint() uint64      { return h.KeyValuesStartPoint }

// AsBytes encodes the header into its fixed 100-byte on-disk form.
func (h *DbFileHeader) AsBytes() []byte {
	buf := make([]byte, HeaderSizeInBytes)
	copy(buf[0:16], DbFileHeaderMagic)
	copy(buf[16:20], internal.Uint32ToByteArray(h.BlockSize))
	copy(buf[20:28], internal.Uint64ToByteArray(h.MaxKeys))
	copy(buf[28:30], internal.Uint16ToByteArray(h.RedundantBlocks))
	return buf
}
