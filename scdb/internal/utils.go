package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/kvscdb/scdb/scdb/errors"
)

// wireUint is the family of unsigned widths scdb's wire format uses
// directly: index slots (uint64), entry sizes and TTLs (uint32), and a
// handful of header fields (uint16).
type wireUint interface {
	~uint16 | ~uint32 | ~uint64
}

// bigEndianPut encodes v into a BigEndian byte array of the given width,
// the one routine every UintNToByteArray wrapper below defers to.
func bigEndianPut[T wireUint](v T, width int) []byte {
	output := make([]byte, width)
	x := uint64(v)
	for i := width - 1; i >= 0; i-- {
		output[i] = byte(x)
		x >>= 8
	}
	return output
}

// bigEndianGet decodes a BigEndian byte array of the given width into T,
// erroring if v is shorter than that. The shared counterpart to
// bigEndianPut.
func bigEndianGet[T wireUint](v []byte, width int) (T, error) {
	if len(v) < width {
		var zero T
		return zero, errors.NewErrOutOfBounds(fmt.Sprintf("byte array length is %d, expected to be %d", len(v), width))
	}

	var x uint64
	for i := 0; i < width; i++ {
		x = x<<8 | uint64(v[i])
	}
	return T(x), nil
}

// Uint16ToByteArray converts a uint16 to a BigEndian byte array
func Uint16ToByteArray(v uint16) []byte { return bigEndianPut(v, 2) }

// Uint16FromByteArray converts a BigEndian byte array to a uint16
func Uint16FromByteArray(v []byte) (uint16, error) { return bigEndianGet[uint16](v, 2) }

// Uint32ToByteArray converts a uint32 to a BigEndian byte array
func Uint32ToByteArray(v uint32) []byte { return bigEndianPut(v, 4) }

// Uint32FromByteArray converts a BigEndian byte array to a uint32
func Uint32FromByteArray(v []byte) (uint32, error) { return bigEndianGet[uint32](v, 4) }

// Uint64ToByteArray converts a uint64 to a BigEndian byte array
func Uint64ToByteArray(v uint64) []byte { return bigEndianPut(v, 8) }

// Uint64FromByteArray converts a BigEndian byte array to a uint64
func Uint64FromByteArray(v []byte) (uint64, error) { return bigEndianGet[uint64](v, 8) }

// BoolToByteArray converts a bool to a byte array
func BoolToByteArray(v bool) []byte {
	if v {
		return []byte{1}
	} else {
		return []byte{0}
	}
}

// BoolFromByteArray converts a BigEndian byte array to a bool
func BoolFromByteArray(v []byte) (bool, error) {
	dataLength := len(v)
	if dataLength < 1 {
		return false, errors.NewErrOutOfBounds(fmt.Sprintf("byte array length is %d, expected to be 1", dataLength))
	}

	value := false

	if v[0] == 1 {
		value = true
	}

	return value, nil
}

// ConcatByteArrays concatenates a number of byte arrays
func ConcatByteArrays(arrays ...[]byte) []byte {
	totalLength := 0
	for _, array := range arrays {
		totalLength += len(array)
	}
	output := make([]byte, 0, totalLength)

	for _, array := range arrays {
		output = append(output, array...)
	}

	return output
}

// SafeSlice slices a slice safely, throwing an error if it goes out of bounds
func SafeSlice(data []byte, start uint64, end uint64, maxLength uint64) ([]byte, error) {
	if start >= maxLength || end > maxLength {
		return nil, errors.NewErrOutOfBounds(fmt.Sprintf("slice %d - %d out of bounds for maxLength %d for data %v", start, end, maxLength, data))
	}

	return data[start:end], nil
}

// GenerateFileWithTestData creates a file at the given filePath if it does not exist
// and adds the given data overwriting any pre-existing data
func GenerateFileWithTestData(filePath string, data []byte) (*os.File, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}

	_, err = file.Write(data)
	if err != nil {
		return nil, err
	}

	return file, nil
}

// ValidateBounds checks if the given range is within bounds or else returns an ErrOutOfBounds error
// FIXME: Add test for this
func ValidateBounds(actualLower uint64, actualUpper uint64, expectedLower uint64, expectedUpper uint64, msg string) error {
	if actualLower < expectedLower || actualUpper > expectedUpper {
		return errors.NewErrOutOfBounds(fmt.Sprintf("%s Span %d-%d is out of bounds for %d-%d", msg, actualLower, actualUpper, expectedLower, expectedUpper))
	}
	return nil
}

// PathExists returns true if the given path exists on disk already.
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// GetFileSize returns the current size, in bytes, of the given open file.
func GetFileSize(file *os.File) (uint64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// CurrentUnixTimestamp returns the current time as unix seconds, the unit
// used by every `expiry` field on disk.
func CurrentUnixTimestamp() uint64 {
	return uint64(time.Now().Unix())
}
