package entries

import (
	"fmt"
	"testing"
	"time"

	"github.com/kvscdb/scdb/scdb/errors"
	"github.com/kvscdb/scdb/scdb/internal"
	"github.com/stretchr/testify/assert"
)

var KvDataArray = []byte{
	/* size: 23u32 */ 0, 0, 0, 23,
	/* key size: 3u32 */ 0, 0, 0, 3,
	/* key */ 102, 111, 111,
	/* expiry 0u64 */ 0, 0, 0, 0, 0, 0, 0, 0,
	/* is_deleted */ 0,
	/* value */ 98, 97, 114,
}

func TestExtractKeyValueEntryFromByteArray(t *testing.T) {
	kv := NewKeyValueEntry([]byte("foo"), []byte("bar"), 0)

	t.Run("ExtractKeyValueEntryFromByteArrayWorksAsExpected", func(t *testing.T) {
		got, err := ExtractKeyValueEntryFromByteArray(KvDataArray, 0)
		if err != nil {
			t.Fatalf("error extracting key value from byte array: %s", err)
		}
		assert.Equal(t, kv, got)
	})

	t.Run("ExtractKeyValueEntryFromByteArrayWithOffsetWorksAsExpected", func(t *testing.T) {
		dataArray := internal.ConcatByteArrays([]byte{89, 78}, KvDataArray)
		got, err := ExtractKeyValueEntryFromByteArray(dataArray, 2)
		if err != nil {
			t.Fatalf("error extracting key value from byte array: %s", err)
		}
		assert.Equal(t, kv, got)
	})

	t.Run("ExtractKeyValueEntryFromByteArrayWithOutOfBoundsOffsetReturnsErrOutOfBounds", func(t *testing.T) {
		dataArray := internal.ConcatByteArrays([]byte{89, 78}, KvDataArray)
		_, err := ExtractKeyValueEntryFromByteArray(dataArray, 4)
		assert.IsType(t, &errors.ErrOutOfBounds{}, err)
	})
}

func TestKeyValueEntry_AsBytes(t *testing.T) {
	kv := NewKeyValueEntry([]byte("foo"), []byte("bar"), 0)
	assert.Equal(t, KvDataArray, kv.AsBytes())
}

func TestKeyValueEntry_GetExpiry(t *testing.T) {
	kv := NewKeyValueEntry([]byte("foo"), []byte("bar"), 42)
	assert.Equal(t, uint64(42), kv.GetExpiry())
}

func TestIsExpired(t *testing.T) {
	now := uint64(time.Now().Unix())

	assert.False(t, IsExpired(0, now), "an expiry of 0 never expires")
	assert.True(t, IsExpired(now-3600, now), "a past expiry has expired")
	assert.False(t, IsExpired(now+3600, now), "a future expiry has not expired")
}

func ExampleNewKeyValueEntry() {
	kv := NewKeyValueEntry([]byte("foo"), []byte("bar"), 0)
	fmt.Println(string(kv.Key), string(kv.Value))
	// Output: foo bar
}
