package crc32c

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOfKnownVector(t *testing.T) {
	// "123456789" is the standard CRC32C (Castagnoli) check vector.
	assert.EqualValues(t, 0xE3069283, Of([]byte("123456789")))
}

func TestDigestIncrementalMatchesOneShot(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	d := New()
	_, _ = d.Write(data[:10])
	_, _ = d.Write(data[10:])
	assert.Equal(t, Of(data), d.Sum32())
}

func TestDigestReset(t *testing.T) {
	d := New()
	_, _ = d.Write([]byte("garbage"))
	d.Reset()
	_, _ = d.Write([]byte("123456789"))
	assert.EqualValues(t, 0xE3069283, d.Sum32())
}
