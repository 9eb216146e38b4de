package nvmet

import "github.com/jackey-gu/nvmet-tcp/internal/crc32c"

// Digester computes the CRC32C trailers used for header and data
// digests. The algorithm itself is an injected/external collaborator,
// so the engine only depends on this interface; NewDigester wires it
// to the Castagnoli implementation in internal/crc32c.
type Digester interface {
	Reset()
	Write(p []byte) (int, error)
	Sum32() uint32
}

// NewDigester returns the target's default CRC32C digester.
func NewDigester() Digester {
	return crc32c.New()
}

// digestOf is a convenience wrapper for one-shot digest computation,
// used when verifying a header in place without retaining a Digester.
func digestOf(buf []byte) uint32 {
	return crc32c.Of(buf)
}
