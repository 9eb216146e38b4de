// Package crc32c wraps the Castagnoli CRC32 table behind the small
// interface the queue engine uses for header and data digests.
//
// The NVMe/TCP transport pins CRC32C as its digest algorithm; the
// primitive itself is treated by the engine as an injected dependency
// (see nvmet.Digester) so that a test, or an alternate build targeting
// hardware CRC32C instructions, can swap it out.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Digest accumulates a running CRC32C checksum.
type Digest struct {
	crc uint32
}

// New returns a zero-valued Digest, ready to use.
func New() *Digest {
	return &Digest{}
}

// Reset clears the running checksum, allowing a Digest to be reused
// across PDUs instead of being reallocated per command.
func (d *Digest) Reset() {
	d.crc = 0
}

// Write folds buf into the running checksum. It never returns an error.
func (d *Digest) Write(buf []byte) (int, error) {
	d.crc = crc32.Update(d.crc, table, buf)
	return len(buf), nil
}

// Sum32 returns the checksum accumulated so far.
func (d *Digest) Sum32() uint32 {
	return d.crc
}

// Of is a convenience one-shot helper for computing the digest of a
// single buffer without retaining a Digest.
func Of(buf []byte) uint32 {
	return crc32.Checksum(buf, table)
}
