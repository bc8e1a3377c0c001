// Package digest defines the CRC32C digest collaborator used for iSCSI
// header and data digests, and ships the default Castagnoli
// implementation. The transport core only depends on the Digest
// interface; a caller may swap in an accelerated implementation without
// touching the sender or PDU builder.
package digest

import "hash/crc32"

// Digest computes the CRC32C digests used for the optional iSCSI header
// and data digests (RFC 3720, section 2.2.2.1 / 2.2.2.2). A default
// implementation is provided so the package is runnable end to end, but
// callers may substitute an accelerated implementation behind the same
// interface.
type Digest interface {
	// GenDigest returns the CRC32C of buf.
	GenDigest(buf []byte) uint32
	// GenDigest2 returns the CRC32C of a followed by b, without
	// requiring the caller to concatenate them first (used for
	// data+pad digests where pad lives in a separate buffer).
	GenDigest2(a, b []byte) uint32
}

type crc32c struct {
	table *crc32.Table
}

// New returns the default CRC32C (Castagnoli) digester.
func New() Digest {
	return crc32c{table: crc32.MakeTable(crc32.Castagnoli)}
}

func (c crc32c) GenDigest(buf []byte) uint32 {
	return crc32.Checksum(buf, c.table)
}

func (c crc32c) GenDigest2(a, b []byte) uint32 {
	sum := crc32.Update(0, c.table, a)
	sum = crc32.Update(sum, c.table, b)
	return sum
}
