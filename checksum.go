// Rolling checksums shared by the boot region, the directory-entry sets and
// the name hash.

package exfat

import (
	"math/bits"
)

// checksum16 threads sum over buf: sum = ror16(sum, 1) + b for each byte.
// Seeding with a previous result continues the same stream.
func checksum16(sum uint16, buf []byte) uint16 {
	for _, b := range buf {
		sum = bits.RotateLeft16(sum, -1) + uint16(b)
	}

	return sum
}

// checksum32 is the 32-bit variant used by the boot region and the
// upper-case table.
func checksum32(sum uint32, buf []byte) uint32 {
	for _, b := range buf {
		sum = bits.RotateLeft32(sum, -1) + uint32(b)
	}

	return sum
}

const (
	skipVolumeState      = 0x6a
	skipAllocatedPercent = 0x70
)

// bootBlockChecksum folds one boot-region block into sum. The first block of
// a region excludes the volume-state word and the allocated-percent byte,
// which change while the volume is mounted.
func bootBlockChecksum(sum uint32, block []byte, isFirst bool) uint32 {
	if isFirst == false {
		return checksum32(sum, block)
	}

	sum = checksum32(sum, block[:skipVolumeState])
	sum = checksum32(sum, block[skipVolumeState+2:skipAllocatedPercent])
	sum = checksum32(sum, block[skipAllocatedPercent+1:])

	return sum
}

// entrySetChecksum16 folds one 32-byte directory chunk into sum. The primary
// chunk of a set carries the checksum itself in bytes 2..3, which are
// excluded.
func entrySetChecksum16(sum uint16, chunk []byte, isPrimary bool) uint16 {
	if isPrimary == false {
		return checksum16(sum, chunk[:chunkSize])
	}

	sum = checksum16(sum, chunk[:2])
	sum = checksum16(sum, chunk[4:chunkSize])

	return sum
}

// nameHash hashes an upper-cased UCS-2 name the way the directory's DATA
// chunk stores it: checksum16 over the little-endian bytes of each unit.
func nameHash(units []uint16) uint16 {
	sum := uint16(0)
	for _, u := range units {
		sum = bits.RotateLeft16(sum, -1) + (u & 0xff)
		sum = bits.RotateLeft16(sum, -1) + (u >> 8)
	}

	return sum
}
