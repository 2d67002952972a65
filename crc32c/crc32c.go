// Package crc32c implements the Castagnoli CRC32 variant used to protect
// each framed command in a btrfs send stream.
package crc32c

import "hash/crc32"

var table = crc32.MakeTable(crc32.Castagnoli)

// Update folds data into an in-progress CRC32C state and returns the new
// state. Pass 0 as state for the first call of a fresh checksum, or the
// previous return value to continue an incremental computation.
func Update(state uint32, data []byte) uint32 {
	return ^crc32.Update(^state, table, data)
}

// Checksum computes the CRC32C of data in a single call.
func Checksum(data []byte) uint32 {
	return Update(0, data)
}
