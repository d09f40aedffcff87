// crc32c.go: CRC32C (Castagnoli) primitive shared by the AOF and RDB engines
package ember

import "hash/crc32"

// crc32cTable is the Castagnoli polynomial table, the same one both the
// AOF record writer and the RDB footer use to fold bytes into a running
// checksum. hash/crc32 picks a hardware-accelerated (SSE4.2/ARM CRC32)
// implementation automatically when the table matches crc32.Castagnoli.
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// checksumUpdate folds data into prev using CRC32C with seed 0, matching
// the reference crc32c(prev_crc, bytes, len) contract from spec §4.1.
func checksumUpdate(prev uint32, data []byte) uint32 {
	return crc32.Update(prev, crc32cTable, data)
}

// checksum computes the CRC32C of data starting from seed 0.
func checksum(data []byte) uint32 {
	return checksumUpdate(0, data)
}
