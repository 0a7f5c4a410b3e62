package cinet

// CRC-16/ARC: reflected polynomial 0xA001, zero initial value, no final XOR.
// Both frame checksums store the bitwise inverse of the computed value,
// little-endian (see frame.go).

var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the CRC-16 over length bytes of data starting at offset.
// One function serves both the outer (whole-frame) and the inner (decrypted
// payload) check.
func Checksum(data []byte, offset, length int) uint16 {
	var crc uint16
	for _, b := range data[offset : offset+length] {
		crc = crc>>8 ^ crcTable[byte(crc)^b]
	}
	return crc
}
