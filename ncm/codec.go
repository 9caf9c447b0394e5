package ncm

import "encoding/binary"

// NTH16, NDP16, and DPE16 are wire layouts (§4.1, §9 "manual ABI structs").
// Per the design notes they are implemented as explicit byte-slice views
// with little-endian accessors rather than Go struct layout, since the
// latter gives no cross-compiler guarantee of a packed, padding-free
// representation. Every accessor here is a pure function over a slice it
// does not own and never allocates.

// PutNTH16 writes a complete NTH16 header into buf[0:12].
func PutNTH16(buf []byte, sequence, blockLength, ndpIndex uint16) {
	binary.LittleEndian.PutUint32(buf[0:4], SigNTH16)
	binary.LittleEndian.PutUint16(buf[4:6], NTHLength)
	binary.LittleEndian.PutUint16(buf[6:8], sequence)
	binary.LittleEndian.PutUint16(buf[8:10], blockLength)
	binary.LittleEndian.PutUint16(buf[10:12], ndpIndex)
}

// NTH16 is a read-only decoded view of an NTH16 header.
type NTH16 struct {
	Signature     uint32
	HeaderLength  uint16
	Sequence      uint16
	BlockLength   uint16
	NdpIndex      uint16
}

// GetNTH16 parses buf[0:12] into an NTH16. The caller must ensure
// len(buf) >= NTHLength.
func GetNTH16(buf []byte) NTH16 {
	return NTH16{
		Signature:    binary.LittleEndian.Uint32(buf[0:4]),
		HeaderLength: binary.LittleEndian.Uint16(buf[4:6]),
		Sequence:     binary.LittleEndian.Uint16(buf[6:8]),
		BlockLength:  binary.LittleEndian.Uint16(buf[8:10]),
		NdpIndex:     binary.LittleEndian.Uint16(buf[10:12]),
	}
}

// PutNDP16Header writes the fixed portion of an NDP16 (not the DPE array)
// into buf[0:8].
func PutNDP16Header(buf []byte, signature uint32, length, nextNdpIndex uint16) {
	binary.LittleEndian.PutUint32(buf[0:4], signature)
	binary.LittleEndian.PutUint16(buf[4:6], length)
	binary.LittleEndian.PutUint16(buf[6:8], nextNdpIndex)
}

// NDP16 is a read-only decoded view of an NDP16 header.
type NDP16 struct {
	Signature    uint32
	Length       uint16
	NextNdpIndex uint16
}

// GetNDP16 parses buf[0:8] into an NDP16. The caller must ensure
// len(buf) >= NDPLength.
func GetNDP16(buf []byte) NDP16 {
	return NDP16{
		Signature:    binary.LittleEndian.Uint32(buf[0:4]),
		Length:       binary.LittleEndian.Uint16(buf[4:6]),
		NextNdpIndex: binary.LittleEndian.Uint16(buf[6:8]),
	}
}

// PutDPE16 writes one DPE16 entry into buf[0:4].
func PutDPE16(buf []byte, index, length uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], index)
	binary.LittleEndian.PutUint16(buf[2:4], length)
}

// DPE16 is a decoded (index, length) datagram pointer entry.
type DPE16 struct {
	Index  uint16
	Length uint16
}

// GetDPE16 parses buf[0:4] into a DPE16. The caller must ensure
// len(buf) >= DPELength.
func GetDPE16(buf []byte) DPE16 {
	return DPE16{
		Index:  binary.LittleEndian.Uint16(buf[0:2]),
		Length: binary.LittleEndian.Uint16(buf[2:4]),
	}
}

// align rounds n up to the next multiple of modulus. modulus must be a
// power of two; callers enforce this via ValidateModulus.
func align(n, modulus uint32) uint32 {
	if modulus == 0 {
		return n
	}
	return (n + modulus - 1) &^ (modulus - 1)
}

// isPowerOfTwo reports whether n is a power of two (n > 0).
func isPowerOfTwo(n uint16) bool {
	return n != 0 && n&(n-1) == 0
}
