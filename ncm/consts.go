// Package ncm implements the CDC-NCM network transfer block (NTB) codec,
// encoder, flush timer, and decoder. It has no knowledge of USB; callers
// wire it to a transport (see package usbncm).
package ncm

import "time"

// Wire-format byte lengths.
const (
	// NTHLength is the byte length of an NTH16 header.
	NTHLength = 12

	// NDPLength is the byte length of an NDP16 header, excluding DPE16 entries.
	NDPLength = 8

	// DPELength is the byte length of a single DPE16 entry.
	DPELength = 4

	// EthHLen is the length of an Ethernet II header: 2x6 MAC + 2 byte ethertype.
	EthHLen = 14

	// NDPLengthMin is the minimum legal NDP16.wLength (header + one datagram
	// DPE + the sentinel DPE).
	NDPLengthMin = 16
)

// Signatures, little-endian dwSignature values.
const (
	// SigNTH16 is "NCMH", the NTH16 signature.
	SigNTH16 uint32 = 0x484D434E

	// SigNDP16NoCRC is "NCM0", the NDP16 signature for CRC-less mode.
	SigNDP16NoCRC uint32 = 0x304D434E

	// SigNDP16CRC is "NCM1", the NDP16 signature for CRC-appended mode.
	// The transmit path never emits it (see spec Non-goals); the decoder
	// recognizes it only to reject it with a diagnostic, see decoder.go.
	SigNDP16CRC uint32 = 0x314D434E
)

// Parameter bounds from the data model.
const (
	minInSize    = 2048
	minHdrSize   = NTHLength
	maxNtbSize   = 32768
	minTxPktSize = 512

	minDatagramSize = EthHLen + 1500 // 1514
	maxDatagramSize = 8192

	maxTxDatagrams = 40

	defaultModulus = 4
)

// FlushDelay is the one-shot flush timer deadline (§4.4): 400 microseconds.
const FlushDelay = 400 * time.Microsecond

// Capability flags of Parameters.Caps. The negotiator (package usbncm)
// derives them from the NCM functional descriptor's bmNetworkCapabilities,
// not from the 28-byte GET_NTB_PARAMETERS response.
const (
	CapNTBInputSize    uint16 = 1 << 0
	CapCRCMode         uint16 = 1 << 2
	CapMaxDatagramSize uint16 = 1 << 6
)
