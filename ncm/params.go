package ncm

import "github.com/golabusb/ncmhost/util"

// Parameters is the immutable-after-negotiation NtbParameters of spec.md §3.
// Nothing in the TX/RX hot path mutates a Parameters value; the negotiator
// (package usbncm) builds one once at bind time.
type Parameters struct {
	RxMax uint32
	TxMax uint32

	TxModulus    uint16
	TxNdpModulus uint16
	TxRemainder  uint16

	TxMaxDatagrams uint16

	MaxDatagramSize uint32

	// Caps is the capability bit set (CapNTBInputSize, CapCRCMode,
	// CapMaxDatagramSize), derived from bmNetworkCapabilities.
	Caps uint16

	// DwNtbOutMaxSize is the device's raw, unclamped dwNtbOutMaxSize from
	// GET_NTB_PARAMETERS (§6), kept distinct from TxMax (which ClampSizes
	// may have clamped down to maxNtbSize) because the encoder's §4.3 step
	// 4 short-packet rule compares the clamped tx_max against the device's
	// original advertised ceiling, not against itself.
	DwNtbOutMaxSize uint32

	// Raw is the 28-byte GET_NTB_PARAMETERS response this was derived from,
	// kept only for diagnostic logging (SPEC_FULL §3).
	Raw []byte
}

// HasCap reports whether the given capability flag is set.
func (p *Parameters) HasCap(flag uint16) bool {
	return util.GetBitMask16(p.Caps, flag)
}

// ClampSizes clamps RxMax and TxMax to the ranges required by §3. It returns
// whether either value was changed, which the negotiator uses to decide
// whether SET_NTB_INPUT_SIZE is required.
func (p *Parameters) ClampSizes() (rxChanged, txChanged bool) {
	rxMin := uint32(minInSize)
	rxMax := uint32(maxNtbSize)
	clamped := util.ClampU32(p.RxMax, rxMin, rxMax)
	if clamped != p.RxMax {
		rxChanged = true
		p.RxMax = clamped
	}

	txMin := uint32(minHdrSize) + 1514
	txMax := uint32(maxNtbSize)
	clamped = util.ClampU32(p.TxMax, txMin, txMax)
	if clamped != p.TxMax {
		txChanged = true
		p.TxMax = clamped
	}
	return rxChanged, txChanged
}

// ValidateAlignment defaults TxModulus/TxNdpModulus/TxRemainder to the
// values required by §3 when the device advertised something invalid:
// each modulus must be a power of two in [4, TxMax); remainder must be
// less than modulus.
func (p *Parameters) ValidateAlignment() {
	if !isPowerOfTwo(p.TxModulus) || p.TxModulus < 4 || uint32(p.TxModulus) >= p.TxMax {
		p.TxModulus = defaultModulus
	}
	if !isPowerOfTwo(p.TxNdpModulus) || p.TxNdpModulus < 4 || uint32(p.TxNdpModulus) >= p.TxMax {
		p.TxNdpModulus = defaultModulus
	}
	if p.TxRemainder >= p.TxModulus {
		p.TxRemainder = 0
	}
}

// RecomputeRemainder re-derives TxRemainder so that datagram *payloads*
// (not their Ethernet headers) land on the device's requested modulus.
//
// The legacy implementation computes this as
// (tx_remainder - ETH_HLEN) & (tx_modulus - 1), relying on two's-complement
// wraparound when tx_remainder < ETH_HLEN. Per spec.md §9's redesign flag,
// this is expressed without signed/unsigned ambiguity; the two are
// equivalent whenever TxModulus is a power of two, which ValidateAlignment
// guarantees.
func (p *Parameters) RecomputeRemainder() {
	m := uint32(p.TxModulus)
	hlen := uint32(EthHLen) % m
	p.TxRemainder = uint16((uint32(p.TxRemainder) + m - hlen) % m)
}

// ClampMaxDatagrams clamps TxMaxDatagrams to (0, 40].
func (p *Parameters) ClampMaxDatagrams() {
	if p.TxMaxDatagrams == 0 || p.TxMaxDatagrams > maxTxDatagrams {
		p.TxMaxDatagrams = maxTxDatagrams
	}
}

// ClampMaxDatagramSize clamps MaxDatagramSize to [1514, ceiling], where
// ceiling is min(8192, wMaxSegmentSize) as provided by the Ethernet
// functional descriptor.
func (p *Parameters) ClampMaxDatagramSize(wMaxSegmentSize uint32) uint32 {
	ceiling := uint32(maxDatagramSize)
	if wMaxSegmentSize > 0 && wMaxSegmentSize < ceiling {
		ceiling = wMaxSegmentSize
	}
	clamped := util.ClampU32(p.MaxDatagramSize, minDatagramSize, ceiling)
	p.MaxDatagramSize = clamped
	return clamped
}

// MTU returns the network MTU implied by MaxDatagramSize (§4.2 step 8).
func (p *Parameters) MTU() uint32 {
	return p.MaxDatagramSize - EthHLen
}
