package ncm

import (
	"fmt"
	"log"
	"sync"

	"github.com/snksoft/crc"
	"golang.org/x/time/rate"
)

// crcTable is used only to recognize and log a CRC-mode NDP16 the transmit
// side never requests (SigNDP16CRC); the decoder does not validate the
// trailing CRC16 itself, since negotiation (usbncm.Negotiator) always asks
// the device for CRC-less mode and a CRC-mode NDP here indicates a device
// that ignored that request.
var crcTable = crc.NewTable(crc.XMODEM)

// Decoder implements §4.5 C5: zero-copy extraction of Ethernet frames from
// a received NTB, with strict bounds checking against every offset and
// length the device supplies, since a malfunctioning or malicious device
// controls all of it.
type Decoder struct {
	mu    sync.Mutex
	rxSeq uint16
	first bool
	stats Stats
	rxMax uint32

	limiter *rate.Limiter
}

// NewDecoder constructs a Decoder. rxMax defaults to the largest legal NTB
// (maxNtbSize); callers with a negotiated Parameters should call SetRxMax
// once negotiation completes. The log-rate limiter mirrors the
// advisory-scan throttling pattern used elsewhere in this codebase for
// noisy, non-fatal diagnostics: at most 15 lines per second, with a burst
// of 15.
func NewDecoder() *Decoder {
	return &Decoder{
		first:   true,
		rxMax:   maxNtbSize,
		limiter: rate.NewLimiter(15, 15),
	}
}

// SetRxMax installs the negotiated rx_max (§3 NtbParameters) that bounds
// NTH16.wBlockLength and every DPE16.wDatagramLength (§4.5 steps 3, 10).
func (d *Decoder) SetRxMax(rxMax uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxMax = rxMax
}

// Stats returns a snapshot of the accumulated receive counters.
func (d *Decoder) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Decode parses one received NTB and returns its constituent Ethernet
// frames as zero-copy views into ntb. The returned Frames, and their Data
// slices, are only valid until the caller reuses or returns the ntb
// buffer to the transport's receive pool.
//
// A structural violation in the NTH16 or NDP16 (short transfer, bad
// signature, a CRC-mode NDP16, an NDP16 index or length outside ntb)
// aborts the whole NTB and is reported as a single error. A bad DPE is
// not an error: a (0,0) or out-of-bounds first DPE discards the whole NTB
// with a nil error, and a bad later DPE ends iteration, keeping the
// datagrams before it. A sequence gap is only logged.
func (d *Decoder) Decode(ntb []byte) ([]Frame, error) {
	if len(ntb) < NTHLength {
		d.drop()
		return nil, fmt.Errorf("ncm: short NTB: %d bytes, want at least %d", len(ntb), NTHLength)
	}

	nth := GetNTH16(ntb)
	if nth.Signature != SigNTH16 {
		d.drop()
		return nil, fmt.Errorf("ncm: bad NTH16 signature %#08x", nth.Signature)
	}
	if int(nth.HeaderLength) != NTHLength {
		d.drop()
		return nil, fmt.Errorf("ncm: unexpected NTH16 header length %d", nth.HeaderLength)
	}
	d.mu.Lock()
	rxMax := d.rxMax
	d.mu.Unlock()
	if uint32(nth.BlockLength) > rxMax {
		d.drop()
		return nil, fmt.Errorf("ncm: NTH16 block length %d exceeds negotiated rx_max %d", nth.BlockLength, rxMax)
	}

	d.checkSequence(nth.Sequence)

	ndpIndex := uint32(nth.NdpIndex)
	if ndpIndex+NDPLength > uint32(len(ntb)) {
		d.drop()
		return nil, fmt.Errorf("ncm: NDP16 index %d out of bounds (transfer %d bytes)", ndpIndex, len(ntb))
	}
	ndp := GetNDP16(ntb[ndpIndex:])

	switch ndp.Signature {
	case SigNDP16NoCRC:
		// expected path
	case SigNDP16CRC:
		// The CRC-appended variant is rejected outright (§4.5 step 6); the
		// CRC16 is still computed and logged so an operator can tell
		// whether the device's own framing was at least internally
		// consistent, which matters if a device starts sending this after
		// a firmware update despite negotiation asking for CRC-less mode.
		if d.limiter.Allow() {
			crcUint := crcTable.InitCrc()
			crcUint = crcTable.UpdateCrc(crcUint, ntb)
			log.Printf("ncm: rejecting CRC-mode NDP16 despite CRC-less negotiation (crc16=%#04x)", crcTable.CRC16(crcUint))
		}
		d.drop()
		return nil, fmt.Errorf("ncm: CRC-mode NDP16 signature %#08x rejected", ndp.Signature)
	default:
		d.drop()
		return nil, fmt.Errorf("ncm: bad NDP16 signature %#08x", ndp.Signature)
	}

	if int(ndp.Length) < NDPLengthMin {
		d.drop()
		return nil, fmt.Errorf("ncm: NDP16 length %d below minimum %d", ndp.Length, NDPLengthMin)
	}
	if ndpIndex+uint32(ndp.Length) > uint32(len(ntb)) {
		d.drop()
		return nil, fmt.Errorf("ncm: NDP16 length %d at index %d exceeds transfer of %d bytes", ndp.Length, ndpIndex, len(ntb))
	}

	dpeCount := (int(ndp.Length) - NDPLength) / DPELength
	dpeStart := ndpIndex + NDPLength

	frames := make([]Frame, 0, dpeCount)
	for i := 0; i < dpeCount; i++ {
		off := dpeStart + uint32(i)*DPELength
		entry := GetDPE16(ntb[off:])
		start := uint32(entry.Index)
		length := uint32(entry.Length)

		if entry.Index == 0 || entry.Length == 0 {
			if i == 0 {
				// A (0,0) first entry means there were never any real
				// datagrams: the NTB is malformed (§4.5 step 10), not
				// merely empty. Discard the whole NTB.
				d.drop()
				return nil, nil
			}
			break // terminator (I6)
		}

		// Bounds: index+length inside the transfer actually received
		// (which may be shorter than wBlockLength), length within
		// rx_max, length at least one Ethernet header.
		oob := start > uint32(len(ntb)) || length > uint32(len(ntb))-start
		tooBig := length > rxMax
		tooSmall := length < EthHLen
		if oob || tooBig || tooSmall {
			d.mu.Lock()
			d.stats.RxDropped++
			d.mu.Unlock()
			if i == 0 {
				// First DPE violates bounds: the whole NTB is suspect,
				// not just one entry (§4.5 step 10).
				if d.limiter.Allow() {
					log.Printf("ncm: dropping whole NTB, first DPE out of bounds: index=%d length=%d transfer=%d", start, length, len(ntb))
				}
				return nil, nil
			}
			if d.limiter.Allow() {
				log.Printf("ncm: stopping NDP iteration at out-of-bounds DPE: index=%d length=%d transfer=%d", start, length, len(ntb))
			}
			break
		}
		frames = append(frames, Frame{Data: ntb[start : start+length]})
	}

	d.mu.Lock()
	d.stats.RxPackets += uint64(len(frames))
	d.mu.Unlock()

	return frames, nil
}

// checkSequence logs (at most at the configured rate) a gap in the
// device's monotonic NTB sequence counter. This is advisory only (§3
// SequenceState): CDC-NCM does not define retransmission, so a gap can
// only be reported, never recovered.
func (d *Decoder) checkSequence(seq uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.first {
		d.first = false
		d.rxSeq = seq
		return
	}
	want := nextSeq(d.rxSeq)
	if seq != want {
		if d.limiter.Allow() {
			log.Printf("ncm: rx sequence gap: got %d, want %d", seq, want)
		}
	}
	d.rxSeq = seq
}

func (d *Decoder) drop() {
	d.mu.Lock()
	d.stats.RxDropped++
	d.mu.Unlock()
}
