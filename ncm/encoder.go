package ncm

import (
	"sync"

	"github.com/golabusb/ncmhost/server/middleware/locker"
)

// NTB is a finalized network transfer block, ready to hand to the bulk OUT
// endpoint exactly as-is.
type NTB struct {
	Data []byte
}

// Encoder aggregates outbound Ethernet frames into NTBs (§4.3 C3). A single
// non-reentrant lock (§5) guards its pending state and remainder slot; it
// is acquired here and in the flush timer's deferred task, and is never
// held across I/O submission.
type Encoder struct {
	mu sync.Mutex

	params *Parameters

	pending   *pendingNtb
	remainder *Frame
	txSeq     uint16
	stats     Stats

	gate  *locker.Locker
	timer *FlushTimer

	bulkMaxPacket   uint32
	dwNtbOutMaxSize uint32
}

// NewEncoder constructs an Encoder. deliver is invoked by the flush timer
// when a deadline-driven finalization produces an NTB; the caller of
// FillTx receives finalized NTBs directly as a return value instead.
func NewEncoder(params *Parameters, bulkMaxPacket, dwNtbOutMaxSize uint32, gate *locker.Locker, deliver func(*NTB)) *Encoder {
	e := &Encoder{
		params:          params,
		gate:            gate,
		bulkMaxPacket:   bulkMaxPacket,
		dwNtbOutMaxSize: dwNtbOutMaxSize,
	}
	e.timer = NewFlushTimer(gate, e, deliver)
	return e
}

// Stats returns a snapshot of the accumulated counters.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// HasPending reports whether a partially-filled NTB is currently held.
func (e *Encoder) HasPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending != nil
}

// FillTx is the single entry point of §4.3: call it with a newly-arrived
// frame, or with nil when the flush timer fires and asks the encoder to
// reconsider. Exactly one of these holds on every call.
func (e *Encoder) FillTx(incoming *Frame) *NTB {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gate.Locked() {
		// §5: any fill_tx invoked after shutdown frees its input and
		// returns no NTB. Dropping the reference is sufficient in Go.
		return nil
	}

	// Swap rule (§4.3): stash the new frame behind any frame already held
	// aside, so the held frame (which arrived earlier) is considered
	// first. At most one frame occupies the remainder slot at a time (I7).
	if incoming != nil {
		incoming, e.remainder = e.remainder, incoming
	}

	if e.pending == nil {
		if incoming == nil && e.remainder == nil {
			return nil
		}
		e.pending = e.allocate()
	}
	p := e.pending

	readyToSend := false
	maxIter := int(e.params.TxMaxDatagrams)
	for iter := 0; iter < maxIter; iter++ {
		if p.offset >= e.params.TxMax {
			readyToSend = true
			break
		}

		if incoming == nil {
			incoming = e.remainder
			e.remainder = nil
		}
		if incoming == nil {
			break
		}

		rem := e.params.TxMax - p.offset
		flen := uint32(len(incoming.Data))

		if flen > rem {
			if p.frameNum == 0 {
				// Larger than any possible NTB with these parameters.
				e.stats.TxDropped++
				incoming = nil
				break
			}
			if e.remainder != nil {
				e.stats.TxDropped++
			}
			e.remainder = incoming
			incoming = nil
			readyToSend = true
			break
		}

		copy(p.buf[p.offset:p.offset+flen], incoming.Data)
		p.dpes[p.frameNum] = dpe{index: p.offset, length: flen}
		p.frameNum++
		p.offset += flen
		p.lastOffset = p.offset

		next := align(p.offset, uint32(e.params.TxModulus)) + uint32(e.params.TxRemainder)
		end := next
		if end > e.params.TxMax {
			end = e.params.TxMax
		}
		for i := p.lastOffset; i < end; i++ {
			p.buf[i] = 0
		}
		p.offset = next
		incoming = nil
	}

	n := p.frameNum
	switch {
	case n == 0:
		e.timer.Arm()
		return nil
	case n < int(e.params.TxMaxDatagrams) && !readyToSend:
		if n < 3 {
			e.timer.Arm()
		}
		return nil
	default:
		return e.finalizeLocked()
	}
}

// Flush forces finalization of whatever is currently pending, regardless
// of how many datagrams it holds. The flush timer's deferred task calls
// this once its debounce counter reaches zero (§4.4). Once the shutdown
// gate is engaged, Flush instead discards the pending NTB and the
// remainder frame, disarms the flush timer, and returns nil.
func (e *Encoder) Flush() *NTB {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gate.Locked() {
		e.pending = nil
		e.remainder = nil
		e.timer.Disarm()
		return nil
	}
	if e.pending == nil {
		return nil
	}
	return e.finalizeLocked()
}

// allocate reserves a new NTB buffer and its header region (§4.3 "Buffer
// lifecycle"). Must be called with e.mu held.
func (e *Encoder) allocate() *pendingNtb {
	buf := make([]byte, e.params.TxMax+1) // make() zero-fills, satisfying the "Zero-fill [0, offset)" step.

	ndpIndex := align(NTHLength, uint32(e.params.TxNdpModulus))
	headerEnd := ndpIndex + NDPLength + uint32(e.params.TxMaxDatagrams+1)*DPELength
	offset := align(headerEnd, uint32(e.params.TxModulus)) + uint32(e.params.TxRemainder)

	return &pendingNtb{
		buf:        buf,
		offset:     offset,
		lastOffset: offset,
	}
}

// finalizeLocked implements §4.3 "Finalization". Must be called with e.mu
// held, and with e.pending non-nil.
func (e *Encoder) finalizeLocked() *NTB {
	p := e.pending
	n := p.frameNum

	lastOffset := p.lastOffset
	if lastOffset > e.params.TxMax {
		lastOffset = e.params.TxMax
	}

	padTarget := lastOffset
	if lastOffset > minTxPktSize {
		padTarget = e.params.TxMax
	}
	for i := lastOffset; i < padTarget; i++ {
		p.buf[i] = 0
	}

	length := padTarget

	// Short-packet avoidance (§4.3 step 4, P6): skip the pad byte only
	// when this transfer is genuinely as large as the device could ever
	// request (final_length == tx_max == dwNtbOutMaxSize); the transport
	// handles that case's framing on its own.
	skipPad := length == e.params.TxMax && e.params.TxMax == e.dwNtbOutMaxSize
	if e.bulkMaxPacket > 0 && length != 0 && length%e.bulkMaxPacket == 0 && !skipPad {
		p.buf[length] = 0
		length++
	}

	// Sentinel DPE table: n real entries plus one (0,0) terminator (I6).
	// Positions beyond the terminator were never written and are still
	// zero from allocate()'s make().
	ndpIndex := align(NTHLength, uint32(e.params.TxNdpModulus))
	dpeStart := ndpIndex + NDPLength

	PutNTH16(p.buf, e.txSeq, uint16(length), uint16(ndpIndex))
	e.txSeq = nextSeq(e.txSeq)

	ndpLength := uint16(NDPLength + (n+1)*DPELength)
	PutNDP16Header(p.buf[ndpIndex:], SigNDP16NoCRC, ndpLength, 0)

	for i := 0; i < n; i++ {
		off := dpeStart + uint32(i)*DPELength
		PutDPE16(p.buf[off:], uint16(p.dpes[i].index), uint16(p.dpes[i].length))
	}
	termOff := dpeStart + uint32(n)*DPELength
	PutDPE16(p.buf[termOff:], 0, 0)

	out := p.buf[:length]

	e.stats.TxPackets += uint64(n)
	e.pending = nil

	if e.remainder != nil {
		// A frame bounced into the remainder slot during this same pass
		// (§4.3 "Swap rule") still needs a trigger to go out; arm the
		// timer rather than leaving it stranded until the next submit.
		e.timer.Arm()
	} else {
		e.timer.Disarm()
	}

	return &NTB{Data: out}
}
