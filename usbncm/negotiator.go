package usbncm

import (
	"encoding/binary"
	"fmt"
	"log"

	"github.com/golabusb/ncmhost/ncm"
)

// controlDevice is the subset of *gousb.Device the negotiator needs. It is
// an interface purely so tests can exercise Negotiate against a fake; the
// real binding is *gousb.Device, whose Control method already has exactly
// this signature.
type controlDevice interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// ntbParamsWireLen is the byte length of the GET_NTB_PARAMETERS response
// (spec.md §6): wLength, bmNtbFormatsSupported, dwNtbInMaxSize,
// wNdpInDivisor, wNdpInPayloadRemainder, wNdpInAlignment, reserved,
// dwNtbOutMaxSize, wNdpOutDivisor, wNdpOutPayloadRemainder,
// wNdpOutAlignment, wNtbOutMaxDatagrams.
const ntbParamsWireLen = 28

const (
	ntbFormatBit16 = 1 << 0
	ntbFormatBit32 = 1 << 1
)

// Negotiator implements spec.md §4.2 C2: the device-parameter negotiation
// state, run once per bind between switching data-alt 0 and data-alt 1.
type Negotiator struct {
	dev   controlDevice
	iface uint16 // wIndex: the control (communication) interface number, per the CDC spec
}

// NewNegotiator binds a Negotiator to a device and the control
// (communication) interface number class requests should target.
func NewNegotiator(dev controlDevice, controlInterface uint16) *Negotiator {
	return &Negotiator{dev: dev, iface: controlInterface}
}

// Negotiate runs the full §4.2 sequence and returns the resulting
// Parameters. maxSegmentSize and networkCaps come from the Ethernet and
// NCM functional descriptors respectively (§4.7 step 1): the capability
// bit set in NtbParameters.Caps (§3) is sourced from
// bmNetworkCapabilities, not from the 28-byte GET_NTB_PARAMETERS block,
// which only carries bmNtbFormatsSupported.
func (n *Negotiator) Negotiate(maxSegmentSize uint32, networkCaps uint8) (*ncm.Parameters, error) {
	raw := make([]byte, ntbParamsWireLen)
	if _, err := n.dev.Control(reqTypeClassInterfaceIn, reqGetNTBParameters, 0, n.iface, raw); err != nil {
		return nil, fmt.Errorf("usbncm: GET_NTB_PARAMETERS: %w", err)
	}

	params := parseNTBParameters(raw)
	params.Caps = capsFromNetworkCapabilities(networkCaps)

	rxChanged, _ := params.ClampSizes()
	if rxChanged {
		n.setNTBInputSize(params)
	}

	params.ValidateAlignment()
	params.RecomputeRemainder()

	if params.HasCap(ncm.CapCRCMode) {
		if _, err := n.dev.Control(reqTypeClassInterfaceOut, reqSetCRCMode, crcNotAppended, n.iface, nil); err != nil {
			log.Printf("usbncm: SET_CRC_MODE failed, continuing with device default: %v", err)
		}
	}

	if raw[2]&ntbFormatBit16 != 0 && raw[2]&ntbFormatBit32 != 0 {
		if _, err := n.dev.Control(reqTypeClassInterfaceOut, reqSetNTBFormat, ntbFormat16, n.iface, nil); err != nil {
			log.Printf("usbncm: SET_NTB_FORMAT(16) failed, continuing with device default: %v", err)
		}
	}

	params.MaxDatagramSize = defaultMaxDatagramSize
	if params.HasCap(ncm.CapMaxDatagramSize) {
		n.negotiateMaxDatagramSize(params, maxSegmentSize)
	} else {
		params.ClampMaxDatagramSize(maxSegmentSize)
	}

	return params, nil
}

// setNTBInputSize sends SET_NTB_INPUT_SIZE, using the 8-byte extended
// form when the device advertises NTB_INPUT_SIZE (which also carries a
// max datagram count, sent as zero), else the plain 4-byte
// dwNtbInMaxSize form. Failure is logged, not fatal
// (spec.md §4.2 step 2).
func (n *Negotiator) setNTBInputSize(p *ncm.Parameters) {
	var payload []byte
	if p.HasCap(ncm.CapNTBInputSize) {
		payload = make([]byte, 8)
		binary.LittleEndian.PutUint32(payload[0:4], p.RxMax)
		// bytes 4-7 (wNtbInMaxDatagrams + reserved) left zero: we do not
		// ask the device to cap our inbound datagram count.
	} else {
		payload = make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, p.RxMax)
	}
	if _, err := n.dev.Control(reqTypeClassInterfaceOut, reqSetNTBInputSize, 0, n.iface, payload); err != nil {
		log.Printf("usbncm: SET_NTB_INPUT_SIZE failed, device keeps its own rx_max: %v", err)
	}
}

// negotiateMaxDatagramSize implements spec.md §4.2 step 7.
func (n *Negotiator) negotiateMaxDatagramSize(p *ncm.Parameters, maxSegmentSize uint32) {
	buf := make([]byte, 2)
	if _, err := n.dev.Control(reqTypeClassInterfaceIn, reqGetMaxDatagramSize, 0, n.iface, buf); err != nil {
		log.Printf("usbncm: GET_MAX_DATAGRAM_SIZE failed, using default %d: %v", defaultMaxDatagramSize, err)
		p.ClampMaxDatagramSize(maxSegmentSize)
		return
	}
	p.MaxDatagramSize = uint32(binary.LittleEndian.Uint16(buf))
	clamped := p.ClampMaxDatagramSize(maxSegmentSize)
	if clamped != uint32(binary.LittleEndian.Uint16(buf)) {
		out := make([]byte, 2)
		binary.LittleEndian.PutUint16(out, uint16(clamped))
		if _, err := n.dev.Control(reqTypeClassInterfaceOut, reqSetMaxDatagramSize, 0, n.iface, out); err != nil {
			log.Printf("usbncm: SET_MAX_DATAGRAM_SIZE failed, keeping device value: %v", err)
		}
	}
}

func parseNTBParameters(raw []byte) *ncm.Parameters {
	dwNtbInMaxSize := binary.LittleEndian.Uint32(raw[4:8])
	wNdpOutDivisor := binary.LittleEndian.Uint16(raw[20:22])
	wNdpOutPayloadRemainder := binary.LittleEndian.Uint16(raw[22:24])
	wNdpOutAlignment := binary.LittleEndian.Uint16(raw[24:26])
	dwNtbOutMaxSize := binary.LittleEndian.Uint32(raw[16:20])
	wNtbOutMaxDatagrams := binary.LittleEndian.Uint16(raw[26:28])

	p := &ncm.Parameters{
		RxMax:           dwNtbInMaxSize,
		TxMax:           dwNtbOutMaxSize,
		TxModulus:       wNdpOutDivisor,
		TxNdpModulus:    wNdpOutAlignment,
		TxRemainder:     wNdpOutPayloadRemainder,
		TxMaxDatagrams:  wNtbOutMaxDatagrams,
		DwNtbOutMaxSize: dwNtbOutMaxSize,
		Raw:             append([]byte(nil), raw...),
	}
	p.ClampMaxDatagrams()
	return p
}

func capsFromNetworkCapabilities(b uint8) uint16 {
	var caps uint16
	if b&(1<<5) != 0 {
		caps |= ncm.CapNTBInputSize
	}
	if b&(1<<4) != 0 {
		caps |= ncm.CapCRCMode
	}
	if b&(1<<3) != 0 {
		caps |= ncm.CapMaxDatagramSize
	}
	return caps
}
