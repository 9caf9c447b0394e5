package usbncm

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/gousb"

	"github.com/golabusb/ncmhost/ncm"
	"github.com/golabusb/ncmhost/server/middleware/locker"
)

// ErrDeviceUnavailable is the single generic error spec.md §7 requires
// bind to return for any fatal condition: a missing functional
// descriptor, a failed GET_NTB_PARAMETERS, a failed interface claim or
// altsetting switch, a missing endpoint, or a failed MAC address read.
// The original cause is wrapped for logging, but callers should not
// branch on it.
var ErrDeviceUnavailable = errors.New("usbncm: device unavailable")

// Device is the transport-facing binding of package ncm to a real CDC-NCM
// USB device: it owns the claimed interfaces and endpoints, the
// negotiated Parameters, the encoder/decoder pair, link state, and the
// shutdown gate (spec.md C7).
type Device struct {
	mu sync.Mutex

	usbDev *gousb.Device
	cfg    *gousb.Config

	ctrlIntf      *gousb.Interface
	ctrlIntfDone  func()
	dataIntf      *gousb.Interface
	dataIntfDone  func()

	ctrlNum, dataNum int

	inEp     *gousb.InEndpoint
	outEp    *gousb.OutEndpoint
	statusEp *gousb.InEndpoint

	gate   *locker.Locker
	params *ncm.Parameters
	enc    *ncm.Encoder
	dec    *ncm.Decoder
	notify *NotificationHandler
	link   *LinkState

	mac string
	mtu uint32

	statusStop chan struct{}
	statusDone chan struct{}
}

// NewDevice constructs an unbound Device. Call Bind before use.
func NewDevice() *Device {
	return &Device{
		gate: locker.New(),
		link: &LinkState{},
	}
}

// Bind implements spec.md §4.7's bind order. Every failure unwinds the
// steps already taken and returns ErrDeviceUnavailable.
func (d *Device) Bind(ctx *gousb.Context, vid, pid gousb.ID) error {
	dev, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil || dev == nil {
		return fmt.Errorf("%w: open device: %v", ErrDeviceUnavailable, err)
	}
	if err := dev.SetAutoDetach(true); err != nil {
		dev.Close()
		return fmt.Errorf("%w: set auto detach: %v", ErrDeviceUnavailable, err)
	}

	raw, err := readConfigDescriptor(dev)
	if err != nil {
		dev.Close()
		return fmt.Errorf("%w: read configuration descriptor: %v", ErrDeviceUnavailable, err)
	}
	un, eth, ncmDesc, err := parseFunctionalDescriptors(raw)
	if err != nil {
		dev.Close()
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	cfgNum := firstConfigNum(dev)
	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return fmt.Errorf("%w: claim configuration %d: %v", ErrDeviceUnavailable, cfgNum, err)
	}

	// Step 2: claim the slave (data) interface at altsetting 0 (no
	// endpoints) for negotiation.
	dataIntf, dataDone, err := cfg.Interface(int(un.dataInterface), 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: claim data interface %d alt 0: %v", ErrDeviceUnavailable, un.dataInterface, err)
	}

	// Step 3: run C2. Class requests target the control (communication)
	// interface, per the CDC specification.
	neg := NewNegotiator(dev, uint16(un.controlInterface))
	params, err := neg.Negotiate(eth.maxSegmentSize, ncmDesc.networkCaps)
	if err != nil {
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: negotiate NTB parameters: %v", ErrDeviceUnavailable, err)
	}

	// Step 4: switch data alt to 1 (with endpoints) and claim the
	// control interface for its interrupt status endpoint.
	dataDone()
	dataIntf, dataDone, err = cfg.Interface(int(un.dataInterface), 1)
	if err != nil {
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: switch data interface %d to alt 1: %v", ErrDeviceUnavailable, un.dataInterface, err)
	}
	ctrlIntf, ctrlDone, err := cfg.Interface(int(un.controlInterface), 0)
	if err != nil {
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: claim control interface %d: %v", ErrDeviceUnavailable, un.controlInterface, err)
	}

	outAddr, ok := findEndpoint(dataIntf, gousb.EndpointDirectionOut, gousb.TransferTypeBulk)
	if !ok {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: no bulk OUT endpoint on data interface", ErrDeviceUnavailable)
	}
	inAddr, ok := findEndpoint(dataIntf, gousb.EndpointDirectionIn, gousb.TransferTypeBulk)
	if !ok {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: no bulk IN endpoint on data interface", ErrDeviceUnavailable)
	}
	statusAddr, ok := findEndpoint(ctrlIntf, gousb.EndpointDirectionIn, gousb.TransferTypeInterrupt)
	if !ok {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: no interrupt status endpoint on control interface", ErrDeviceUnavailable)
	}

	outEp, err := dataIntf.OutEndpoint(outAddr.Number)
	if err != nil {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: open bulk OUT endpoint: %v", ErrDeviceUnavailable, err)
	}
	inEp, err := dataIntf.InEndpoint(inAddr.Number)
	if err != nil {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: open bulk IN endpoint: %v", ErrDeviceUnavailable, err)
	}
	statusEp, err := ctrlIntf.InEndpoint(statusAddr.Number)
	if err != nil {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: open interrupt status endpoint: %v", ErrDeviceUnavailable, err)
	}

	mac, err := dev.GetStringDescriptor(int(eth.macAddressIndex))
	if err != nil {
		ctrlDone()
		dataDone()
		cfg.Close()
		dev.Close()
		return fmt.Errorf("%w: read MAC address string: %v", ErrDeviceUnavailable, err)
	}

	// Step 5: wire MTU, MAC, carrier-off, speed 0. Carrier/speed already
	// default to zero values on a fresh LinkState.
	d.mu.Lock()
	d.usbDev = dev
	d.cfg = cfg
	d.ctrlIntf = ctrlIntf
	d.ctrlIntfDone = ctrlDone
	d.dataIntf = dataIntf
	d.dataIntfDone = dataDone
	d.ctrlNum = int(un.controlInterface)
	d.dataNum = int(un.dataInterface)
	d.outEp = outEp
	d.inEp = inEp
	d.statusEp = statusEp
	d.params = params
	d.mac = mac
	d.mtu = params.MTU()
	d.enc = ncm.NewEncoder(params, uint32(outEp.Desc.MaxPacketSize), params.DwNtbOutMaxSize, d.gate, d.deliverTx)
	d.dec = ncm.NewDecoder()
	d.dec.SetRxMax(params.RxMax)
	d.notify = NewNotificationHandler(d.link, nil, nil)
	d.statusStop = make(chan struct{})
	d.statusDone = make(chan struct{})
	d.mu.Unlock()

	go d.statusLoop()

	return nil
}

// Unbind implements spec.md §4.7's unbind order: set the shutdown flag,
// cancel the timer, drain the status task, release the interfaces, and
// free pending/remainder state. controlUnbinding selects which role's
// teardown triggered this call (§9 "unbalanced unbind call"): the
// opposite role is released best-effort, since the upstream framework
// may invoke unbind on either interface independently.
func (d *Device) Unbind(controlUnbinding bool) {
	d.gate.Lock()
	if d.enc != nil {
		d.enc.Flush() // drop any pending NTB; FillTx after shutdown returns nil anyway
	}

	select {
	case <-d.statusStop:
		// already stopped by an earlier Unbind
	default:
		close(d.statusStop)
	}
	<-d.statusDone

	d.mu.Lock()
	defer d.mu.Unlock()
	if controlUnbinding {
		if d.dataIntfDone != nil {
			d.dataIntfDone()
			d.dataIntfDone = nil
		}
	} else {
		if d.ctrlIntfDone != nil {
			d.ctrlIntfDone()
			d.ctrlIntfDone = nil
		}
	}
	if d.ctrlIntfDone != nil {
		d.ctrlIntfDone()
		d.ctrlIntfDone = nil
	}
	if d.dataIntfDone != nil {
		d.dataIntfDone()
		d.dataIntfDone = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.usbDev != nil {
		d.usbDev.Close()
		d.usbDev = nil
	}
}

// TxFixup is the transport contract's tx_fixup: hand it a newly-arrived
// Ethernet frame (or nil, when the flush timer's deferred task re-enters
// the encoder) and it returns a finalized NTB when one is ready.
func (d *Device) TxFixup(frame *ncm.Frame) *ncm.NTB {
	return d.enc.FillTx(frame)
}

// RxFixup is the transport contract's rx_fixup: decode one received NTB
// into zero-copy Ethernet datagram views.
func (d *Device) RxFixup(ntb []byte) ([]ncm.Frame, error) {
	return d.dec.Decode(ntb)
}

// CheckConnect reports the current carrier state.
func (d *Device) CheckConnect() bool {
	return d.link.Connected()
}

// Stats returns combined encoder/decoder statistics.
func (d *Device) Stats() (tx, rx ncm.Stats) {
	return d.enc.Stats(), d.dec.Stats()
}

// MAC returns the device's Ethernet MAC address string.
func (d *Device) MAC() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mac
}

// MTU returns the negotiated MTU (max_datagram_size - ETH_HLEN).
func (d *Device) MTU() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtu
}

// Link exposes LinkState for diagnostics.
func (d *Device) Link() *LinkState {
	return d.link
}

// Gate exposes the shutdown gate, shared with the HTTP diagnostics
// middleware (§5).
func (d *Device) Gate() *locker.Locker {
	return d.gate
}

// deliverTx is the encoder's deliver callback: submit a finalized NTB to
// the bulk OUT endpoint. Never called with the encoder lock held (§5).
func (d *Device) deliverTx(n *ncm.NTB) {
	if _, err := d.outEp.Write(n.Data); err != nil {
		log.Printf("usbncm: bulk OUT write failed: %v", err)
	}
}

// statusLoop repeatedly reads the interrupt status endpoint and feeds
// each transfer to the notification handler, until Unbind closes
// statusStop.
func (d *Device) statusLoop() {
	defer close(d.statusDone)
	buf := make([]byte, 64)
	for {
		select {
		case <-d.statusStop:
			return
		default:
		}
		n, err := d.statusEp.Read(buf)
		if err != nil {
			select {
			case <-d.statusStop:
				return
			default:
			}
			log.Printf("usbncm: status endpoint read failed: %v", err)
			continue
		}
		if n > 0 {
			d.notify.Status(append([]byte(nil), buf[:n]...))
		}
	}
}

func firstConfigNum(dev *gousb.Device) int {
	for n := range dev.Desc.Configs {
		return n
	}
	return 1
}

func findEndpoint(intf *gousb.Interface, dir gousb.EndpointDirection, transfer gousb.TransferType) (gousb.EndpointDesc, bool) {
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == dir && ep.TransferType == transfer {
			return ep, true
		}
	}
	return gousb.EndpointDesc{}, false
}

// readConfigDescriptor issues a standard GET_DESCRIPTOR(CONFIGURATION)
// control transfer and returns the complete raw bytes (header plus every
// interface/class-specific descriptor that follows it), so
// parseFunctionalDescriptors can walk it.
func readConfigDescriptor(dev *gousb.Device) ([]byte, error) {
	const (
		reqTypeStandardDeviceIn = 0x80
		reqGetDescriptor        = 0x06
		descTypeConfiguration   = 0x02
	)
	head := make([]byte, 9)
	if _, err := dev.Control(reqTypeStandardDeviceIn, reqGetDescriptor, descTypeConfiguration<<8, 0, head); err != nil {
		return nil, fmt.Errorf("get configuration descriptor header: %w", err)
	}
	total := int(head[2]) | int(head[3])<<8
	if total < len(head) {
		return nil, fmt.Errorf("implausible wTotalLength %d", total)
	}
	full := make([]byte, total)
	if _, err := dev.Control(reqTypeStandardDeviceIn, reqGetDescriptor, descTypeConfiguration<<8, 0, full); err != nil {
		return nil, fmt.Errorf("get full configuration descriptor: %w", err)
	}
	return full, nil
}
