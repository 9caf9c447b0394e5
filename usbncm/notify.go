package usbncm

import (
	"encoding/binary"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// LinkState is spec.md §3's LinkState: connected is read with a relaxed
// atomic by anything outside the notification path (§5 "readers use
// relaxed atomics for connected"); rx/tx speed and the split-notification
// flag are written only from the status endpoint's completion handler,
// and are guarded by mu because Speeds reads them from other goroutines
// (the diagnostics HTTP routes).
type LinkState struct {
	connected int32 // 0 or 1, accessed via atomic

	mu                sync.Mutex
	rxBps             uint32
	txBps             uint32
	splitSpeedPending bool
}

// Connected reports the current carrier state.
func (l *LinkState) Connected() bool {
	return atomic.LoadInt32(&l.connected) != 0
}

// Speeds returns the most recently reported downlink/uplink bit rates.
func (l *LinkState) Speeds() (rxBps, txBps uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rxBps, l.txBps
}

// NotificationHandler implements spec.md §4.6 C6: it decodes CDC
// notifications delivered on the interrupt status endpoint and updates
// LinkState. A SPEED_CHANGE notification whose 8-byte payload arrives in
// a separate transfer from its header is carried across two Status calls
// via splitSpeedPending.
type NotificationHandler struct {
	link    *LinkState
	onUp    func()
	onDown  func()
	limiter *rate.Limiter
}

// NewNotificationHandler constructs a NotificationHandler. onUp/onDown
// are invoked (synchronously, from Status) when NETWORK_CONNECTION
// toggles; the transport binding uses these to drive carrier state on
// the network device abstraction (an external collaborator per spec.md
// §1).
func NewNotificationHandler(link *LinkState, onUp, onDown func()) *NotificationHandler {
	if onUp == nil {
		onUp = func() {}
	}
	if onDown == nil {
		onDown = func() {}
	}
	return &NotificationHandler{
		link:    link,
		onUp:    onUp,
		onDown:  onDown,
		limiter: rate.NewLimiter(15, 15),
	}
}

// notificationHeaderLen is the 8-byte CDC notification header:
// bmRequestType, bNotificationType, wValue, wIndex, wLength.
const notificationHeaderLen = 8

// Status processes one interrupt transfer from the status endpoint. buf
// is the raw bytes read, which may be just the 8-byte header, the header
// plus payload, or (if splitSpeedPending) a bare payload continuing a
// prior header-only transfer.
func (h *NotificationHandler) Status(buf []byte) {
	h.link.mu.Lock()
	splitPending := h.link.splitSpeedPending
	h.link.mu.Unlock()

	if splitPending {
		h.link.mu.Lock()
		h.link.splitSpeedPending = false
		h.link.mu.Unlock()
		h.applySpeedChange(buf)
		return
	}

	if len(buf) < notificationHeaderLen {
		if h.limiter.Allow() {
			log.Printf("usbncm: short notification transfer: %d bytes", len(buf))
		}
		return
	}

	notifType := buf[1]
	wValue := binary.LittleEndian.Uint16(buf[2:4])
	payload := buf[notificationHeaderLen:]

	switch notifType {
	case notifyNetworkConnection:
		h.handleConnection(wValue)
	case notifySpeedChange:
		if len(payload) == 0 {
			h.link.mu.Lock()
			h.link.splitSpeedPending = true
			h.link.mu.Unlock()
			return
		}
		h.applySpeedChange(payload)
	default:
		if h.limiter.Allow() {
			log.Printf("usbncm: ignoring unsupported notification type %#02x", notifType)
		}
	}
}

func (h *NotificationHandler) handleConnection(wValue uint16) {
	up := wValue == 1
	atomic.StoreInt32(&h.link.connected, boolToInt32(up))
	if up {
		h.onUp()
		return
	}
	h.link.mu.Lock()
	h.link.rxBps = 0
	h.link.txBps = 0
	h.link.mu.Unlock()
	h.onDown()
}

// applySpeedChange decodes an 8-byte payload of two little-endian u32
// bit rates (downlink, uplink) and logs the change in Mbit/s when both
// exceed 1,000,000 bps, else kbit/s (spec.md §4.6).
func (h *NotificationHandler) applySpeedChange(payload []byte) {
	if len(payload) < 8 {
		if h.limiter.Allow() {
			log.Printf("usbncm: SPEED_CHANGE payload too short: %d bytes", len(payload))
		}
		return
	}
	rx := binary.LittleEndian.Uint32(payload[0:4])
	tx := binary.LittleEndian.Uint32(payload[4:8])

	h.link.mu.Lock()
	h.link.rxBps = rx
	h.link.txBps = tx
	h.link.mu.Unlock()

	if h.limiter.Allow() {
		if rx > 1_000_000 && tx > 1_000_000 {
			log.Printf("usbncm: link speed changed: down %.1f Mbit/s, up %.1f Mbit/s", float64(rx)/1e6, float64(tx)/1e6)
		} else {
			log.Printf("usbncm: link speed changed: down %.1f kbit/s, up %.1f kbit/s", float64(rx)/1e3, float64(tx)/1e3)
		}
	}
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
