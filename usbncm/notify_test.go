package usbncm

import (
	"encoding/binary"
	"testing"
)

func notification(notifType byte, wValue uint16, payload []byte) []byte {
	buf := make([]byte, notificationHeaderLen+len(payload))
	buf[1] = notifType
	binary.LittleEndian.PutUint16(buf[2:4], wValue)
	copy(buf[notificationHeaderLen:], payload)
	return buf
}

func TestNotificationHandlerConnectionUpDown(t *testing.T) {
	link := &LinkState{}
	var ups, downs int
	h := NewNotificationHandler(link, func() { ups++ }, func() { downs++ })

	h.Status(notification(notifyNetworkConnection, 1, nil))
	if !link.Connected() {
		t.Fatal("expected connected after wValue=1")
	}
	if ups != 1 {
		t.Errorf("expected onUp called once, got %d", ups)
	}

	h.Status(notification(notifyNetworkConnection, 0, nil))
	if link.Connected() {
		t.Fatal("expected disconnected after wValue=0")
	}
	if downs != 1 {
		t.Errorf("expected onDown called once, got %d", downs)
	}
	rx, tx := link.Speeds()
	if rx != 0 || tx != 0 {
		t.Errorf("expected speeds reset to zero on disconnect, got rx=%d tx=%d", rx, tx)
	}
}

func TestNotificationHandlerSpeedChange(t *testing.T) {
	link := &LinkState{}
	h := NewNotificationHandler(link, nil, nil)

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 100_000_000)
	binary.LittleEndian.PutUint32(payload[4:8], 50_000_000)
	h.Status(notification(notifySpeedChange, 0, payload))

	rx, tx := link.Speeds()
	if rx != 100_000_000 || tx != 50_000_000 {
		t.Errorf("unexpected speeds: rx=%d tx=%d", rx, tx)
	}
}

func TestNotificationHandlerSplitSpeedChange(t *testing.T) {
	link := &LinkState{}
	h := NewNotificationHandler(link, nil, nil)

	header := notification(notifySpeedChange, 0, nil) // header-only transfer
	h.Status(header)

	link.mu.Lock()
	pending := link.splitSpeedPending
	link.mu.Unlock()
	if !pending {
		t.Fatal("expected splitSpeedPending after a header-only SPEED_CHANGE")
	}

	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], 10_000_000)
	binary.LittleEndian.PutUint32(payload[4:8], 5_000_000)
	h.Status(payload) // continuation transfer, bare payload

	rx, tx := link.Speeds()
	if rx != 10_000_000 || tx != 5_000_000 {
		t.Errorf("unexpected speeds after split continuation: rx=%d tx=%d", rx, tx)
	}
}

func TestNotificationHandlerShortTransferIgnored(t *testing.T) {
	link := &LinkState{}
	h := NewNotificationHandler(link, nil, nil)
	h.Status([]byte{1, 2, 3}) // shorter than notificationHeaderLen
	if link.Connected() {
		t.Fatal("a short transfer must not change link state")
	}
}
