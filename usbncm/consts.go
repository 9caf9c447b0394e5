// Package usbncm binds the transport-agnostic ncm package to a real USB
// device via gousb: descriptor discovery, parameter negotiation over
// control transfers, notification handling on the status endpoint, and
// bind/unbind lifecycle (spec.md C2, C6, C7).
package usbncm

// Class-specific request codes consumed (spec.md §6).
const (
	reqGetNTBParameters   = 0x80
	reqSetNTBInputSize    = 0x86
	reqSetCRCMode         = 0x8A
	reqSetNTBFormat       = 0x84
	reqGetMaxDatagramSize = 0x82
	reqSetMaxDatagramSize = 0x83
)

// bmRequestType values for class, interface-targeted control transfers.
const (
	reqTypeClassInterfaceIn  = 0xA1 // IN, class, interface
	reqTypeClassInterfaceOut = 0x21 // OUT, class, interface
)

// NTB format selectors for SET_NTB_FORMAT.
const (
	ntbFormat16 = 0x0000
	ntbFormat32 = 0x0001
)

// CRC mode selectors for SET_CRC_MODE.
const (
	crcNotAppended = 0x0000
	crcAppended    = 0x0001
)

// Notification types delivered on the interrupt status endpoint (spec.md §6).
const (
	notifyNetworkConnection = 0x00
	notifySpeedChange       = 0x2A
)

// CDC functional descriptor subtypes (bDescriptorSubtype under CS_INTERFACE,
// bDescriptorType 0x24), needed to locate UNION, ETHERNET, and NCM (spec.md
// §4.7 step 1).
const (
	descSubtypeUnion    = 0x06
	descSubtypeEthernet = 0x0F
	descSubtypeNCM      = 0x1A
)

const csInterface = 0x24

// defaultMaxDatagramSize is the value max_datagram_size is initialized to
// before MAX_DATAGRAM_SIZE capability negotiation (spec.md §4.2 step 7).
const defaultMaxDatagramSize = 1514
