package usbncm

import "fmt"

// unionDesc is the decoded CDC Union functional descriptor: it names the
// control interface and its first subordinate (data) interface.
type unionDesc struct {
	controlInterface uint8
	dataInterface    uint8
}

// ethernetDesc is the decoded CDC Ethernet Networking functional
// descriptor.
type ethernetDesc struct {
	macAddressIndex uint8
	maxSegmentSize  uint32
}

// ncmDesc is the decoded CDC NCM functional descriptor.
type ncmDesc struct {
	bcdNcmVersion uint16
	networkCaps   uint8
}

// parseFunctionalDescriptors walks a raw USB configuration descriptor
// (as returned by a standard GET_DESCRIPTOR(CONFIGURATION) transfer) and
// extracts the three CDC functional descriptors bind() requires: UNION,
// ETHERNET, NCM (spec.md §4.7 step 1). Each descriptor is
// length-prefixed (byte 0 = bFunctionLength), the same "manual ABI"
// layout the wire codec in package ncm uses, so this is walked the same
// way: never trusting a claimed length past the remaining buffer.
func parseFunctionalDescriptors(raw []byte) (un *unionDesc, eth *ethernetDesc, ncm *ncmDesc, err error) {
	for i := 0; i+2 <= len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			return un, eth, ncm, fmt.Errorf("usbncm: truncated descriptor at offset %d (length %d, remaining %d)", i, length, len(raw)-i)
		}
		descType := raw[i+1]
		if descType == csInterface && length >= 3 {
			subtype := raw[i+2]
			body := raw[i : i+length]
			switch subtype {
			case descSubtypeUnion:
				if length >= 5 {
					un = &unionDesc{controlInterface: body[3], dataInterface: body[4]}
				}
			case descSubtypeEthernet:
				if length >= 13 {
					eth = &ethernetDesc{
						macAddressIndex: body[3],
						maxSegmentSize:  uint32(body[8]) | uint32(body[9])<<8,
					}
				}
			case descSubtypeNCM:
				if length >= 6 {
					ncm = &ncmDesc{
						bcdNcmVersion: uint16(body[3]) | uint16(body[4])<<8,
						networkCaps:   body[5],
					}
				}
			}
		}
		i += length
	}
	if un == nil || eth == nil || ncm == nil {
		return un, eth, ncm, fmt.Errorf("usbncm: missing required functional descriptor (union=%v ethernet=%v ncm=%v)", un != nil, eth != nil, ncm != nil)
	}
	return un, eth, ncm, nil
}
