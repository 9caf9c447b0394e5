package usbncm

import "testing"

// buildConfigDescriptor assembles a minimal configuration descriptor
// containing only the three functional descriptors parseFunctionalDescriptors
// cares about, each wrapped in a CS_INTERFACE (0x24) header.
func buildConfigDescriptor() []byte {
	var b []byte

	union := []byte{5, csInterface, descSubtypeUnion, 0 /*control*/, 1 /*data*/}
	ethernet := []byte{13, csInterface, descSubtypeEthernet, 3 /*iMACAddress*/, 0, 0, 0, 0 /*bmEthernetStatistics*/, 0xDC, 0x05 /*wMaxSegmentSize=1500*/, 0, 0, 0}
	ncm := []byte{6, csInterface, descSubtypeNCM, 0x00, 0x01 /*bcdNcmVersion*/, 0x0F /*bmNetworkCapabilities*/}

	b = append(b, union...)
	b = append(b, ethernet...)
	b = append(b, ncm...)
	return b
}

func TestParseFunctionalDescriptors(t *testing.T) {
	raw := buildConfigDescriptor()
	un, eth, ncmDesc, err := parseFunctionalDescriptors(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if un.controlInterface != 0 || un.dataInterface != 1 {
		t.Errorf("union descriptor mismatch: %+v", un)
	}
	if eth.macAddressIndex != 3 {
		t.Errorf("ethernet descriptor macAddressIndex mismatch: %+v", eth)
	}
	if eth.maxSegmentSize != 1500 {
		t.Errorf("ethernet descriptor maxSegmentSize mismatch: got %d want 1500", eth.maxSegmentSize)
	}
	if ncmDesc.networkCaps != 0x0F {
		t.Errorf("ncm descriptor networkCaps mismatch: %+v", ncmDesc)
	}
}

func TestParseFunctionalDescriptorsMissingNCM(t *testing.T) {
	raw := buildConfigDescriptor()
	raw = raw[:len(raw)-6] // drop the NCM descriptor entirely
	_, _, _, err := parseFunctionalDescriptors(raw)
	if err == nil {
		t.Fatal("expected an error for a configuration missing the NCM descriptor")
	}
}

func TestParseFunctionalDescriptorsTruncated(t *testing.T) {
	raw := buildConfigDescriptor()
	raw[0] = 200 // claim a length far past the actual buffer
	_, _, _, err := parseFunctionalDescriptors(raw)
	if err == nil {
		t.Fatal("expected an error for a truncated descriptor")
	}
}
