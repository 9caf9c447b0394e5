package usbncm

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/golabusb/ncmhost/ncm"
)

type fakeControlDevice struct {
	ntbParams []byte
	calls     []uint8 // requests seen, in order
	fail      map[uint8]bool
}

func (f *fakeControlDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	f.calls = append(f.calls, request)
	if f.fail[request] {
		return 0, errors.New("control transfer failed")
	}
	if request == reqGetNTBParameters {
		copy(data, f.ntbParams)
		return len(f.ntbParams), nil
	}
	if request == reqGetMaxDatagramSize {
		binary.LittleEndian.PutUint16(data, 1500)
		return 2, nil
	}
	return len(data), nil
}

func defaultNTBParams() []byte {
	raw := make([]byte, ntbParamsWireLen)
	raw[2] = ntbFormatBit16 // bmNtbFormatsSupported: 16-bit only
	binary.LittleEndian.PutUint32(raw[4:8], 4096)   // dwNtbInMaxSize
	binary.LittleEndian.PutUint32(raw[16:20], 4096) // dwNtbOutMaxSize
	binary.LittleEndian.PutUint16(raw[20:22], 4)    // wNdpOutDivisor
	binary.LittleEndian.PutUint16(raw[22:24], 0)    // wNdpOutPayloadRemainder
	binary.LittleEndian.PutUint16(raw[24:26], 4)    // wNdpOutAlignment
	binary.LittleEndian.PutUint16(raw[26:28], 40)   // wNtbOutMaxDatagrams
	return raw
}

func TestNegotiateBasic(t *testing.T) {
	fake := &fakeControlDevice{ntbParams: defaultNTBParams()}
	neg := NewNegotiator(fake, 1)
	params, err := neg.Negotiate(1500, 0x0F)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.RxMax != 4096 || params.TxMax != 4096 {
		t.Errorf("unexpected rx/tx max: %+v", params)
	}
	if params.TxModulus != 4 || params.TxNdpModulus != 4 {
		t.Errorf("unexpected alignment: %+v", params)
	}
	// The device reports 1500, below the 1514 floor, so the floor wins.
	if params.MaxDatagramSize != 1514 {
		t.Errorf("expected negotiated max datagram size 1514, got %d", params.MaxDatagramSize)
	}
	if params.MTU() != 1514-ncm.EthHLen {
		t.Errorf("unexpected MTU: %d", params.MTU())
	}
}

func TestNegotiateClampsOutOfRangeSizes(t *testing.T) {
	raw := defaultNTBParams()
	binary.LittleEndian.PutUint32(raw[4:8], 500) // below minInSize: must be clamped up
	fake := &fakeControlDevice{ntbParams: raw}
	neg := NewNegotiator(fake, 1)
	params, err := neg.Negotiate(1500, 0x0F)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.RxMax != 2048 {
		t.Errorf("expected RxMax clamped to the 2048 floor, got %d", params.RxMax)
	}
	sawSetNTBInputSize := false
	for _, c := range fake.calls {
		if c == reqSetNTBInputSize {
			sawSetNTBInputSize = true
		}
	}
	if !sawSetNTBInputSize {
		t.Error("expected SET_NTB_INPUT_SIZE to be issued after clamping rx_max")
	}
}

func TestNegotiateFailsWhenGetNTBParametersFails(t *testing.T) {
	fake := &fakeControlDevice{ntbParams: defaultNTBParams(), fail: map[uint8]bool{reqGetNTBParameters: true}}
	neg := NewNegotiator(fake, 1)
	_, err := neg.Negotiate(1500, 0x0F)
	if err == nil {
		t.Fatal("expected an error when GET_NTB_PARAMETERS fails")
	}
}
