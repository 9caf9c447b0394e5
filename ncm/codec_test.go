package ncm

import "testing"

func TestPutGetNTH16RoundTrip(t *testing.T) {
	buf := make([]byte, NTHLength)
	PutNTH16(buf, 7, 1024, 12)
	got := GetNTH16(buf)
	if got.Signature != SigNTH16 {
		t.Errorf("Signature = %#08x, want %#08x", got.Signature, SigNTH16)
	}
	if got.HeaderLength != NTHLength {
		t.Errorf("HeaderLength = %d, want %d", got.HeaderLength, NTHLength)
	}
	if got.Sequence != 7 || got.BlockLength != 1024 || got.NdpIndex != 12 {
		t.Errorf("got %+v", got)
	}
}

func TestPutGetNDP16RoundTrip(t *testing.T) {
	buf := make([]byte, NDPLength)
	PutNDP16Header(buf, SigNDP16NoCRC, 24, 0)
	got := GetNDP16(buf)
	if got.Signature != SigNDP16NoCRC || got.Length != 24 || got.NextNdpIndex != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestPutGetDPE16RoundTrip(t *testing.T) {
	buf := make([]byte, DPELength)
	PutDPE16(buf, 64, 1514)
	got := GetDPE16(buf)
	if got.Index != 64 || got.Length != 1514 {
		t.Errorf("got %+v", got)
	}
}

func TestAlign(t *testing.T) {
	cases := []struct{ n, modulus, want uint32 }{
		{0, 4, 0},
		{1, 4, 4},
		{4, 4, 4},
		{5, 4, 8},
		{13, 4, 16},
		{10, 0, 10},
	}
	for _, c := range cases {
		if got := align(c.n, c.modulus); got != c.want {
			t.Errorf("align(%d, %d) = %d, want %d", c.n, c.modulus, got, c.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, n := range []uint16{1, 2, 4, 8, 4096} {
		if !isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = false, want true", n)
		}
	}
	for _, n := range []uint16{0, 3, 5, 6, 100} {
		if isPowerOfTwo(n) {
			t.Errorf("isPowerOfTwo(%d) = true, want false", n)
		}
	}
}
