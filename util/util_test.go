package util_test

import (
	"testing"

	"github.com/golabusb/ncmhost/util"
)

func TestClampU32(t *testing.T) {
	cases := []struct {
		in, min, max, want uint32
	}{
		{5, 10, 20, 10},
		{25, 10, 20, 20},
		{15, 10, 20, 15},
	}
	for _, c := range cases {
		got := util.ClampU32(c.in, c.min, c.max)
		if got != c.want {
			t.Errorf("ClampU32(%d, %d, %d) = %d, want %d", c.in, c.min, c.max, got, c.want)
		}
	}
}

func TestGetBitMask16(t *testing.T) {
	const capA uint16 = 1 << 0
	const capB uint16 = 1 << 2
	v := capA
	if !util.GetBitMask16(v, capA) {
		t.Error("expected capA set")
	}
	if util.GetBitMask16(v, capB) {
		t.Error("expected capB unset")
	}
}

func TestMergeErrorsNilWhenEmpty(t *testing.T) {
	if err := util.MergeErrors(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := util.MergeErrors([]error{nil, nil}); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestMergeErrorsJoins(t *testing.T) {
	errs := []error{
		errSentinel("a"),
		nil,
		errSentinel("b"),
	}
	err := util.MergeErrors(errs)
	if err == nil {
		t.Fatal("expected non-nil error")
	}
	want := "a\nb"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
