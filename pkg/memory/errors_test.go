package memory

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCheckAligned(t *testing.T) {
	tests := []struct {
		address   uint64
		alignment int
		ok        bool
	}{
		{0x1000, 4, true},
		{0x1002, 4, false},
		{0x1004, 8, false},
		{0x1008, 8, true},
		{0x1003, 1, true},
		{0x1003, 0, true},
	}
	for _, tc := range tests {
		err := CheckAligned(tc.address, tc.alignment)
		if tc.ok {
			if err != nil {
				t.Fatalf("CheckAligned(%#x, %d): unexpected error %v", tc.address, tc.alignment, err)
			}
			continue
		}
		nae, ok := IsNotAligned(err)
		if !ok {
			t.Fatalf("CheckAligned(%#x, %d): expected *NotAlignedError, got %v", tc.address, tc.alignment, err)
		}
		if nae.Address != tc.address || nae.Alignment != tc.alignment {
			t.Fatalf("expected {%#x, %d} got {%#x, %d}", tc.address, tc.alignment, nae.Address, nae.Alignment)
		}
	}
}

func TestOther(t *testing.T) {
	if Other(nil) != nil {
		t.Fatal("expected Other(nil) to be nil")
	}

	base := errors.New("link down")
	err := Other(base)
	if !IsOther(err) {
		t.Fatalf("expected *OtherError, got %T", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to be found by errors.Is")
	}
	if err.Error() != "link down" {
		t.Fatalf("expected %q got %q", "link down", err.Error())
	}
	if Other(err) != err {
		t.Fatal("expected memory errors to be returned unchanged")
	}

	nae := &NotAlignedError{Address: 2, Alignment: 4}
	if Other(nae) != error(nae) {
		t.Fatal("expected alignment errors to be returned unchanged")
	}
	if IsOther(nae) {
		t.Fatal("alignment error reported as Other")
	}

	wrapped := fmt.Errorf("reading: %w", nae)
	if got, ok := IsNotAligned(wrapped); !ok || got != nae {
		t.Fatalf("expected wrapped alignment error to be found, got %v", got)
	}
}

func TestOtherfStack(t *testing.T) {
	err := Otherf("bad length %d", 3)
	if err.Error() != "bad length 3" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	verbose := fmt.Sprintf("%+v", err)
	if !strings.Contains(verbose, "TestOtherfStack") {
		t.Fatalf("expected stack trace in %%+v output, got %q", verbose)
	}
}

func TestWidth(t *testing.T) {
	for _, tc := range []struct {
		w     Width
		bytes int
		s     string
	}{
		{Width8, 1, "8-bit"},
		{Width32, 4, "32-bit"},
		{Width64, 8, "64-bit"},
	} {
		if tc.w.Bytes() != tc.bytes || tc.w.String() != tc.s {
			t.Fatalf("expected %d/%q got %d/%q", tc.bytes, tc.s, tc.w.Bytes(), tc.w.String())
		}
	}
}
