package buffer

import (
	"testing"
	"time"

	"github.com/snarg/vitalguard/internal/vitals"
)

func reading(hr float64) vitals.Reading {
	return vitals.Reading{DeviceID: "d1", HeartRate: hr, Timestamp: time.Now()}
}

func TestWindowRequiresFullRing(t *testing.T) {
	b := New(4)
	b.Push(reading(60))
	b.Push(reading(61))

	if _, ok := b.Window("d1"); ok {
		t.Error("Window should not be ready before the ring is full")
	}

	b.Push(reading(62))
	b.Push(reading(63))

	w, ok := b.Window("d1")
	if !ok {
		t.Fatal("Window should be ready once the ring is full")
	}
	if len(w) != 4 {
		t.Fatalf("len(w) = %d, want 4", len(w))
	}
	if w[0][0] != 60 || w[3][0] != 63 {
		t.Errorf("window not in arrival order: %v", w)
	}
}

func TestWindowWraps(t *testing.T) {
	b := New(3)
	for i, hr := range []float64{1, 2, 3, 4, 5} {
		_ = i
		b.Push(reading(hr))
	}
	w, ok := b.Window("d1")
	if !ok {
		t.Fatal("expected full window")
	}
	want := []float64{3, 4, 5}
	for i, v := range want {
		if w[i][0] != v {
			t.Errorf("w[%d][0] = %v, want %v", i, w[i][0], v)
		}
	}
}

func TestPartialWindowPadsWithOldest(t *testing.T) {
	b := New(5)
	b.Push(reading(42))
	b.Push(reading(43))

	w, ok := b.PartialWindow("d1")
	if !ok {
		t.Fatal("expected partial window")
	}
	if len(w) != 5 {
		t.Fatalf("len(w) = %d, want 5", len(w))
	}
	for i := 0; i < 3; i++ {
		if w[i][0] != 42 {
			t.Errorf("w[%d][0] = %v, want 42 (padding)", i, w[i][0])
		}
	}
	if w[3][0] != 42 || w[4][0] != 43 {
		t.Errorf("tail of partial window wrong: %v", w)
	}
}

func TestPartialWindowUnknownDevice(t *testing.T) {
	b := New(5)
	if _, ok := b.PartialWindow("nope"); ok {
		t.Error("expected ok=false for unknown device")
	}
}
