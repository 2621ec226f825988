// Package buffer implements the per-device ingestion ring: a
// fixed-capacity window of the most recent biometric readings per
// device, replayed densely in arrival order to build the fixed-shape
// windows the inference collaborator expects.
package buffer

import (
	"sync"

	"github.com/snarg/vitalguard/internal/vitals"
)

// Window is a dense W×F matrix of feature rows, oldest sample first.
type Window [][4]float64

// deviceRing is a fixed-capacity circular buffer of readings for one device.
type deviceRing struct {
	mu       sync.Mutex
	rows     []vitals.Reading
	capacity int
	head     int
	size     int
}

func newDeviceRing(capacity int) *deviceRing {
	return &deviceRing{
		rows:     make([]vitals.Reading, capacity),
		capacity: capacity,
	}
}

func (d *deviceRing) push(r vitals.Reading) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rows[d.head] = r
	d.head = (d.head + 1) % d.capacity
	if d.size < d.capacity {
		d.size++
	}
}

// ordered returns the ring contents oldest-first.
func (d *deviceRing) ordered() []vitals.Reading {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]vitals.Reading, d.size)
	if d.size < d.capacity {
		copy(out, d.rows[:d.size])
		return out
	}
	// Full ring: oldest sample is at d.head (next slot to be overwritten).
	n := copy(out, d.rows[d.head:])
	copy(out[n:], d.rows[:d.head])
	return out
}

func (d *deviceRing) full() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size == d.capacity
}

// Buffer is the registry of per-device rings.
type Buffer struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]*deviceRing
}

// New creates a Buffer where each device's ring holds the last `capacity` readings.
func New(capacity int) *Buffer {
	return &Buffer{
		capacity: capacity,
		rings:    make(map[string]*deviceRing),
	}
}

// Push appends a reading to its device's ring, creating the ring on first use.
func (b *Buffer) Push(r vitals.Reading) {
	ring := b.ringFor(r.DeviceID)
	ring.push(r)
}

func (b *Buffer) ringFor(deviceID string) *deviceRing {
	b.mu.RLock()
	ring, ok := b.rings[deviceID]
	b.mu.RUnlock()
	if ok {
		return ring
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ring, ok = b.rings[deviceID]; ok {
		return ring
	}
	ring = newDeviceRing(b.capacity)
	b.rings[deviceID] = ring
	return ring
}

// Window returns a dense W×F window only when the device's ring is full.
// ok is false otherwise.
func (b *Buffer) Window(deviceID string) (w Window, ok bool) {
	b.mu.RLock()
	ring, exists := b.rings[deviceID]
	b.mu.RUnlock()
	if !exists || !ring.full() {
		return nil, false
	}
	return toWindow(ring.ordered()), true
}

// PartialWindow returns a W×F window of the same shape as Window, left-padded
// by repeating the oldest available sample. Returns ok=false if the device
// has no readings at all.
func (b *Buffer) PartialWindow(deviceID string) (w Window, ok bool) {
	b.mu.RLock()
	ring, exists := b.rings[deviceID]
	b.mu.RUnlock()
	if !exists {
		return nil, false
	}

	rows := ring.ordered()
	if len(rows) == 0 {
		return nil, false
	}
	if len(rows) >= b.capacity {
		return toWindow(rows), true
	}

	padded := make([]vitals.Reading, b.capacity)
	oldest := rows[0]
	padCount := b.capacity - len(rows)
	for i := 0; i < padCount; i++ {
		padded[i] = oldest
	}
	copy(padded[padCount:], rows)
	return toWindow(padded), true
}

func toWindow(rows []vitals.Reading) Window {
	w := make(Window, len(rows))
	for i, r := range rows {
		w[i] = r.Vector()
	}
	return w
}
