// Package idgen generates time-ordered identifiers for events and records.
package idgen

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
)

// counterBits is the width of the sub-millisecond monotonic counter
// packed into the UUIDv7 rand_a field.
const counterBits = 12
const counterMax = (1 << counterBits) - 1

var state struct {
	mu      sync.Mutex
	lastMs  int64
	counter uint16
}

// New returns a new UUIDv7 string. Successive calls within the same
// process and the same millisecond are guaranteed to sort strictly
// greater than the previous call's value.
func New() string {
	return string(newBytes())
}

func newBytes() []byte {
	var b [16]byte

	state.mu.Lock()
	ms := time.Now().UnixMilli()
	if ms <= state.lastMs {
		ms = state.lastMs
		if state.counter < counterMax {
			state.counter++
		} else {
			// Counter exhausted inside this millisecond: borrow the next
			// millisecond so ordering is preserved instead of colliding.
			ms++
			state.counter = 0
		}
	} else {
		state.counter = 0
	}
	state.lastMs = ms
	counter := state.counter
	state.mu.Unlock()

	b[0] = byte(ms >> 40)
	b[1] = byte(ms >> 32)
	b[2] = byte(ms >> 24)
	b[3] = byte(ms >> 16)
	b[4] = byte(ms >> 8)
	b[5] = byte(ms)

	// Bytes 6-7: version nibble (0111) + 12-bit counter (rand_a).
	b[6] = 0x70 | byte(counter>>8&0x0F)
	b[7] = byte(counter)

	// Bytes 8-15: variant bits (10) + 62 bits of randomness (rand_b),
	// sourced from google/uuid's CSPRNG-backed random UUID generator.
	rnd, err := uuid.NewRandom()
	if err != nil {
		panic("idgen: random source unavailable: " + err.Error())
	}
	copy(b[8:], rnd[8:16])
	b[8] = 0x80 | (b[8] & 0x3F)

	return formatHex(b)
}

func formatHex(b [16]byte) []byte {
	out := make([]byte, 36)
	hex.Encode(out[0:8], b[0:4])
	out[8] = '-'
	hex.Encode(out[9:13], b[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], b[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], b[8:10])
	out[23] = '-'
	hex.Encode(out[24:36], b[10:16])
	return out
}

// Timestamp extracts the embedded UTC instant from a UUIDv7 string
// generated by New. It normalizes sync_created_at per spec: the
// timestamp is always derived from the id, never supplied separately.
func Timestamp(id string) (time.Time, bool) {
	if len(id) != 36 {
		return time.Time{}, false
	}
	hexDigits := id[0:8] + id[9:13]
	if len(hexDigits) != 12 {
		return time.Time{}, false
	}
	raw, err := hex.DecodeString(hexDigits)
	if err != nil || len(raw) != 6 {
		return time.Time{}, false
	}
	ms := int64(raw[0])<<40 | int64(raw[1])<<32 | int64(raw[2])<<24 |
		int64(raw[3])<<16 | int64(raw[4])<<8 | int64(raw[5])
	return time.UnixMilli(ms).UTC(), true
}
