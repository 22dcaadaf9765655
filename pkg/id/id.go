package id

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Token is a 128-bit, lexicographically sortable identifier encoded as 16
// bytes big-endian: [8 bytes ms_timestamp][8 bytes sequence].
type Token [16]byte

// Bytes returns the raw 16-byte representation.
func (t Token) Bytes() []byte { b := make([]byte, 16); copy(b, t[:]); return b }

// String returns the token as 32 lowercase hex characters.
func (t Token) String() string { return fmtHex(t[:]) }

// Compare returns -1, 0, 1 based on byte-wise comparison.
func (t Token) Compare(other Token) int {
	for i := 0; i < 16; i++ {
		if t[i] < other[i] {
			return -1
		}
		if t[i] > other[i] {
			return 1
		}
	}
	return 0
}

// Generator produces monotonically increasing tokens per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence uint64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new token. If the clock goes backwards it pins to lastMs and
// keeps incrementing the sequence. If the sequence overflows within the same
// millisecond it waits for the next millisecond.
func (g *Generator) Next() Token {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == math.MaxUint64 {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeToken(ms, g.sequence)
}

// NextString returns Next() rendered as a hex string. Convenient for callers
// that only need an opaque, ordered string token (etags, batch ids).
func (g *Generator) NextString() string { return g.Next().String() }

func makeToken(ms int64, seq uint64) Token {
	var t Token
	binary.BigEndian.PutUint64(t[0:8], uint64(ms))
	binary.BigEndian.PutUint64(t[8:16], seq)
	return t
}

// fmtHex is a small, allocation-lean hex encoder for fixed-size tokens.
func fmtHex(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
