// Package sequence generates collision-resistant monotonic message ordinals.
//
// A sequence is unixMillis*100000 + random[0,100000). Values from different
// milliseconds order by wall clock; within one millisecond the random tail
// makes collisions ~1/100000. That replaces SELECT MAX(sequence)+1, which
// serializes parallel inserts to the same conversation.
package sequence

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

const slotsPerMilli = 100_000

// Next returns a fresh sequence value. The result always fits int64
// (millisecond timestamps stay below 2^43 for the next few millennia).
func Next() int64 {
	return time.Now().UnixMilli()*slotsPerMilli + randN(slotsPerMilli)
}

// NextPair returns two adjacent sequence values (seq, seq+1) so an assistant
// message always sorts immediately after its user message. The random part
// is capped one below the bucket size so the pair never crosses into the
// next millisecond's range.
func NextPair() (int64, int64) {
	seq := time.Now().UnixMilli()*slotsPerMilli + randN(slotsPerMilli-1)
	return seq, seq + 1
}

// randN returns a random int64 in [0, n) using crypto/rand.
func randN(n int64) int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n))
}
