// Package keyid allocates pre-key identifiers from the bounded id space
// used on the wire. Ids are 24-bit, never zero, and allocation is
// sequential with a single wrap point so that a batch never straddles
// the upper bound.
package keyid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// UpperBound is one past the largest valid key id. The wire protocol
// encodes pre-key ids in 24 bits.
const UpperBound = 1 << 24

// Next returns the next key id to issue. If haveLast is false, or last
// is outside [1, UpperBound), a random id in [1, UpperBound-minCapacity]
// is chosen so a fresh batch of minCapacity ids fits without wrapping.
// Otherwise the id after last is returned, wrapping to 1 when a batch of
// minCapacity would cross UpperBound.
func Next(last uint32, haveLast bool, minCapacity int) uint32 {
	if !haveLast || last == 0 || last >= UpperBound {
		return randomID(minCapacity)
	}
	if uint64(last)+uint64(minCapacity) < UpperBound {
		return last + 1
	}
	return 1
}

// Range returns count contiguous ids starting at Next(last, haveLast,
// count). The returned ids are pairwise distinct and increasing, except
// across at most one wrap back to 1.
func Range(last uint32, haveLast bool, count int) []uint32 {
	if count <= 0 {
		return nil
	}
	ids := make([]uint32, 0, count)
	id := Next(last, haveLast, count)
	for len(ids) < count {
		ids = append(ids, id)
		if uint64(id)+1 < UpperBound {
			id++
		} else {
			id = 1
		}
	}
	return ids
}

// randomID picks a uniform id in [1, UpperBound-minCapacity]. Used when
// the stored counter was lost or corrupted; random reseeding avoids
// deterministic collisions across restarts.
func randomID(minCapacity int) uint32 {
	span := uint32(UpperBound - minCapacity)
	if minCapacity <= 0 || span == 0 {
		span = UpperBound - 1
	}
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on supported platforms.
		panic(fmt.Sprintf("keyid: read random: %v", err))
	}
	return binary.BigEndian.Uint32(buf[:])%span + 1
}
