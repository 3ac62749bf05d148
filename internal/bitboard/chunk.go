package bitboard

import (
	"encoding/binary"
	"sync/atomic"
)

const (
	// ChunkBytes is the size of one chunk in bytes (1024 bits).
	ChunkBytes = 128
	// ChunkBits is the size of one chunk in bits.
	ChunkBits = ChunkBytes * 8

	chunkWords = ChunkBytes / 4
)

// Chunk is a fixed 128-byte region of the board, addressed as 32 atomic
// 32-bit words. Go's sync/atomic has no byte-wide primitive, so a single
// byte's toggle/set is implemented as a compare-and-swap retry loop against
// the 4-byte word containing it: the CAS covers the whole word, which is a
// stronger atomicity guarantee than the single byte needs but never a
// weaker one, and it keeps every byte inside a Chunk addressable without a
// separate mutex per byte.
//
// Within a SharedBitmap, a Chunk's memory is an alias over a region of the
// memory-mapped board file (see Open and chunkAt). Word layout
// assumes a little-endian host, true for amd64 and arm64.
type Chunk struct {
	words [chunkWords]uint32
}

func byteLocation(byteIndex int) (wordIndex int, shift uint32) {
	return byteIndex / 4, uint32(byteIndex%4) * 8
}

// toggleByte flips a single bit within the byte at byteIndex and returns the
// byte's value before the flip. bitInByte is in [0,8).
func (c *Chunk) toggleByte(byteIndex int, bitInByte uint) (prev byte) {
	wordIndex, shift := byteLocation(byteIndex)
	word := &c.words[wordIndex]
	mask := byte(1) << bitInByte

	for {
		old := atomic.LoadUint32(word)
		oldByte := byte(old >> shift)
		newByte := oldByte ^ mask
		newWord := (old &^ (uint32(0xFF) << shift)) | (uint32(newByte) << shift)

		if atomic.CompareAndSwapUint32(word, old, newWord) {
			return oldByte
		}
	}
}

// setByte atomically replaces the byte at byteIndex with val and returns the
// previous value.
func (c *Chunk) setByte(byteIndex int, val byte) (prev byte) {
	wordIndex, shift := byteLocation(byteIndex)
	word := &c.words[wordIndex]

	for {
		old := atomic.LoadUint32(word)
		oldByte := byte(old >> shift)
		newWord := (old &^ (uint32(0xFF) << shift)) | (uint32(val) << shift)

		if atomic.CompareAndSwapUint32(word, old, newWord) {
			return oldByte
		}
	}
}

// loadByte atomically reads the byte at byteIndex.
func (c *Chunk) loadByte(byteIndex int) byte {
	wordIndex, shift := byteLocation(byteIndex)
	word := atomic.LoadUint32(&c.words[wordIndex])

	return byte(word >> shift)
}

// loadInto copies the chunk's current bytes into dst, which must be at
// least ChunkBytes long. Each word is read with a single atomic load, so
// the result is a tear-free view of each 4-byte group, though not
// necessarily of the whole 128-byte chunk (concurrent writers may land
// between word reads).
func (c *Chunk) loadInto(dst []byte) {
	for i := 0; i < chunkWords; i++ {
		w := atomic.LoadUint32(&c.words[i])
		binary.LittleEndian.PutUint32(dst[i*4:i*4+4], w)
	}
}

// snapshot returns a fresh copy of the chunk's current bytes.
func (c *Chunk) snapshot() [ChunkBytes]byte {
	var buf [ChunkBytes]byte
	c.loadInto(buf[:])

	return buf
}
