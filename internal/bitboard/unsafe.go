package bitboard

import "unsafe"

// unsafeChunkPointer reinterprets a ChunkBytes-long byte slice as the
// address of a Chunk, so that atomic operations on the Chunk's words
// operate directly on the memory-mapped file rather than a copy. Callers
// must guarantee region is exactly ChunkBytes long and 4-byte aligned,
// which mmap'd pages always are.
func unsafeChunkPointer(region []byte) unsafe.Pointer {
	return unsafe.Pointer(&region[0])
}
