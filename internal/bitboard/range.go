package bitboard

import "sync"

// MaxRangeBits caps how much of the board a single snapshot or watch
// request may span, so one client can't force the server to hold open an
// unbounded number of per-chunk subscriptions or serialize an unbounded
// snapshot in one response.
const MaxRangeBits = 1 << 20 // 1,048,576 bits = 1024 chunks

// ValidateRange checks a half-open bit range [start, end) against the
// board's capacity and MaxRangeBits, and returns the inclusive chunk index
// bounds it touches.
func (b *SharedBitmap) ValidateRange(start, end uint64) (startChunk, endChunk uint64, err error) {
	if end < start {
		return 0, 0, ErrRangeInverted
	}

	if end > b.totalBits {
		return 0, 0, ErrOutOfRange
	}

	if end-start > MaxRangeBits {
		return 0, 0, ErrRangeTooLarge
	}

	if start == end {
		return 0, 0, nil
	}

	startChunk = start / ChunkBits
	endChunk = (end - 1) / ChunkBits

	return startChunk, endChunk, nil
}

// Snapshot returns a fresh copy of the raw bytes covering chunks
// [startChunk, endChunk], inclusive. Wire-format encoding (base64 or
// otherwise) is left to the caller.
func (b *SharedBitmap) Snapshot(startChunk, endChunk uint64) []byte {
	n := endChunk - startChunk + 1
	out := make([]byte, n*ChunkBytes)

	for i := uint64(0); i < n; i++ {
		b.chunks[startChunk+i].loadInto(out[i*ChunkBytes : (i+1)*ChunkBytes])
	}

	return out
}

// ChunkUpdate is one chunk's latest bytes, tagged with its index within
// the board so a caller fanning in multiple chunks' watches can tell them
// apart.
type ChunkUpdate struct {
	ChunkIndex uint64
	Bytes      [ChunkBytes]byte
}

// WatchChunks subscribes to every chunk in [startChunk, endChunk] and fans
// their individual latched updates into a single channel. The returned
// cancel function unsubscribes from every chunk and stops the fan-in
// goroutines; callers must call it exactly once when done watching.
func (b *SharedBitmap) WatchChunks(startChunk, endChunk uint64) (<-chan ChunkUpdate, func(), error) {
	n := endChunk - startChunk + 1
	out := make(chan ChunkUpdate, n)

	cancels := make([]func(), 0, n)
	stop := make(chan struct{})

	for i := uint64(0); i < n; i++ {
		idx := startChunk + i

		ch, cancel, err := b.Watch(int(idx))
		if err != nil {
			for _, c := range cancels {
				c()
			}
			close(stop)

			return nil, nil, err
		}

		cancels = append(cancels, cancel)

		go func(idx uint64, ch <-chan [ChunkBytes]byte) {
			for {
				select {
				case <-stop:
					return
				case v, ok := <-ch:
					if !ok {
						return
					}

					select {
					case out <- ChunkUpdate{ChunkIndex: idx, Bytes: v}:
					case <-stop:
						return
					}
				}
			}
		}(idx, ch)
	}

	var once sync.Once

	cancelAll := func() {
		once.Do(func() {
			close(stop)

			for _, c := range cancels {
				c()
			}
		})
	}

	return out, cancelAll, nil
}
