package bitboard

import (
	"context"
	"fmt"
	"math/bits"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// coalesceInterval is the minimum time between two publishes of the same
// chunk to its subscribers.
const coalesceInterval = 100 * time.Millisecond

// SharedBitmap owns the memory-mapped board file, the per-chunk atomic
// Chunks aliased over it, the running aggregate counters, the mutation
// log, and one coalescer goroutine per chunk.
type SharedBitmap struct {
	totalBits  uint64
	totalBytes uint64
	chunks     []*Chunk
	segments   []*segmentBroadcaster
	data       []byte
	file       *os.File
	log        *Log
	logger     *zap.SugaredLogger

	bitsSet  atomic.Uint64
	bytesSum atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Options configures Open.
type Options struct {
	// TotalBits is the board's fixed bit capacity. Must be positive; it
	// need not be a multiple of ChunkBits: the backing file is sized to
	// hold ceil(TotalBits/ChunkBits) whole chunks.
	TotalBits uint64
	Logger    *zap.SugaredLogger
	Log       *Log
}

// Open memory-maps (creating and zero-extending if necessary) the bitmap
// file at path, builds the Chunk views over it, scans the existing
// contents to seed the aggregate counters, and starts one coalescer
// goroutine per chunk.
func Open(path string, opts Options) (*SharedBitmap, error) {
	if opts.TotalBits == 0 {
		return nil, fmt.Errorf("bitboard: TotalBits must be positive")
	}

	numChunks := (opts.TotalBits + ChunkBits - 1) / ChunkBits
	fileSize := numChunks * ChunkBytes

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bitboard: open %s: %w", path, err)
	}

	if err := f.Truncate(int64(fileSize)); err != nil {
		f.Close()

		return nil, fmt.Errorf("bitboard: truncate %s: %w", path, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fileSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("bitboard: mmap %s: %w", path, err)
	}

	b := &SharedBitmap{
		totalBits:  opts.TotalBits,
		totalBytes: (opts.TotalBits + 7) / 8,
		chunks:     make([]*Chunk, numChunks),
		segments:   make([]*segmentBroadcaster, numChunks),
		data:       data,
		file:       f,
		log:        opts.Log,
		logger:     opts.Logger,
	}

	for i := range b.chunks {
		b.chunks[i] = chunkAt(data, i)
		b.segments[i] = newSegmentBroadcaster()
		b.segments[i].latest = b.chunks[i].snapshot()
	}

	b.seedCounters()

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	for i := range b.chunks {
		b.wg.Add(1)

		go b.runCoalescer(ctx, i)
	}

	return b, nil
}

// chunkAt returns a *Chunk that aliases the ChunkBytes-byte region of data
// starting at chunk index i. data must outlive every Chunk built over it.
func chunkAt(data []byte, i int) *Chunk {
	region := data[i*ChunkBytes : (i+1)*ChunkBytes : (i+1)*ChunkBytes]

	return (*Chunk)(unsafeChunkPointer(region))
}

func (b *SharedBitmap) seedCounters() {
	var bitsSet, bytesSum uint64

	for _, raw := range b.data {
		bitsSet += uint64(bits.OnesCount8(raw))
		bytesSum += uint64(raw)
	}

	b.bitsSet.Store(bitsSet)
	b.bytesSum.Store(bytesSum)
}

// TotalBits returns the board's bit capacity.
func (b *SharedBitmap) TotalBits() uint64 { return b.totalBits }

// TotalBytes returns the board's byte capacity.
func (b *SharedBitmap) TotalBytes() uint64 { return b.totalBytes }

// ChunkCount returns the number of chunks backing the board.
func (b *SharedBitmap) ChunkCount() int { return len(b.chunks) }

// BitsSet returns the current popcount of the whole board.
func (b *SharedBitmap) BitsSet() uint64 { return b.bitsSet.Load() }

// BytesSum returns the current sum of every byte on the board.
func (b *SharedBitmap) BytesSum() uint64 { return b.bytesSum.Load() }

// Toggle flips the bit at bitIndex and returns its value before the flip.
func (b *SharedBitmap) Toggle(bitIndex uint64) (wasSet bool, err error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	if bitIndex >= b.totalBits {
		return false, ErrOutOfRange
	}

	chunkIdx := bitIndex / ChunkBits
	inner := bitIndex % ChunkBits
	byteIdx := int(inner / 8)
	bitInByte := uint(inner % 8)

	prevByte := b.chunks[chunkIdx].toggleByte(byteIdx, bitInByte)
	wasSet = prevByte&(1<<bitInByte) != 0

	var bitDelta int64 = 1
	var sumDelta int64 = 1 << bitInByte

	if wasSet {
		bitDelta = -1
		sumDelta = -sumDelta
	}

	b.bitsSet.Add(uint64(bitDelta))
	b.bytesSum.Add(uint64(sumDelta))

	if b.log != nil {
		b.log.Append(logRecord{offset: uint32(bitIndex)})
	}

	b.segments[chunkIdx].notifyChanged()

	return wasSet, nil
}

// SetByte overwrites the byte at byteIndex with val and returns its value
// beforehand.
func (b *SharedBitmap) SetByte(byteIndex uint64, val byte) (prev byte, err error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}

	if byteIndex >= b.totalBytes {
		return 0, ErrOutOfRange
	}

	chunkIdx := byteIndex / ChunkBytes
	inner := int(byteIndex % ChunkBytes)

	prev = b.chunks[chunkIdx].setByte(inner, val)

	bitDelta := int64(bits.OnesCount8(val)) - int64(bits.OnesCount8(prev))
	sumDelta := int64(val) - int64(prev)

	b.bitsSet.Add(uint64(bitDelta))
	b.bytesSum.Add(uint64(sumDelta))

	if b.log != nil {
		b.log.Append(logRecord{offset: uint32(byteIndex), isSet: true, value: val})
	}

	b.segments[chunkIdx].notifyChanged()

	return prev, nil
}

// Watch subscribes to chunk chunkIdx's latched broadcast. The returned
// channel is seeded with the chunk's current bytes; call cancel to
// unsubscribe once the caller is done.
func (b *SharedBitmap) Watch(chunkIdx int) (ch <-chan [ChunkBytes]byte, cancel func(), err error) {
	if chunkIdx < 0 || chunkIdx >= len(b.segments) {
		return nil, nil, ErrOutOfRange
	}

	c, cancelFn := b.segments[chunkIdx].subscribe()

	return c, cancelFn, nil
}

// LoadChunk copies chunk chunkIdx's current bytes into dst.
func (b *SharedBitmap) LoadChunk(chunkIdx int, dst []byte) error {
	if chunkIdx < 0 || chunkIdx >= len(b.chunks) {
		return ErrOutOfRange
	}

	b.chunks[chunkIdx].loadInto(dst)

	return nil
}

// Log returns the bitmap's mutation log, or nil if none was configured.
func (b *SharedBitmap) Log() *Log { return b.log }

// Close stops the coalescer goroutines, flushes and closes the mutation
// log, unmaps the board file, and closes the underlying file descriptor.
func (b *SharedBitmap) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.cancel()
	b.wg.Wait()

	if b.log != nil {
		b.log.Close()
	}

	var err error
	if unmapErr := unix.Munmap(b.data); unmapErr != nil {
		err = unmapErr
	}

	if closeErr := b.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}

	return err
}

// runCoalescer is the background task that, for one chunk, waits for a
// change notification, sleeps out the remainder of the 100ms coalescing
// window, and then publishes the chunk's latest bytes — unless nothing
// actually changed since the last publish.
func (b *SharedBitmap) runCoalescer(ctx context.Context, idx int) {
	defer b.wg.Done()

	seg := b.segments[idx]
	limiter := rate.NewLimiter(rate.Every(coalesceInterval), 1)

	for {
		select {
		case <-ctx.Done():
			return
		case <-seg.changed:
		}

		if d := limiter.Reserve().Delay(); d > 0 {
			timer := time.NewTimer(d)

			select {
			case <-ctx.Done():
				timer.Stop()

				return
			case <-timer.C:
			}
		}

		buf := b.chunks[idx].snapshot()
		if buf == seg.current() {
			continue
		}

		seg.publish(buf)
	}
}
