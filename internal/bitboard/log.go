package bitboard

import (
	"bufio"
	"encoding/binary"
	"os"
	"time"

	"go.uber.org/zap"
)

// recordSize is the on-disk size of one mutation log record:
// 16 bytes (u128 LE nanosecond timestamp) + 4 bytes (u32 offset, high bit
// tags toggle vs set-byte) + 1 byte (value).
const recordSize = 16 + 4 + 1

// toggleTag marks the offset field as a bit index for a toggle record; it
// is clear for a set-byte record's byte index.
const toggleTag = uint32(1) << 31

// logLinger is the maximum time a buffered writer goroutine holds an
// unflushed record before syncing it to disk.
const logLinger = time.Second

// logQueueDepth bounds the channel between mutators and the writer
// goroutine; a full queue makes mutators block, which is the intended
// backpressure signal under sustained write load.
const logQueueDepth = 100

type logRecord struct {
	offset uint32 // bit index for toggle, byte index for set-byte
	isSet  bool
	value  byte
}

func encodeRecord(r logRecord, now int64) [recordSize]byte {
	var buf [recordSize]byte

	// u128 LE timestamp: low 8 bytes hold nanoseconds since Unix epoch,
	// high 8 bytes are zero (no timestamp in this epoch needs more than
	// 64 bits).
	binary.LittleEndian.PutUint64(buf[0:8], uint64(now))
	binary.LittleEndian.PutUint64(buf[8:16], 0)

	offset := r.offset
	if !r.isSet {
		offset |= toggleTag
	}

	binary.LittleEndian.PutUint32(buf[16:20], offset)
	buf[20] = r.value

	return buf
}

type flushRequest struct {
	done chan struct{}
}

type reopenRequest struct {
	done chan error
}

// Log is the append-only mutation log: every toggle and set-byte call is
// recorded by a single dedicated writer goroutine so that concurrent
// mutators never contend on file I/O. Durability failures are swallowed and
// logged rather than surfaced to mutators, per the board's error taxonomy:
// a lost log record is not a client-visible failure.
type Log struct {
	path    string
	logger  *zap.SugaredLogger
	records chan logRecord
	flush   chan flushRequest
	reopen  chan reopenRequest
	done    chan struct{}
}

// OpenLog opens (creating if necessary) the log file at path in append
// mode and starts its writer goroutine.
func OpenLog(path string, logger *zap.SugaredLogger) (*Log, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	l := &Log{
		path:    path,
		logger:  logger,
		records: make(chan logRecord, logQueueDepth),
		flush:   make(chan flushRequest),
		reopen:  make(chan reopenRequest),
		done:    make(chan struct{}),
	}

	go l.run(f)

	return l, nil
}

// Append enqueues a mutation record. It blocks if the writer's queue is
// full, which is the intended backpressure under sustained write load. Do
// not call Append after Close.
//
// r.offset must fit in 31 bits: the high bit of the encoded offset field
// is reserved for the toggle/set-byte type tag. Callers derive offset from
// a bit or byte index already bounds-checked against total_bits/total_bytes,
// so this can never trip for the board's configured capacity; it guards
// against a future caller that forgets the bound.
func (l *Log) Append(r logRecord) {
	if r.offset&toggleTag != 0 {
		panic("bitboard: log offset overflows into the type-tag bit")
	}

	l.records <- r
}

// Flush blocks until every record enqueued before the call has been
// written and fsynced.
func (l *Log) Flush() {
	req := flushRequest{done: make(chan struct{})}
	l.flush <- req
	<-req.done
}

// Reopen closes and reopens the underlying file at the same path, for
// SIGHUP-style log rotation: an external tool renames the old file, then
// Reopen makes subsequent writes land in a fresh one.
func (l *Log) Reopen() error {
	req := reopenRequest{done: make(chan error, 1)}
	l.reopen <- req

	return <-req.done
}

// Close flushes and stops the writer goroutine.
func (l *Log) Close() {
	close(l.records)
	<-l.done
}

func (l *Log) run(f *os.File) {
	defer close(l.done)

	w := bufio.NewWriter(f)
	buffered := false

	var timer *time.Timer
	var timerC <-chan time.Time

	flushNow := func() {
		if err := w.Flush(); err != nil {
			l.logger.Warnw("mutation log flush failed", "path", l.path, "error", err)
		}

		if err := f.Sync(); err != nil {
			l.logger.Warnw("mutation log sync failed", "path", l.path, "error", err)
		}

		buffered = false

		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	write := func(r logRecord) {
		buf := encodeRecord(r, time.Now().UnixNano())

		if _, err := w.Write(buf[:]); err != nil {
			l.logger.Warnw("mutation log write failed", "path", l.path, "error", err)

			return
		}

		if !buffered {
			buffered = true
			timer = time.NewTimer(logLinger)
			timerC = timer.C
		}
	}

	for {
		select {
		case r, ok := <-l.records:
			if !ok {
				flushNow()

				return
			}

			write(r)

		case <-timerC:
			flushNow()

		case req := <-l.flush:
			flushNow()
			close(req.done)

		case req := <-l.reopen:
			flushNow()

			if err := f.Close(); err != nil {
				l.logger.Warnw("mutation log close during reopen failed", "path", l.path, "error", err)
			}

			newFile, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				req.done <- err

				continue
			}

			f = newFile
			w = bufio.NewWriter(f)
			req.done <- nil
		}
	}
}
