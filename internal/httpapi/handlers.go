package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/onemillionboard/board/internal/bitboard"
)

// parseRange reads the start/end half-open bit range from query
// parameters, defaulting to the whole board when absent.
func (s *Server) parseRange(r *http.Request) (start, end uint64, err error) {
	q := r.URL.Query()

	start = 0
	end = s.bm.TotalBits()

	if v := q.Get("start"); v != "" {
		start, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, errors.New("start must be a non-negative integer")
		}
	}

	if v := q.Get("end"); v != "" {
		end, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, errors.New("end must be a non-negative integer")
		}
	}

	return start, end, nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// statusForRangeError maps a bitboard sentinel error to the HTTP status
// the board's client-validation taxonomy assigns it: every range/index
// error is a client mistake, so 400; any other error (such as ErrClosed)
// is 500.
func statusForRangeError(err error) int {
	switch {
	case errors.Is(err, bitboard.ErrOutOfRange),
		errors.Is(err, bitboard.ErrRangeInverted),
		errors.Is(err, bitboard.ErrRangeTooLarge):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// snapshotResponse is the wire shape of GET /snapshot: the starting bit
// index of the enclosing chunk range and its bytes, base64-nopad.
type snapshotResponse struct {
	Start uint64 `json:"start"`
	Bits  string `json:"bits"`
}

// handleSnapshot implements GET /snapshot?start=&end=: a JSON envelope
// around the base64-encoded bytes covering the requested bit range,
// rounded out to the full chunks that range touches.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	w.Header().Set("Content-Type", "application/json")

	if start == end {
		_ = json.NewEncoder(w).Encode(snapshotResponse{Start: start, Bits: ""})

		return
	}

	startChunk, endChunk, err := s.bm.ValidateRange(start, end)
	if err != nil {
		writeError(w, statusForRangeError(err), err.Error())

		return
	}

	raw := s.bm.Snapshot(startChunk, endChunk)
	encoded := base64.RawStdEncoding.EncodeToString(raw)

	_ = json.NewEncoder(w).Encode(snapshotResponse{
		Start: startChunk * bitboard.ChunkBits,
		Bits:  encoded,
	})
}

// handleToggle implements POST /toggle/{idx}: flips one bit.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseUint(r.PathValue("idx"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "idx must be a non-negative integer")

		return
	}

	_, err = s.bm.Toggle(idx)
	if err != nil {
		writeError(w, statusForRangeError(err), err.Error())

		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleSetByte implements POST /set_byte/{idx}/{value}: overwrites one
// byte.
func (s *Server) handleSetByte(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.ParseUint(r.PathValue("idx"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "idx must be a non-negative integer")

		return
	}

	value, err := strconv.ParseUint(r.PathValue("value"), 10, 8)
	if err != nil {
		writeError(w, http.StatusBadRequest, "value must be an integer in [0,255]")

		return
	}

	_, err = s.bm.SetByte(idx, byte(value))
	if err != nil {
		writeError(w, statusForRangeError(err), err.Error())

		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleHealthz implements GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]uint64{
		"bits_set":  s.bm.BitsSet(),
		"bytes_sum": s.bm.BytesSum(),
	})
}

// sumTickInterval is how often the updates stream checks whether the
// board's aggregate byte sum has changed and, if so, emits a "sum" event.
const sumTickInterval = 250 * time.Millisecond

// keepAliveInterval governs how often a comment line is sent on an
// otherwise-idle updates stream to prevent intermediaries from closing
// the connection.
const keepAliveInterval = 15 * time.Second

// handleUpdates implements GET /updates?start=&end=: a Server-Sent Events
// stream combining per-chunk "update" events (one per subscribed chunk with
// its current bytes at subscribe time, then as each chunk is coalesced and
// published) with "sum" events: one with the current bytes_sum when the
// stream opens, then at most one every 250ms, only when bytes_sum has
// actually changed since the last emission.
func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	start, end, err := s.parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	var startChunk, endChunk uint64

	var updates <-chan bitboard.ChunkUpdate

	if start != end {
		startChunk, endChunk, err = s.bm.ValidateRange(start, end)
		if err != nil {
			writeError(w, statusForRangeError(err), err.Error())

			return
		}

		var cancel func()

		updates, cancel, err = s.bm.WatchChunks(startChunk, endChunk)
		if err != nil {
			writeError(w, statusForRangeError(err), err.Error())

			return
		}

		defer cancel()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sumTickInterval)
	defer ticker.Stop()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	lastSum := s.bm.BytesSum()
	writeSumEvent(w, lastSum)
	flusher.Flush()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.Stopping():
			return

		case u, chOK := <-updates:
			if !chOK {
				updates = nil

				continue
			}

			writeUpdateEvent(w, u)
			flusher.Flush()

		case <-keepAlive.C:
			writeKeepAlive(w)
			flusher.Flush()

		case <-ticker.C:
			sum := s.bm.BytesSum()
			if sum == lastSum {
				continue
			}

			lastSum = sum
			writeSumEvent(w, sum)
			flusher.Flush()
		}
	}
}

func writeUpdateEvent(w http.ResponseWriter, u bitboard.ChunkUpdate) {
	encoded := base64.RawStdEncoding.EncodeToString(u.Bytes[:])
	startBit := u.ChunkIndex * bitboard.ChunkBits

	w.Write([]byte("event: update\n"))
	w.Write([]byte("id: " + strconv.FormatUint(startBit, 10) + "\n"))
	w.Write([]byte("data: " + encoded + "\n\n"))
}

func writeKeepAlive(w http.ResponseWriter) {
	w.Write([]byte(": keep-alive\n\n"))
}

func writeSumEvent(w http.ResponseWriter, sum uint64) {
	w.Write([]byte("event: sum\n"))
	w.Write([]byte("data: " + strconv.FormatUint(sum, 10) + "\n\n"))
}
