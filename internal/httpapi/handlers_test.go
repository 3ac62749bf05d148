package httpapi

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/onemillionboard/board/internal/bitboard"
)

func newTestServer(t *testing.T, totalBits uint64) *Server {
	t.Helper()

	dir := t.TempDir()
	logger := zap.NewNop().Sugar()

	log, err := bitboard.OpenLog(filepath.Join(dir, "board.log"), logger)
	if err != nil {
		t.Fatalf("OpenLog err=%v", err)
	}

	bm, err := bitboard.Open(filepath.Join(dir, "board.bin"), bitboard.Options{
		TotalBits: totalBits,
		Logger:    logger,
		Log:       log,
	})
	if err != nil {
		t.Fatalf("bitboard.Open err=%v", err)
	}

	t.Cleanup(func() { bm.Close() })

	return NewServer(bm, logger)
}

func TestHandleToggle_FlipsBitAndReturnsEmptyBody(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/toggle/5", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("status=%d, want=%d, body=%s", got, want, rec.Body.String())
	}

	if got, want := rec.Body.Len(), 0; got != want {
		t.Fatalf("body length=%d, want=%d", got, want)
	}
}

func TestHandleToggle_RejectsNonNumericIndex(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/toggle/not-a-number", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusBadRequest; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
}

func TestHandleToggle_RejectsOutOfRangeIndex(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/toggle/"+strconv.Itoa(bitboard.ChunkBits), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusBadRequest; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
}

func TestHandleSetByte_OverwritesAndReturnsEmptyBody(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/set_byte/0/255", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("status=%d, want=%d, body=%s", got, want, rec.Body.String())
	}

	if got, want := rec.Body.Len(), 0; got != want {
		t.Fatalf("body length=%d, want=%d", got, want)
	}

	req = httptest.NewRequest(http.MethodGet, "/snapshot?start=0&end=8", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var body snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal err=%v", err)
	}

	decoded, err := base64.RawStdEncoding.DecodeString(body.Bits)
	if err != nil {
		t.Fatalf("decode err=%v", err)
	}

	if got, want := decoded[0], byte(255); got != want {
		t.Fatalf("byte=%d, want=%d", got, want)
	}
}

func TestHandleSetByte_RejectsValueAbove255(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/set_byte/0/256", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusBadRequest; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
}

func TestHandleSnapshot_EmptyRangeReturnsEmptyBits(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodGet, "/snapshot?start=3&end=3", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}

	var body snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal err=%v", err)
	}

	if got, want := body.Start, uint64(3); got != want {
		t.Fatalf("start=%d, want=%d", got, want)
	}

	if got, want := body.Bits, ""; got != want {
		t.Fatalf("bits=%q, want=%q", got, want)
	}
}

func TestHandleSnapshot_ReturnsStartOfEnclosingChunk(t *testing.T) {
	s := newTestServer(t, 2*bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodGet, "/snapshot?start=0&end=1", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var body snapshotResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal err=%v", err)
	}

	if got, want := body.Start, uint64(0); got != want {
		t.Fatalf("start=%d, want=%d", got, want)
	}

	decoded, err := base64.RawStdEncoding.DecodeString(body.Bits)
	if err != nil {
		t.Fatalf("decode err=%v", err)
	}

	if got, want := len(decoded), bitboard.ChunkBytes; got != want {
		t.Fatalf("decoded length=%d, want=%d", got, want)
	}
}

func TestHandleSnapshot_RejectsRangePastCapacity(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodGet, "/snapshot?start=0&end="+strconv.Itoa(bitboard.ChunkBits+1), nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusBadRequest; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
}

func TestHandleHealthz_ReportsCounters(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodPost, "/toggle/0", nil)
	s.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	var body map[string]uint64
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal err=%v", err)
	}

	if got, want := body["bits_set"], uint64(1); got != want {
		t.Fatalf("bits_set=%d, want=%d", got, want)
	}
}

func TestHandleImage_ReturnsValidSquarePNG(t *testing.T) {
	s := newTestServer(t, 64*8) // 64 bytes, 8x8 image

	req := httptest.NewRequest(http.MethodGet, "/image.png", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if got, want := rec.Code, http.StatusOK; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("png.Decode err=%v", err)
	}

	bounds := img.Bounds()
	if got, want := bounds.Dx(), 8; got != want {
		t.Fatalf("width=%d, want=%d", got, want)
	}

	if got, want := bounds.Dy(), 8; got != want {
		t.Fatalf("height=%d, want=%d", got, want)
	}
}

func TestHandleImage_SetsETagAndHonorsIfNoneMatch(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodGet, "/image.png", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("expected an ETag header")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/image.png", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	s.ServeHTTP(rec2, req2)

	if got, want := rec2.Code, http.StatusNotModified; got != want {
		t.Fatalf("status=%d, want=%d", got, want)
	}
}

func TestHandleUpdates_StreamsUpdateEventAfterToggle(t *testing.T) {
	s := newTestServer(t, bitboard.ChunkBits)

	req := httptest.NewRequest(http.MethodGet, "/updates?start=0&end=8", nil)
	rec := httptest.NewRecorder()

	done := make(chan struct{})

	go func() {
		s.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to subscribe before mutating.
	time.Sleep(20 * time.Millisecond)

	toggleReq := httptest.NewRequest(http.MethodPost, "/toggle/0", nil)
	s.ServeHTTP(httptest.NewRecorder(), toggleReq)

	// The stream opens with the chunk's seeded (all-zero) bytes; wait for
	// the update that carries the toggled bit.
	var toggled [bitboard.ChunkBytes]byte
	toggled[0] = 0x01
	wantData := []byte("data: " + base64.RawStdEncoding.EncodeToString(toggled[:]) + "\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if bytes.Contains(rec.Body.Bytes(), wantData) {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	if !bytes.Contains(rec.Body.Bytes(), wantData) {
		t.Fatalf("expected an update event carrying the toggled bit in the stream, got: %s", rec.Body.String())
	}

	if !bytes.Contains(rec.Body.Bytes(), []byte("id: 0\n")) {
		t.Fatalf("expected the update event's id to be the chunk's starting bit index, got: %s", rec.Body.String())
	}

	if !bytes.Contains(rec.Body.Bytes(), []byte("event: sum")) {
		t.Fatalf("expected an initial sum event in the stream, got: %s", rec.Body.String())
	}

	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after Stop")
	}
}
