package httpapi

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
	"net/http"

	"github.com/onemillionboard/board/internal/bitboard"
)

// handleImage implements GET /image.png: the whole board rendered as a
// grayscale PNG, one pixel per byte, reshaped into the most nearly square
// rectangle whose area is exactly the board's byte capacity (1000x1000 for
// the default 8,000,000-bit board; see imageDimensions). Responses are cacheable for 5 seconds and carry an
// ETag derived from the running aggregate counters, so a client polling
// faster than the board actually changes gets 304s instead of full images.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	etag := fmt.Sprintf(`"%x-%x"`, s.bm.BytesSum(), s.bm.BitsSet())

	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "public, max-age=5")

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)

		return
	}

	total := int(s.bm.TotalBytes())
	width, height := imageDimensions(total)

	img := image.NewGray(image.Rect(0, 0, width, height))

	buf := make([]byte, bitboard.ChunkBytes)

	pixel := 0

	for c := 0; c < s.bm.ChunkCount() && pixel < total; c++ {
		if err := s.bm.LoadChunk(c, buf); err != nil {
			writeError(w, http.StatusInternalServerError, "image: "+err.Error())

			return
		}

		n := len(buf)
		if remaining := total - pixel; remaining < n {
			n = remaining
		}

		copy(img.Pix[pixel:pixel+n], buf[:n])
		pixel += n
	}

	w.Header().Set("Content-Type", "image/png")

	var out bytes.Buffer
	if err := png.Encode(&out, img); err != nil {
		writeError(w, http.StatusInternalServerError, "image: "+err.Error())

		return
	}

	w.Write(out.Bytes())
}

// imageDimensions returns a width x height of exactly total pixels that is
// as close to square as possible: height is the largest divisor of total
// not above its square root, and width is total/height (at least height).
// A prime total therefore yields a single row.
func imageDimensions(total int) (width, height int) {
	side := int(math.Sqrt(float64(total)))

	for s := side; s > 0; s-- {
		if total%s == 0 {
			return total / s, s
		}
	}

	return total, 1
}
